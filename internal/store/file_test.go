package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"postflow/internal/submission"
	logx "postflow/pkg/logx"
)

func openTestStore(t *testing.T, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleSub(id string, created time.Time) *submission.Submission {
	return &submission.Submission{
		ID:        id,
		Title:     "title " + id,
		CreatedAt: created,
		UpdatedAt: created,
		Parts: []*submission.Part{
			{ID: id + ".default", SubmissionID: id, IsDefault: true, Status: submission.StatusUnposted},
			{ID: id + ".p1", SubmissionID: id, Destination: "webhook", Status: submission.StatusUnposted, Tags: []string{"a", "b"}},
		},
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "subs.json")
	st := openTestStore(t, path)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	if err := st.Save(ctx, sampleSub("s1", now)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.Save(ctx, sampleSub("s2", now.Add(time.Minute))); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := st.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "title s1" || len(got.Parts) != 2 {
		t.Fatalf("unexpected submission: %+v", got)
	}

	// List is ordered by creation time.
	list, err := st.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "s1" || list[1].ID != "s2" {
		t.Fatalf("list order: %v, %v", list[0].ID, list[1].ID)
	}

	if n, _ := st.Count(ctx); n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}

	// The snapshot survives a reopen.
	st2 := openTestStore(t, path)
	again, err := st2.Get(ctx, "s2")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if again.Parts[1].Tags[0] != "a" {
		t.Fatalf("tags lost across reopen: %+v", again.Parts[1])
	}
}

func TestFileStoreClonesOnRead(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, filepath.Join(t.TempDir(), "subs.json"))
	ctx := context.Background()

	if err := st.Save(ctx, sampleSub("s1", time.Now())); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, _ := st.Get(ctx, "s1")
	got.Title = "mutated"
	got.Parts[1].Status = submission.StatusPosted

	fresh, _ := st.Get(ctx, "s1")
	if fresh.Title == "mutated" || fresh.Parts[1].Status == submission.StatusPosted {
		t.Fatal("store handed out a shared reference")
	}
}

func TestFileStoreFindDue(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, filepath.Join(t.TempDir(), "subs.json"))
	ctx := context.Background()
	now := time.Now()

	later := sampleSub("later", now)
	later.Schedule = submission.Schedule{PostAt: now.Add(-time.Minute), IsScheduled: true}
	sooner := sampleSub("sooner", now)
	sooner.Schedule = submission.Schedule{PostAt: now.Add(-time.Hour), IsScheduled: true}
	unscheduled := sampleSub("unscheduled", now)
	future := sampleSub("future", now)
	future.Schedule = submission.Schedule{PostAt: now.Add(time.Hour), IsScheduled: true}

	for _, s := range []*submission.Submission{later, sooner, unscheduled, future} {
		if err := st.Save(ctx, s); err != nil {
			t.Fatalf("save %s: %v", s.ID, err)
		}
	}

	due, err := st.FindDue(ctx, now)
	if err != nil {
		t.Fatalf("finddue: %v", err)
	}
	if len(due) != 2 || due[0].ID != "sooner" || due[1].ID != "later" {
		ids := make([]string, len(due))
		for i, d := range due {
			ids[i] = d.ID
		}
		t.Fatalf("due = %v, want [sooner later]", ids)
	}
}

func TestFileStoreUpdatePartStatus(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, filepath.Join(t.TempDir(), "subs.json"))
	ctx := context.Background()

	if err := st.Save(ctx, sampleSub("s1", time.Now())); err != nil {
		t.Fatalf("save: %v", err)
	}
	err := st.UpdatePartStatus(ctx, "s1.p1", submission.StatusPosted, "webhook/42", submission.ErrKindNone, "")
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := st.Get(ctx, "s1")
	p := got.Part("s1.p1")
	if p.Status != submission.StatusPosted || p.PostedTo != "webhook/42" {
		t.Fatalf("part = %s %q", p.Status, p.PostedTo)
	}

	if err := st.UpdatePartStatus(ctx, "ghost", submission.StatusFailed, "", submission.ErrKindPostFailed, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFileStoreUpdateScheduleAndRemove(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, filepath.Join(t.TempDir(), "subs.json"))
	ctx := context.Background()

	if err := st.Save(ctx, sampleSub("s1", time.Now())); err != nil {
		t.Fatalf("save: %v", err)
	}
	at := time.Now().Add(time.Hour).Truncate(time.Second)
	if err := st.UpdateSchedule(ctx, "s1", submission.Schedule{PostAt: at, IsScheduled: true}); err != nil {
		t.Fatalf("update schedule: %v", err)
	}
	got, _ := st.Get(ctx, "s1")
	if !got.Schedule.IsScheduled || !got.Schedule.PostAt.Equal(at) {
		t.Fatalf("schedule = %+v", got.Schedule)
	}

	if err := st.Remove(ctx, "s1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := st.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := st.Remove(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double remove err = %v, want ErrNotFound", err)
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	if st, err := Open(Config{}, logx.Nop()); err != nil || st != nil {
		t.Fatalf("empty driver: st=%v err=%v", st, err)
	}
	if st, err := Open(Config{Driver: "none"}, logx.Nop()); err != nil || st != nil {
		t.Fatalf("driver none: st=%v err=%v", st, err)
	}
	if _, err := Open(Config{Driver: "bolt"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver must error")
	}
}
