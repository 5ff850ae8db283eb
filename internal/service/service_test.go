package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"postflow/internal/adapter"
	"postflow/internal/cancel"
	"postflow/internal/eventbus"
	"postflow/internal/orchestrator"
	"postflow/internal/store"
	"postflow/internal/submission"
	"postflow/internal/validation"
	logx "postflow/pkg/logx"
)

type fakeStore struct {
	mu      sync.Mutex
	subs    map[string]*submission.Submission
	saveErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{subs: map[string]*submission.Submission{}}
}

func (f *fakeStore) Save(ctx context.Context, s *submission.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.subs[s.ID] = s.Clone()
	return nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (*submission.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.Clone(), nil
}

func (f *fakeStore) List(ctx context.Context) ([]*submission.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*submission.Submission, 0, len(f.subs))
	for _, s := range f.subs {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (f *fakeStore) FindDue(ctx context.Context, now time.Time) ([]*submission.Submission, error) {
	return nil, nil
}

func (f *fakeStore) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.subs, id)
	return nil
}

func (f *fakeStore) Count(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs), nil
}

func (f *fakeStore) UpdateSchedule(ctx context.Context, id string, sch submission.Schedule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return store.ErrNotFound
	}
	s.Schedule = sch
	return nil
}

func (f *fakeStore) UpdatePartStatus(ctx context.Context, partID string, st submission.PostStatus, postedTo string, kind submission.ErrorKind, lastErr string) error {
	return nil
}

func (f *fakeStore) Close() error { return nil }

type noopAdapter struct{ id string }

func (a *noopAdapter) ID() string { return a.id }

func (a *noopAdapter) Capabilities() adapter.Capabilities { return adapter.Capabilities{} }

func (a *noopAdapter) CheckLoginStatus(ctx context.Context) (adapter.LoginStatus, error) {
	return adapter.LoginStatus{LoggedIn: true}, nil
}

func (a *noopAdapter) Validate(sub *submission.Submission, merged, def *submission.Part) adapter.ValidationResult {
	return adapter.ValidationResult{}
}

func (a *noopAdapter) Post(ctx context.Context, tok *cancel.Token, data adapter.PostData) (adapter.Receipt, error) {
	return adapter.Receipt{PostedTo: a.id + "/1"}, nil
}

func newTestService(t *testing.T, st store.Store, destinations ...string) *Service {
	t.Helper()
	reg := adapter.NewRegistry(logx.Nop())
	for _, d := range destinations {
		if err := reg.Register(&noopAdapter{id: d}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	orch := orchestrator.New(orchestrator.Config{Enabled: true}, st, reg, validation.NewEngine(reg), logx.Nop(), eventbus.New())
	return New(st, orch, reg, logx.Nop())
}

func TestCreate(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	svc := newTestService(t, fs, "webhook", "telegram")
	ctx := context.Background()

	sub, err := svc.Create(ctx, CreateInput{
		Title: "  my piece  ",
		Defaults: PartInput{
			Tags: []string{"Shared", "art"},
		},
		Parts: []PartInput{
			{Destination: "webhook"},
			{Destination: "telegram", Tags: []string{"tg"}},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sub.Title != "my piece" {
		t.Fatalf("title = %q", sub.Title)
	}
	if len(sub.Parts) != 3 {
		t.Fatalf("parts = %d, want default + 2", len(sub.Parts))
	}
	if sub.DefaultPart() == nil {
		t.Fatal("default part missing")
	}
	for _, p := range sub.PostableParts() {
		if p.Status != submission.StatusUnposted {
			t.Fatalf("new part status = %s", p.Status)
		}
	}
	if _, err := fs.Get(ctx, sub.ID); err != nil {
		t.Fatalf("not persisted: %v", err)
	}
}

func TestCreateRejects(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, newFakeStore(), "webhook")
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateInput{Title: "x"}); !errors.Is(err, ErrNoParts) {
		t.Fatalf("err = %v, want ErrNoParts", err)
	}
	_, err := svc.Create(ctx, CreateInput{
		Title: "x",
		Parts: []PartInput{{Destination: "myspace"}},
	})
	if err == nil {
		t.Fatal("unknown destination must be rejected")
	}
}

func TestCreateCleansUpOnSaveFailure(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	fs.saveErr = errors.New("disk full")
	svc := newTestService(t, fs, "webhook")

	_, err := svc.Create(context.Background(), CreateInput{
		Title: "x",
		Parts: []PartInput{{Destination: "webhook"}},
	})
	if err == nil {
		t.Fatal("expected save error")
	}
	if n, _ := fs.Count(context.Background()); n != 0 {
		t.Fatalf("half-written record left behind: %d", n)
	}
}

func TestDuplicateResetsStateAndDropsUnknown(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	svc := newTestService(t, fs, "webhook")
	ctx := context.Background()

	src := &submission.Submission{
		ID:    "src",
		Title: "orig",
		Parts: []*submission.Part{
			{ID: "d", SubmissionID: "src", IsDefault: true},
			{ID: "p1", SubmissionID: "src", Destination: "webhook", Status: submission.StatusPosted, PostedTo: "webhook/9"},
			{ID: "p2", SubmissionID: "src", Destination: "gone", Status: submission.StatusFailed, ErrorKind: submission.ErrKindPostFailed, LastError: "x"},
		},
		Schedule: submission.Schedule{PostAt: time.Now(), IsScheduled: true},
	}
	if err := fs.Save(ctx, src); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cp, err := svc.Duplicate(ctx, "src")
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if cp.ID == "src" || cp.Title != "orig (copy)" {
		t.Fatalf("copy identity: %s %q", cp.ID, cp.Title)
	}
	if cp.Schedule.IsScheduled {
		t.Fatal("copy must not inherit the schedule")
	}
	if len(cp.PostableParts()) != 1 {
		t.Fatalf("unknown destination must be dropped, parts = %d", len(cp.PostableParts()))
	}
	p := cp.PostableParts()[0]
	if p.Status != submission.StatusUnposted || p.PostedTo != "" || p.ErrorKind != submission.ErrKindNone {
		t.Fatalf("post state must reset: %+v", p)
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	svc := newTestService(t, fs, "webhook", "telegram")
	ctx := context.Background()

	src := &submission.Submission{
		ID:    "src",
		Title: "orig",
		Parts: []*submission.Part{
			{ID: "d", SubmissionID: "src", IsDefault: true, Tags: []string{"shared"}},
			{ID: "p1", SubmissionID: "src", Destination: "webhook"},
			{ID: "p2", SubmissionID: "src", Destination: "telegram"},
		},
	}
	if err := fs.Save(ctx, src); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ns, err := svc.Split(ctx, "src", []string{"p2"})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(ns.PostableParts()) != 1 || ns.PostableParts()[0].Destination != "telegram" {
		t.Fatalf("new half parts: %+v", ns.PostableParts())
	}
	if ns.DefaultPart() == nil || ns.DefaultPart().Tags[0] != "shared" {
		t.Fatal("default part must be copied to the new half")
	}

	remaining, _ := fs.Get(ctx, "src")
	if len(remaining.PostableParts()) != 1 || remaining.PostableParts()[0].Destination != "webhook" {
		t.Fatalf("original half parts: %+v", remaining.PostableParts())
	}
	if remaining.DefaultPart() == nil {
		t.Fatal("original must keep its default part")
	}

	// Both sides need at least one part.
	if _, err := svc.Split(ctx, "src", []string{"p1"}); err == nil {
		t.Fatal("split must reject emptying one side")
	}
}

func TestStoreDisabled(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, nil, "webhook")
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateInput{Title: "x", Parts: []PartInput{{Destination: "webhook"}}}); !errors.Is(err, store.ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
	if _, err := svc.List(ctx); !errors.Is(err, store.ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}
