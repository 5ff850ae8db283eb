package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"postflow/internal/adapter"
	"postflow/internal/cancel"
	"postflow/internal/submission"
)

type fakeDestination struct{ id string }

func (f *fakeDestination) ID() string { return f.id }

func (f *fakeDestination) Capabilities() adapter.Capabilities { return adapter.Capabilities{} }

func (f *fakeDestination) CheckLoginStatus(ctx context.Context) (adapter.LoginStatus, error) {
	return adapter.LoginStatus{LoggedIn: true, Username: f.id + "-bot"}, nil
}

func (f *fakeDestination) Validate(sub *submission.Submission, merged, def *submission.Part) adapter.ValidationResult {
	return adapter.ValidationResult{}
}

func (f *fakeDestination) Post(ctx context.Context, tok *cancel.Token, data adapter.PostData) (adapter.Receipt, error) {
	return adapter.Receipt{PostedTo: f.id + "/1"}, nil
}

func TestLoginSweepPublishesSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := "logging:\n  level: error\ndestinations:\n  fake:\n    enabled: true\n"
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	a, err := New(path, &fakeDestination{id: "fake"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	evts, unsub := a.Events(64)
	defer unsub()

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFn()
		_ = a.Stop(ctx, StopReasonManual)
	})

	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-evts:
			if e.Type != EvtLogins {
				continue
			}
			snap, ok := e.Data.(map[string]adapter.LoginStatus)
			if !ok {
				t.Fatalf("unexpected payload %T", e.Data)
			}
			if st, ok := snap["fake"]; !ok || !st.LoggedIn {
				t.Fatalf("snapshot = %+v, want fake logged in", snap)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for login snapshot")
		}
	}
}
