package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"postflow/internal/submission"
	logx "postflow/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// The whole submission set is held in memory and snapshotted to a single JSON
// file after every mutation (write to temp file, then rename). Good enough
// for the intended scale (hundreds of submissions, not millions).
type fileStore struct {
	log  logx.Logger
	path string

	mu   sync.Mutex
	subs map[string]*submission.Submission
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	st := &fileStore{log: log, path: path, subs: map[string]*submission.Submission{}}
	if err := st.load(); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var list []*submission.Submission
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	for _, sub := range list {
		s.subs[sub.ID] = sub
	}
	return nil
}

// persistLocked snapshots the current set. Caller holds s.mu.
func (s *fileStore) persistLocked() error {
	list := make([]*submission.Submission, 0, len(s.subs))
	for _, sub := range s.subs {
		list = append(list, sub)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })

	b, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) Save(ctx context.Context, sub *submission.Submission) error {
	_ = ctx
	if sub == nil || strings.TrimSpace(sub.ID) == "" {
		return errors.New("submission id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = sub.Clone()
	return s.persistLocked()
}

func (s *fileStore) Get(ctx context.Context, id string) (*submission.Submission, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.subs[id]
	if sub == nil {
		return nil, ErrNotFound
	}
	return sub.Clone(), nil
}

func (s *fileStore) List(ctx context.Context) ([]*submission.Submission, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*submission.Submission, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *fileStore) FindDue(ctx context.Context, now time.Time) ([]*submission.Submission, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*submission.Submission, 0, 4)
	for _, sub := range s.subs {
		if sub.Due(now) {
			out = append(out, sub.Clone())
		}
	}
	// Earlier-due items first so they are enqueued first.
	sort.Slice(out, func(i, j int) bool { return out[i].Schedule.PostAt.Before(out[j].Schedule.PostAt) })
	return out, nil
}

func (s *fileStore) Remove(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return ErrNotFound
	}
	delete(s.subs, id)
	return s.persistLocked()
}

func (s *fileStore) Count(ctx context.Context) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs), nil
}

func (s *fileStore) UpdateSchedule(ctx context.Context, id string, sch submission.Schedule) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.subs[id]
	if sub == nil {
		return ErrNotFound
	}
	sub.Schedule = sch
	sub.UpdatedAt = time.Now()
	return s.persistLocked()
}

func (s *fileStore) UpdatePartStatus(ctx context.Context, partID string, st submission.PostStatus, postedTo string, kind submission.ErrorKind, lastErr string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		p := sub.Part(partID)
		if p == nil {
			continue
		}
		p.Status = st
		p.PostedTo = postedTo
		p.ErrorKind = kind
		p.LastError = lastErr
		sub.UpdatedAt = time.Now()
		return s.persistLocked()
	}
	return ErrNotFound
}
