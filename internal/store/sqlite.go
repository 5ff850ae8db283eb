//go:build sqlite
// +build sqlite

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"postflow/internal/submission"
	logx "postflow/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Save(ctx context.Context, sub *submission.Submission) error {
	if sub == nil || strings.TrimSpace(sub.ID) == "" {
		return errors.New("submission id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO submissions(id, title, content_path, post_at, is_scheduled, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   title=excluded.title, content_path=excluded.content_path,
		   post_at=excluded.post_at, is_scheduled=excluded.is_scheduled,
		   updated_at=excluded.updated_at`,
		sub.ID, sub.Title, sub.ContentPath, postAtMilli(sub.Schedule), boolInt(sub.Schedule.IsScheduled),
		sub.CreatedAt.Format(time.RFC3339Nano), sub.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}

	// Replace the part set wholesale; ordering is the declaration order.
	if _, err := tx.ExecContext(ctx, `DELETE FROM parts WHERE submission_id = ?`, sub.ID); err != nil {
		return err
	}
	for i, p := range sub.Parts {
		tags, _ := json.Marshal(p.Tags)
		opts, _ := json.Marshal(p.Options)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO parts(id, submission_id, ord, destination, is_default, title, description,
			                   tags, override_tags, rating, options, status, posted_to, error_kind, last_error)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			p.ID, sub.ID, i, p.Destination, boolInt(p.IsDefault), p.Title, p.Description,
			string(tags), boolInt(p.OverrideTags), p.Rating, string(opts),
			string(p.Status), nullStr(p.PostedTo), nullStr(string(p.ErrorKind)), nullStr(p.LastError),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*submission.Submission, error) {
	subs, err := s.query(ctx, `WHERE s.id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, ErrNotFound
	}
	return subs[0], nil
}

func (s *sqliteStore) List(ctx context.Context) ([]*submission.Submission, error) {
	return s.query(ctx, `ORDER BY s.created_at`)
}

func (s *sqliteStore) FindDue(ctx context.Context, now time.Time) ([]*submission.Submission, error) {
	return s.query(ctx, `WHERE s.is_scheduled = 1 AND s.post_at IS NOT NULL AND s.post_at <= ? ORDER BY s.post_at ASC`, now.UnixMilli())
}

func (s *sqliteStore) query(ctx context.Context, tail string, args ...any) ([]*submission.Submission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.title, s.content_path, s.post_at, s.is_scheduled, s.created_at, s.updated_at
		 FROM submissions s `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*submission.Submission
	for rows.Next() {
		var (
			sub       submission.Submission
			postAt    sql.NullInt64
			scheduled int
			created   string
			updated   string
		)
		if err := rows.Scan(&sub.ID, &sub.Title, &sub.ContentPath, &postAt, &scheduled, &created, &updated); err != nil {
			return nil, err
		}
		if postAt.Valid {
			sub.Schedule.PostAt = time.UnixMilli(postAt.Int64)
		}
		sub.Schedule.IsScheduled = scheduled != 0
		sub.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		sub.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		subs = append(subs, &sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, sub := range subs {
		if err := s.loadParts(ctx, sub); err != nil {
			return nil, err
		}
	}
	return subs, nil
}

func (s *sqliteStore) loadParts(ctx context.Context, sub *submission.Submission) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, destination, is_default, title, description, tags, override_tags, rating,
		        options, status, posted_to, error_kind, last_error
		 FROM parts WHERE submission_id = ? ORDER BY ord`, sub.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p                    submission.Part
			isDefault, overrides int
			tags, opts           sql.NullString
			posted, kind, lastE  sql.NullString
			status               string
		)
		if err := rows.Scan(&p.ID, &p.Destination, &isDefault, &p.Title, &p.Description,
			&tags, &overrides, &p.Rating, &opts, &status, &posted, &kind, &lastE); err != nil {
			return err
		}
		p.SubmissionID = sub.ID
		p.IsDefault = isDefault != 0
		p.OverrideTags = overrides != 0
		p.Status = submission.PostStatus(status)
		p.PostedTo = posted.String
		p.ErrorKind = submission.ErrorKind(kind.String)
		p.LastError = lastE.String
		if tags.Valid && tags.String != "" && tags.String != "null" {
			_ = json.Unmarshal([]byte(tags.String), &p.Tags)
		}
		if opts.Valid && opts.String != "" && opts.String != "null" {
			_ = json.Unmarshal([]byte(opts.String), &p.Options)
		}
		sub.Parts = append(sub.Parts, &p)
	}
	return rows.Err()
}

func (s *sqliteStore) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM submissions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions`).Scan(&n)
	return n, err
}

func (s *sqliteStore) UpdateSchedule(ctx context.Context, id string, sch submission.Schedule) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET post_at = ?, is_scheduled = ?, updated_at = ? WHERE id = ?`,
		postAtMilli(sch), boolInt(sch.IsScheduled), time.Now().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) UpdatePartStatus(ctx context.Context, partID string, st submission.PostStatus, postedTo string, kind submission.ErrorKind, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE parts SET status = ?, posted_to = ?, error_kind = ?, last_error = ? WHERE id = ?`,
		string(st), nullStr(postedTo), nullStr(string(kind)), nullStr(lastErr), partID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func postAtMilli(sch submission.Schedule) any {
	if sch.PostAt.IsZero() {
		return nil
	}
	return sch.PostAt.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
