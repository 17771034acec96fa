// Package journal keeps an sqlite audit trail of thread attempts: which
// segments were published and which were removed again by rollback.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mikequentel/xclient/internal/logger"
	"github.com/mikequentel/xclient/internal/post"
)

const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

var ErrNotFound = errors.New("thread not found")

const schema = `
CREATE TABLE IF NOT EXISTS threads (
	id           TEXT PRIMARY KEY,
	segments     INTEGER NOT NULL,
	status       TEXT NOT NULL,
	failed_index INTEGER NOT NULL DEFAULT -1,
	error        TEXT NULL,
	started_at   TEXT NOT NULL,
	finished_at  TEXT NULL
);
CREATE TABLE IF NOT EXISTS thread_posts (
	thread_id    TEXT NOT NULL REFERENCES threads(id),
	idx          INTEGER NOT NULL,
	post_id      TEXT NOT NULL,
	text         TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	deleted_at   TEXT NULL,
	delete_error TEXT NULL,
	PRIMARY KEY (thread_id, idx)
);
`

type Thread struct {
	ID          string
	Segments    int
	Status      string
	FailedIndex int
	Error       string
	StartedAt   time.Time
	FinishedAt  *time.Time
}

type Post struct {
	Index       int
	PostID      string
	Text        string
	CreatedAt   time.Time
	DeletedAt   *time.Time
	DeleteError string
}

// Store records post.Events. It is safe to share between goroutines.
type Store struct {
	db  *sql.DB
	Now func() time.Time
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases and write ordering intact.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &Store{db: db, Now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// OnEvent implements post.Listener. Events outside a thread are ignored and
// write failures are logged.
func (s *Store) OnEvent(e post.Event) {
	if e.ThreadID == "" {
		return
	}
	if err := s.record(context.Background(), e); err != nil {
		logger.Warn("journal write failed", "event", string(e.Name), "thread", e.ThreadID, "error", err)
	}
}

func (s *Store) record(ctx context.Context, e post.Event) error {
	now := s.Now().UTC().Format(time.RFC3339Nano)
	var err error
	switch e.Name {
	case post.EventThreadStart:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO threads (id, segments, status, started_at) VALUES (?, ?, ?, ?)`,
			e.ThreadID, e.Segments, StatusRunning, now)
	case post.EventSegmentSuccess:
		if e.Post == nil {
			return nil
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO thread_posts (thread_id, idx, post_id, text, created_at) VALUES (?, ?, ?, ?, ?)`,
			e.ThreadID, e.Index, e.Post.ID, e.Text, now)
	case post.EventRollback:
		if e.Post == nil {
			return nil
		}
		if e.Err != nil {
			_, err = s.db.ExecContext(ctx,
				`UPDATE thread_posts SET delete_error = ? WHERE thread_id = ? AND post_id = ?`,
				e.Err.Error(), e.ThreadID, e.Post.ID)
		} else {
			_, err = s.db.ExecContext(ctx,
				`UPDATE thread_posts SET deleted_at = ? WHERE thread_id = ? AND post_id = ?`,
				now, e.ThreadID, e.Post.ID)
		}
	case post.EventThreadSuccess:
		_, err = s.db.ExecContext(ctx,
			`UPDATE threads SET status = ?, finished_at = ? WHERE id = ?`,
			StatusSucceeded, now, e.ThreadID)
	case post.EventThreadError:
		var msg string
		if e.Err != nil {
			msg = e.Err.Error()
		}
		_, err = s.db.ExecContext(ctx,
			`UPDATE threads SET status = ?, failed_index = ?, error = ?, finished_at = ? WHERE id = ?`,
			StatusFailed, e.Index, msg, now, e.ThreadID)
	}
	return err
}

func (s *Store) Thread(ctx context.Context, id string) (*Thread, error) {
	const sqlq = `
SELECT id, segments, status, failed_index, error, started_at, finished_at
FROM threads
WHERE id = ?;
`
	var (
		t                Thread
		errMsg, finished sql.NullString
		started          string
	)
	row := s.db.QueryRowContext(ctx, sqlq, id)
	if err := row.Scan(&t.ID, &t.Segments, &t.Status, &t.FailedIndex, &errMsg, &started, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	t.Error = errMsg.String
	var err error
	if t.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return nil, err
	}
	if t.FinishedAt, err = parseNullTime(finished); err != nil {
		return nil, err
	}
	return &t, nil
}

// Posts lists every segment published for a thread, in chain order.
func (s *Store) Posts(ctx context.Context, threadID string) ([]Post, error) {
	return s.posts(ctx, threadID, false)
}

// SurvivingPosts lists the published segments that were not deleted.
func (s *Store) SurvivingPosts(ctx context.Context, threadID string) ([]Post, error) {
	return s.posts(ctx, threadID, true)
}

func (s *Store) posts(ctx context.Context, threadID string, survivingOnly bool) ([]Post, error) {
	sqlq := `
SELECT idx, post_id, text, created_at, deleted_at, delete_error
FROM thread_posts
WHERE thread_id = ?`
	if survivingOnly {
		sqlq += ` AND deleted_at IS NULL`
	}
	sqlq += ` ORDER BY idx;`

	rows, err := s.db.QueryContext(ctx, sqlq, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Post
	for rows.Next() {
		var (
			p                  Post
			created            string
			deleted, deleteErr sql.NullString
		)
		if err := rows.Scan(&p.Index, &p.PostID, &p.Text, &created, &deleted, &deleteErr); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, err
		}
		if p.DeletedAt, err = parseNullTime(deleted); err != nil {
			return nil, err
		}
		p.DeleteError = deleteErr.String
		out = append(out, p)
	}
	return out, rows.Err()
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
