package post

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mikequentel/xclient/internal/logger"
	"github.com/mikequentel/xclient/internal/model"
	"github.com/mikequentel/xclient/internal/textsplit"
)

const DefaultChunkLimit = 280

var ErrEmptyThread = errors.New("thread has no segments")

type ThreadOptions struct {
	ChunkLimit      int                // runes per segment; zero means DefaultChunkLimit
	DisableRollback bool               // keep already published segments on failure
	SegmentPause    time.Duration      // pause between segments, not after the last
	Strategy        textsplit.Strategy // nil means word boundaries
}

// ThreadResult reports the outcome of one thread attempt.
//
// Posts holds what is still published, in chain order: every segment on
// success, the created segments when rollback is disabled, and only the
// segments whose deletion failed after a rollback. FailedIndex is -1 on
// success.
type ThreadResult struct {
	ID          string
	Succeeded   bool
	Posts       []model.Post
	FailedIndex int
	Err         error
	RolledBack  bool
}

// CreateThread splits text into segments and publishes them as a reply
// chain. See CreateThreadSegments.
func (s *Service) CreateThread(ctx context.Context, text string, opts ThreadOptions) (*ThreadResult, error) {
	limit := opts.ChunkLimit
	if limit == 0 {
		limit = DefaultChunkLimit
	}
	segments, err := textsplit.ForThread(text, limit, opts.Strategy)
	if err != nil {
		return nil, err
	}
	return s.CreateThreadSegments(ctx, segments, opts)
}

// CreateThreadSegments publishes segments verbatim, each replying to the one
// before it. A failing segment stops the thread; unless rollback is disabled
// the posts already created are deleted, newest first, continuing past
// individual delete failures. Segment failures are reported in the result;
// the returned error is non-nil only when nothing could be attempted.
func (s *Service) CreateThreadSegments(ctx context.Context, segments []string, opts ThreadOptions) (*ThreadResult, error) {
	if len(segments) == 0 {
		return nil, ErrEmptyThread
	}

	res := &ThreadResult{ID: uuid.NewString(), FailedIndex: -1}
	s.emit(Event{Name: EventThreadStart, ThreadID: res.ID, Index: -1, Segments: len(segments)})

	var created []model.Post
	for i, text := range segments {
		var err error
		if i > 0 && opts.SegmentPause > 0 {
			err = s.Sleep(ctx, opts.SegmentPause)
		}

		var p *model.Post
		if err == nil {
			var create CreateOptions
			if i > 0 {
				create.InReplyTo = created[i-1].ID
			}
			p, err = s.create(ctx, text, create, res.ID, i)
		}
		if err != nil {
			res.FailedIndex = i
			res.Err = err
			res.Posts = created
			if !opts.DisableRollback {
				res.Posts = s.rollback(ctx, res.ID, created)
				res.RolledBack = true
			}
			s.emit(Event{Name: EventThreadError, ThreadID: res.ID, Index: i, Segments: len(segments), Err: err})
			return res, nil
		}

		created = append(created, *p)
		s.emit(Event{Name: EventSegmentSuccess, ThreadID: res.ID, Index: i, Text: text, Post: p})
	}

	res.Succeeded = true
	res.Posts = created
	s.emit(Event{Name: EventThreadSuccess, ThreadID: res.ID, Index: -1, Segments: len(segments)})
	return res, nil
}

// rollback deletes created posts newest first and returns, in chain order,
// the ones that could not be deleted. Deletion failures are logged only so the
// segment error stays the one reported.
func (s *Service) rollback(ctx context.Context, threadID string, created []model.Post) []model.Post {
	ctx = context.WithoutCancel(ctx)
	var survivors []model.Post
	for i := len(created) - 1; i >= 0; i-- {
		p := created[i]
		err := s.DeletePost(ctx, p.ID)
		if err != nil {
			logger.Warn("rollback delete failed", "thread", threadID, "post_id", p.ID, "error", err)
			survivors = append([]model.Post{p}, survivors...)
		}
		s.emit(Event{Name: EventRollback, ThreadID: threadID, Index: i, Post: &p, Err: err})
	}
	return survivors
}
