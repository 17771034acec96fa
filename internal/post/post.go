// Package post publishes posts and threads and manages reposts.
package post

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mikequentel/xclient/internal/apierror"
	"github.com/mikequentel/xclient/internal/model"
	"github.com/mikequentel/xclient/internal/ratelimit"
)

// Client is the subset of the X API the service needs. Implementations
// return errors from the apierror package.
type Client interface {
	CreatePost(ctx context.Context, req model.CreatePostRequest) (*model.Post, error)
	DeletePost(ctx context.Context, id string) (deleted bool, err error)
	GetPost(ctx context.Context, id string, p model.LookupParams) (*model.Post, error)
	SearchRecentPosts(ctx context.Context, query string, p model.SearchParams) ([]model.Post, error)
	Repost(ctx context.Context, id string, userAuth bool) (reposted bool, err error)
	UndoRepost(ctx context.Context, id string, userAuth bool) (reposted bool, err error)
}

type Service struct {
	client Client

	Listener Listener
	Sleep    ratelimit.SleepFunc
}

func NewService(c Client) *Service {
	return &Service{client: c, Sleep: ratelimit.Sleep}
}

// CreateOptions are the optional parts of a post. Empty fields are omitted
// from the request.
type CreateOptions struct {
	MediaIDs      []string
	InReplyTo     string
	QuotePostID   string
	ReplySettings string
}

func (s *Service) CreatePost(ctx context.Context, text string, opts CreateOptions) (*model.Post, error) {
	return s.create(ctx, text, opts, "", -1)
}

func (s *Service) create(ctx context.Context, text string, opts CreateOptions, threadID string, index int) (*model.Post, error) {
	req := model.CreatePostRequest{
		Text:          text,
		InReplyTo:     opts.InReplyTo,
		QuotePostID:   opts.QuotePostID,
		ReplySettings: opts.ReplySettings,
	}
	if len(opts.MediaIDs) > 0 {
		ids := make([]int64, 0, len(opts.MediaIDs))
		for _, raw := range opts.MediaIDs {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, &apierror.MediaValidationError{Message: fmt.Sprintf("invalid media id %q: %v", raw, err)}
			}
			ids = append(ids, id)
		}
		req.MediaIDs = ids
	}

	s.emit(Event{Name: EventCreateStart, ThreadID: threadID, Index: index, Text: text})
	p, err := s.client.CreatePost(ctx, req)
	if err != nil {
		s.emit(Event{Name: EventCreateError, ThreadID: threadID, Index: index, Text: text, Err: err})
		return nil, err
	}
	s.emit(Event{Name: EventCreateSuccess, ThreadID: threadID, Index: index, Text: text, Post: p})
	return p, nil
}

// DeletePost returns nil only when the API confirms the deletion.
func (s *Service) DeletePost(ctx context.Context, id string) error {
	deleted, err := s.client.DeletePost(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return &apierror.ResponseError{Message: fmt.Sprintf("unable to delete post %q", id)}
	}
	return nil
}

func (s *Service) GetPost(ctx context.Context, id string, p model.LookupParams) (*model.Post, error) {
	return s.client.GetPost(ctx, id, p)
}

// SearchRecent never returns a nil slice on success.
func (s *Service) SearchRecent(ctx context.Context, query string, p model.SearchParams) ([]model.Post, error) {
	posts, err := s.client.SearchRecentPosts(ctx, query, p)
	if err != nil {
		return nil, err
	}
	if posts == nil {
		posts = []model.Post{}
	}
	return posts, nil
}

// RepostPost fails unless the API reports the post as reposted afterwards.
func (s *Service) RepostPost(ctx context.Context, id string) (*model.RepostResult, error) {
	reposted, err := s.client.Repost(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if !reposted {
		return nil, &apierror.ResponseError{Message: fmt.Sprintf("unable to repost post %q", id)}
	}
	return &model.RepostResult{PostID: id, Reposted: true}, nil
}

// UndoRepost fails unless the API reports the post as no longer reposted.
func (s *Service) UndoRepost(ctx context.Context, id string) (*model.RepostResult, error) {
	reposted, err := s.client.UndoRepost(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if reposted {
		return nil, &apierror.ResponseError{Message: fmt.Sprintf("unable to undo repost of post %q", id)}
	}
	return &model.RepostResult{PostID: id, Reposted: false}, nil
}
