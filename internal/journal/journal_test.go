package journal

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikequentel/xclient/internal/model"
	"github.com/mikequentel/xclient/internal/post"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// stubClient creates posts with sequential ids and fails the create call
// numbered failAt (1-based); deletes fail for ids in deleteFail.
type stubClient struct {
	calls      int
	failAt     int
	deleteFail map[string]bool
}

func (c *stubClient) CreatePost(_ context.Context, req model.CreatePostRequest) (*model.Post, error) {
	c.calls++
	if c.calls == c.failAt {
		return nil, errors.New("create refused")
	}
	return &model.Post{ID: strconv.Itoa(c.calls), Text: req.Text}, nil
}

func (c *stubClient) DeletePost(_ context.Context, id string) (bool, error) {
	if c.deleteFail[id] {
		return false, errors.New("delete refused")
	}
	return true, nil
}

func (c *stubClient) GetPost(context.Context, string, model.LookupParams) (*model.Post, error) {
	return nil, errors.New("not implemented")
}

func (c *stubClient) SearchRecentPosts(context.Context, string, model.SearchParams) ([]model.Post, error) {
	return nil, nil
}

func (c *stubClient) Repost(context.Context, string, bool) (bool, error)     { return true, nil }
func (c *stubClient) UndoRepost(context.Context, string, bool) (bool, error) { return false, nil }

func TestJournalRecordsSuccessfulThread(t *testing.T) {
	store := newTestStore(t)
	svc := post.NewService(&stubClient{})
	svc.Listener = store

	res, err := svc.CreateThreadSegments(context.Background(), []string{"one", "two", "three"}, post.ThreadOptions{})
	require.NoError(t, err)
	require.True(t, res.Succeeded)

	th, err := store.Thread(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, th.Status)
	assert.Equal(t, 3, th.Segments)
	assert.Equal(t, -1, th.FailedIndex)
	assert.NotNil(t, th.FinishedAt)

	posts, err := store.SurvivingPosts(context.Background(), res.ID)
	require.NoError(t, err)
	require.Len(t, posts, 3)
	for i, p := range posts {
		assert.Equal(t, i, p.Index)
		assert.Equal(t, res.Posts[i].ID, p.PostID)
		assert.Nil(t, p.DeletedAt)
	}
	assert.Equal(t, "two", posts[1].Text)
}

func TestJournalRecordsRollback(t *testing.T) {
	store := newTestStore(t)
	svc := post.NewService(&stubClient{failAt: 3, deleteFail: map[string]bool{"1": true}})
	svc.Listener = store

	res, err := svc.CreateThreadSegments(context.Background(), []string{"a", "b", "c"}, post.ThreadOptions{})
	require.NoError(t, err)
	require.False(t, res.Succeeded)

	th, err := store.Thread(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, th.Status)
	assert.Equal(t, 2, th.FailedIndex)
	assert.Equal(t, "create refused", th.Error)

	all, err := store.Posts(context.Background(), res.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "delete refused", all[0].DeleteError)
	assert.Nil(t, all[0].DeletedAt)
	assert.NotNil(t, all[1].DeletedAt)

	surviving, err := store.SurvivingPosts(context.Background(), res.ID)
	require.NoError(t, err)
	require.Len(t, surviving, 1)
	assert.Equal(t, "1", surviving[0].PostID)
	require.Len(t, res.Posts, 1)
	assert.Equal(t, res.Posts[0].ID, surviving[0].PostID)
}

func TestJournalIgnoresSinglePosts(t *testing.T) {
	store := newTestStore(t)
	store.OnEvent(post.Event{Name: post.EventCreateSuccess, Index: -1, Post: &model.Post{ID: "9"}})

	var n int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM thread_posts`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestJournalThreadNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Thread(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJournalUsesClock(t *testing.T) {
	store := newTestStore(t)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return fixed }

	store.OnEvent(post.Event{Name: post.EventThreadStart, ThreadID: "t1", Index: -1, Segments: 1})
	th, err := store.Thread(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, th.StartedAt.Equal(fixed))
	assert.Equal(t, StatusRunning, th.Status)
	assert.Nil(t, th.FinishedAt)
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	s.OnEvent(post.Event{Name: post.EventThreadStart, ThreadID: "mem", Index: -1, Segments: 2})
	th, err := s.Thread(context.Background(), "mem")
	require.NoError(t, err)
	assert.Equal(t, 2, th.Segments)
}
