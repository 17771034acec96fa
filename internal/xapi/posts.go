package xapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mikequentel/xclient/internal/apierror"
	"github.com/mikequentel/xclient/internal/model"
	"github.com/mikequentel/xclient/internal/ratelimit"
)

// CreatePost always signs with user context; posting is not available to
// app-only tokens.
func (c *Client) CreatePost(ctx context.Context, req model.CreatePostRequest) (*model.Post, error) {
	body := model.TweetReq{
		Text:          req.Text,
		QuoteTweetID:  req.QuotePostID,
		ReplySettings: req.ReplySettings,
	}
	if len(req.MediaIDs) > 0 {
		ids := make([]string, len(req.MediaIDs))
		for i, id := range req.MediaIDs {
			ids[i] = strconv.FormatInt(id, 10)
		}
		body.Media = &model.TweetMedia{MediaIDs: ids}
	}
	if req.InReplyTo != "" {
		body.Reply = &model.TweetReply{InReplyToTweetID: req.InReplyTo}
	}

	return ratelimit.Execute[*model.Post](ctx, c.RateLimit, func(ctx context.Context) (*model.Post, http.Header, error) {
		var out model.TweetResp
		h, err := c.sendJSON(ctx, c.user, http.MethodPost, c.APIBaseURL+"/tweets", body, &out)
		if err != nil {
			return nil, h, err
		}
		if out.Data.ID == "" {
			return nil, h, &apierror.ResponseError{Message: "create post: response has no id"}
		}
		return &out.Data, h, nil
	}, c.ShouldRetry)
}

func (c *Client) DeletePost(ctx context.Context, id string) (bool, error) {
	endpoint := c.APIBaseURL + "/tweets/" + url.PathEscape(id)
	return ratelimit.Execute[bool](ctx, c.RateLimit, func(ctx context.Context) (bool, http.Header, error) {
		var out model.DeleteResp
		h, err := c.sendJSON(ctx, c.user, http.MethodDelete, endpoint, nil, &out)
		return out.Data.Deleted, h, err
	}, c.ShouldRetry)
}

func (c *Client) GetPost(ctx context.Context, id string, p model.LookupParams) (*model.Post, error) {
	q := url.Values{}
	setList(q, "expansions", p.Expansions)
	setList(q, "tweet.fields", p.PostFields)
	setList(q, "user.fields", p.UserFields)
	endpoint := withQuery(c.APIBaseURL+"/tweets/"+url.PathEscape(id), q)

	posts, err := c.list(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, &apierror.ResponseError{Message: fmt.Sprintf("post %q not found", id)}
	}
	return &posts[0], nil
}

func (c *Client) SearchRecentPosts(ctx context.Context, query string, p model.SearchParams) ([]model.Post, error) {
	q := url.Values{}
	q.Set("query", query)
	if p.MaxResults > 0 {
		q.Set("max_results", strconv.Itoa(p.MaxResults))
	}
	if p.SinceID != "" {
		q.Set("since_id", p.SinceID)
	}
	if p.UntilID != "" {
		q.Set("until_id", p.UntilID)
	}
	setList(q, "expansions", p.Expansions)
	setList(q, "tweet.fields", p.PostFields)
	setList(q, "user.fields", p.UserFields)

	return c.list(ctx, withQuery(c.APIBaseURL+"/tweets/search/recent", q))
}

// list fetches a lookup or search endpoint and attaches expanded authors.
func (c *Client) list(ctx context.Context, endpoint string) ([]model.Post, error) {
	return ratelimit.Execute[[]model.Post](ctx, c.RateLimit, func(ctx context.Context) ([]model.Post, http.Header, error) {
		var out model.ListResp
		h, err := c.sendJSON(ctx, c.httpFor(false), http.MethodGet, endpoint, nil, &out)
		if err != nil {
			return nil, h, err
		}
		posts, err := normalizeData(out.Data)
		if err != nil {
			return nil, h, &apierror.ResponseError{Message: fmt.Sprintf("decode posts: %v", err)}
		}
		attachAuthors(posts, out.Includes.Users)
		return posts, h, nil
	}, c.ShouldRetry)
}

// normalizeData accepts data as a single object or an array.
func normalizeData(raw json.RawMessage) ([]model.Post, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '[' {
		var posts []model.Post
		if err := json.Unmarshal(raw, &posts); err != nil {
			return nil, err
		}
		return posts, nil
	}
	var p model.Post
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return []model.Post{p}, nil
}

func attachAuthors(posts []model.Post, users []model.User) {
	if len(users) == 0 {
		return
	}
	byID := make(map[string]*model.User, len(users))
	for i := range users {
		byID[users[i].ID] = &users[i]
	}
	for i := range posts {
		posts[i].Author = byID[posts[i].AuthorID]
	}
}

func (c *Client) Repost(ctx context.Context, id string, userAuth bool) (bool, error) {
	me, err := c.me(ctx)
	if err != nil {
		return false, err
	}
	endpoint := c.APIBaseURL + "/users/" + url.PathEscape(me) + "/retweets"
	return ratelimit.Execute[bool](ctx, c.RateLimit, func(ctx context.Context) (bool, http.Header, error) {
		var out model.RetweetResp
		h, err := c.sendJSON(ctx, c.httpFor(userAuth), http.MethodPost, endpoint, model.RetweetReq{TweetID: id}, &out)
		return out.Data.Retweeted, h, err
	}, c.ShouldRetry)
}

func (c *Client) UndoRepost(ctx context.Context, id string, userAuth bool) (bool, error) {
	me, err := c.me(ctx)
	if err != nil {
		return false, err
	}
	endpoint := c.APIBaseURL + "/users/" + url.PathEscape(me) + "/retweets/" + url.PathEscape(id)
	return ratelimit.Execute[bool](ctx, c.RateLimit, func(ctx context.Context) (bool, http.Header, error) {
		var out model.RetweetResp
		h, err := c.sendJSON(ctx, c.httpFor(userAuth), http.MethodDelete, endpoint, nil, &out)
		return out.Data.Retweeted, h, err
	}, c.ShouldRetry)
}

// me returns the authenticated user id, fetched once.
func (c *Client) me(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID != "" {
		return c.userID, nil
	}
	id, err := ratelimit.Execute[string](ctx, c.RateLimit, func(ctx context.Context) (string, http.Header, error) {
		var out model.UserResp
		h, err := c.sendJSON(ctx, c.user, http.MethodGet, c.APIBaseURL+"/users/me", nil, &out)
		return out.Data.ID, h, err
	}, c.ShouldRetry)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", &apierror.ResponseError{Message: "users/me: response has no id"}
	}
	c.userID = id
	return id, nil
}

func setList(q url.Values, key string, vals []string) {
	if len(vals) > 0 {
		q.Set(key, strings.Join(vals, ","))
	}
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}
