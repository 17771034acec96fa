package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type Post struct {
	ID        string     `json:"id"`
	Text      string     `json:"text,omitempty"`
	AuthorID  string     `json:"author_id,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	Author    *User      `json:"-"` // filled from includes.users when expanded
}

type User struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
}

// RepostResult carries the post-condition reported by a repost or undo call.
type RepostResult struct {
	PostID   string
	Reposted bool
}

// CreatePostRequest is what the post service hands to the transport, which
// always signs it with user context. MediaIDs are numeric because the upload
// API issues numeric ids.
type CreatePostRequest struct {
	Text          string
	MediaIDs      []int64
	InReplyTo     string
	QuotePostID   string
	ReplySettings string
}

type LookupParams struct {
	Expansions []string
	PostFields []string
	UserFields []string
}

type SearchParams struct {
	MaxResults int
	SinceID    string
	UntilID    string
	Expansions []string
	PostFields []string
	UserFields []string
}

type UploadParams struct {
	MediaCategory string
	MimeType      string
	Chunked       bool
	Size          int64
}

// --- v2 create tweet ---

type TweetReq struct {
	Text          string      `json:"text"`
	Media         *TweetMedia `json:"media,omitempty"`
	Reply         *TweetReply `json:"reply,omitempty"`
	QuoteTweetID  string      `json:"quote_tweet_id,omitempty"`
	ReplySettings string      `json:"reply_settings,omitempty"`
}
type TweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}
type TweetReply struct {
	InReplyToTweetID string `json:"in_reply_to_tweet_id"`
}
type TweetResp struct {
	Data Post `json:"data"`
}

// --- v2 delete / retweet / users/me ---

type DeleteResp struct {
	Data struct {
		Deleted bool `json:"deleted"`
	} `json:"data"`
}
type RetweetReq struct {
	TweetID string `json:"tweet_id"`
}
type RetweetResp struct {
	Data struct {
		Retweeted bool `json:"retweeted"`
	} `json:"data"`
}
type UserResp struct {
	Data User `json:"data"`
}

// --- v2 lookup / search ---

// ListResp covers lookup and search responses. Data is either a single
// object or an array depending on the endpoint.
type ListResp struct {
	Data     json.RawMessage `json:"data"`
	Includes struct {
		Users []User `json:"users"`
	} `json:"includes"`
	Meta struct {
		ResultCount int    `json:"result_count"`
		NewestID    string `json:"newest_id"`
		OldestID    string `json:"oldest_id"`
		NextToken   string `json:"next_token"`
	} `json:"meta"`
}

// Problem is the v2 error body.
type Problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
	Status int    `json:"status"`
}

// --- v1.1 media/upload ---

type MediaProcessingError struct {
	Code    int    `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

type MediaProcessingInfo struct {
	State           string                `json:"state"`
	CheckAfterSecs  *int                  `json:"check_after_secs,omitempty"`
	ProgressPercent *int                  `json:"progress_percent,omitempty"`
	Error           *MediaProcessingError `json:"error,omitempty"`
}

// Is compares the processing state case-insensitively.
func (p *MediaProcessingInfo) Is(state string) bool {
	return p != nil && strings.EqualFold(p.State, state)
}

type MediaUploadResult struct {
	MediaID          string               `json:"media_id"`
	MediaIDString    string               `json:"media_id_string,omitempty"`
	MediaKey         string               `json:"media_key,omitempty"`
	ExpiresAfterSecs int                  `json:"expires_after_secs,omitempty"`
	ProcessingInfo   *MediaProcessingInfo `json:"processing_info,omitempty"`
}

// UnmarshalJSON accepts media_id as either a JSON number or a string. The
// number is parsed from its literal text so ids above 2^53 survive intact.
func (r *MediaUploadResult) UnmarshalJSON(b []byte) error {
	type alias MediaUploadResult
	aux := struct {
		MediaID json.RawMessage `json:"media_id"`
		*alias
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	r.MediaID = coerceID(aux.MediaID)
	if r.MediaID == "" {
		r.MediaID = r.MediaIDString
	}
	return nil
}

func coerceID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return ""
		}
		return str
	}
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return s
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return strconv.FormatInt(int64(f), 10)
	}
	return ""
}
