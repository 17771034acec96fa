package xapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mikequentel/xclient/internal/apierror"
	"github.com/mikequentel/xclient/internal/model"
	"github.com/mikequentel/xclient/internal/ratelimit"
)

// UploadMedia sends r to the v1.1 upload endpoint, in one multipart request
// or through INIT, APPEND and FINALIZE when p.Chunked is set.
func (c *Client) UploadMedia(ctx context.Context, r io.Reader, p model.UploadParams) (*model.MediaUploadResult, error) {
	if !p.Chunked {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read media: %w", err)
		}
		return c.uploadSimple(ctx, data, p)
	}
	return c.uploadChunked(ctx, r, p)
}

func (c *Client) uploadSimple(ctx context.Context, data []byte, p model.UploadParams) (*model.MediaUploadResult, error) {
	fields := map[string]string{}
	if p.MediaCategory != "" {
		fields["media_category"] = p.MediaCategory
	}
	return c.postMultipart(ctx, fields, data)
}

func (c *Client) uploadChunked(ctx context.Context, r io.Reader, p model.UploadParams) (*model.MediaUploadResult, error) {
	size := p.Size
	if size <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read media: %w", err)
		}
		size = int64(len(data))
		r = bytes.NewReader(data)
	}

	initForm := url.Values{}
	initForm.Set("command", "INIT")
	initForm.Set("total_bytes", strconv.FormatInt(size, 10))
	if p.MimeType != "" {
		initForm.Set("media_type", p.MimeType)
	}
	if p.MediaCategory != "" {
		initForm.Set("media_category", p.MediaCategory)
	}
	started, err := c.postForm(ctx, initForm)
	if err != nil {
		return nil, err
	}
	if started.MediaID == "" {
		return nil, &apierror.ResponseError{Message: "media INIT: response has no media_id"}
	}

	chunk := c.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	buf := make([]byte, chunk)
	for segment := 0; ; segment++ {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			fields := map[string]string{
				"command":       "APPEND",
				"media_id":      started.MediaID,
				"segment_index": strconv.Itoa(segment),
			}
			if _, err := c.postMultipart(ctx, fields, buf[:n]); err != nil {
				return nil, err
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return nil, fmt.Errorf("read media: %w", rerr)
		}
	}

	fin := url.Values{}
	fin.Set("command", "FINALIZE")
	fin.Set("media_id", started.MediaID)
	return c.postForm(ctx, fin)
}

// MediaUploadStatus reports server-side processing of an uploaded file.
func (c *Client) MediaUploadStatus(ctx context.Context, mediaID string) (*model.MediaUploadResult, error) {
	q := url.Values{}
	q.Set("command", "STATUS")
	q.Set("media_id", mediaID)
	endpoint := withQuery(c.UploadURL, q)
	return ratelimit.Execute[*model.MediaUploadResult](ctx, c.RateLimit, func(ctx context.Context) (*model.MediaUploadResult, http.Header, error) {
		var out model.MediaUploadResult
		h, err := c.sendJSON(ctx, c.user, http.MethodGet, endpoint, nil, &out)
		if err != nil {
			return nil, h, err
		}
		return &out, h, nil
	}, c.ShouldRetry)
}

func (c *Client) postForm(ctx context.Context, form url.Values) (*model.MediaUploadResult, error) {
	encoded := form.Encode()
	return ratelimit.Execute[*model.MediaUploadResult](ctx, c.RateLimit, func(ctx context.Context) (*model.MediaUploadResult, http.Header, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.UploadURL, strings.NewReader(encoded))
		if err != nil {
			return nil, nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		var out model.MediaUploadResult
		h, err := do(c.user, req, &out)
		if err != nil {
			return nil, h, err
		}
		return &out, h, nil
	}, c.ShouldRetry)
}

// postMultipart sends fields plus data as the "media" part. The body is
// rebuilt on every attempt.
func (c *Client) postMultipart(ctx context.Context, fields map[string]string, data []byte) (*model.MediaUploadResult, error) {
	return ratelimit.Execute[*model.MediaUploadResult](ctx, c.RateLimit, func(ctx context.Context) (*model.MediaUploadResult, http.Header, error) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		for k, v := range fields {
			if err := mw.WriteField(k, v); err != nil {
				return nil, nil, err
			}
		}
		fw, err := mw.CreateFormFile("media", "media")
		if err != nil {
			return nil, nil, err
		}
		if _, err := fw.Write(data); err != nil {
			return nil, nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.UploadURL, &body)
		if err != nil {
			return nil, nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		var out model.MediaUploadResult
		h, err := do(c.user, req, &out)
		if err != nil {
			return nil, h, err
		}
		return &out, h, nil
	}, c.ShouldRetry)
}
