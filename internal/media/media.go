// Package media validates local media files, uploads them and waits for the
// server to finish processing them.
package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mikequentel/xclient/internal/apierror"
	"github.com/mikequentel/xclient/internal/logger"
	"github.com/mikequentel/xclient/internal/model"
	"github.com/mikequentel/xclient/internal/ratelimit"
)

const (
	ImageMaxBytes = 5 * 1024 * 1024
	VideoMaxBytes = 512 * 1024 * 1024

	CategoryImage = "tweet_image"
	CategoryGIF   = "tweet_gif"
	CategoryVideo = "tweet_video"
)

const (
	statePending    = "pending"
	stateInProgress = "in_progress"
	stateSucceeded  = "succeeded"
	stateSuccess    = "success"
	stateFailed     = "failed"
)

var (
	imageTypes = map[string]bool{"image/jpeg": true, "image/png": true, "image/webp": true, "image/gif": true}
	videoTypes = map[string]bool{"video/mp4": true}
)

// Client submits a file to the upload endpoint.
type Client interface {
	UploadMedia(ctx context.Context, r io.Reader, p model.UploadParams) (*model.MediaUploadResult, error)
}

// StatusClient is implemented by clients that can report processing status.
// Without it, media that is still processing fails with a timeout.
type StatusClient interface {
	MediaUploadStatus(ctx context.Context, mediaID string) (*model.MediaUploadResult, error)
}

type Service struct {
	client Client

	PollInterval time.Duration // used when the server gives no positive check_after_secs
	Timeout      time.Duration // budget for the whole polling loop
	Sleep        ratelimit.SleepFunc
	Now          func() time.Time
}

func NewService(c Client) *Service {
	return &Service{
		client:       c,
		PollInterval: 2 * time.Second,
		Timeout:      time.Minute,
		Sleep:        ratelimit.Sleep,
		Now:          time.Now,
	}
}

// UploadImage uploads a JPEG, PNG, WebP or GIF of at most 5 MiB. GIFs are
// always sent chunked under the GIF category, whatever category was asked
// for. An empty category means tweet_image.
func (s *Service) UploadImage(ctx context.Context, path, category string) (*model.MediaUploadResult, error) {
	resolved, size, err := validatePath(path)
	if err != nil {
		return nil, err
	}
	if size > ImageMaxBytes {
		return nil, &apierror.MediaValidationError{
			Path:    path,
			Message: fmt.Sprintf("image %q exceeds the %d byte size limit", path, ImageMaxBytes),
		}
	}
	mime := mimeType(resolved)
	if !imageTypes[mime] {
		return nil, &apierror.MediaValidationError{
			Path:    path,
			Message: fmt.Sprintf("unsupported image MIME type %q for %q", mime, filepath.Base(path)),
		}
	}

	if category == "" {
		category = CategoryImage
	}
	chunked := false
	if mime == "image/gif" {
		category = CategoryGIF
		chunked = true
	}
	return s.upload(ctx, resolved, model.UploadParams{
		MediaCategory: category,
		MimeType:      mime,
		Chunked:       chunked,
		Size:          size,
	})
}

// UploadVideo uploads an MP4 of at most 512 MiB using chunked transfer. An
// empty category means tweet_video.
func (s *Service) UploadVideo(ctx context.Context, path, category string) (*model.MediaUploadResult, error) {
	resolved, size, err := validatePath(path)
	if err != nil {
		return nil, err
	}
	if size > VideoMaxBytes {
		return nil, &apierror.MediaValidationError{
			Path:    path,
			Message: fmt.Sprintf("video %q exceeds the %d byte size limit", path, VideoMaxBytes),
		}
	}
	mime := mimeType(resolved)
	if !videoTypes[mime] {
		return nil, &apierror.MediaValidationError{
			Path:    path,
			Message: fmt.Sprintf("unsupported video MIME type %q for %q", mime, filepath.Base(path)),
		}
	}

	if category == "" {
		category = CategoryVideo
	}
	return s.upload(ctx, resolved, model.UploadParams{
		MediaCategory: category,
		MimeType:      mime,
		Chunked:       true,
		Size:          size,
	})
}

func (s *Service) upload(ctx context.Context, path string, p model.UploadParams) (*model.MediaUploadResult, error) {
	result, err := s.send(ctx, path, p)
	if err != nil {
		return nil, err
	}
	return s.awaitProcessing(ctx, result)
}

// send keeps the file open only for the upload call itself.
func (s *Service) send(ctx context.Context, path string, p model.UploadParams) (*model.MediaUploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open media: %w", err)
	}
	defer f.Close()

	result, err := s.client.UploadMedia(ctx, f, p)
	if err != nil {
		return nil, err
	}
	if result.MediaID == "" {
		return nil, &apierror.ResponseError{Message: "upload response missing media_id"}
	}
	return result, nil
}

func (s *Service) awaitProcessing(ctx context.Context, result *model.MediaUploadResult) (*model.MediaUploadResult, error) {
	info := result.ProcessingInfo
	if info == nil {
		return result, nil
	}
	if info.Is(stateFailed) {
		return nil, processingFailed(result.MediaID, info)
	}
	if info.Is(stateSucceeded) || info.Is(stateSuccess) {
		return result, nil
	}

	status, ok := s.client.(StatusClient)
	if !ok {
		return nil, &apierror.MediaProcessingTimeout{
			MediaID: result.MediaID,
			Message: "media processing is still in progress",
		}
	}

	deadline := s.Now().Add(s.Timeout)
	current := result
	for info.Is(statePending) || info.Is(stateInProgress) {
		wait := s.PollInterval
		if info.CheckAfterSecs != nil && *info.CheckAfterSecs > 0 {
			wait = time.Duration(*info.CheckAfterSecs) * time.Second
		}
		if s.Now().Add(wait).After(deadline) {
			return nil, &apierror.MediaProcessingTimeout{
				MediaID: current.MediaID,
				Message: "timed out waiting for media processing to complete",
			}
		}
		logger.Debug("media processing", "media_id", current.MediaID, "state", info.State, "wait", wait)
		if err := s.Sleep(ctx, wait); err != nil {
			return nil, err
		}

		refreshed, err := status.MediaUploadStatus(ctx, current.MediaID)
		if err != nil {
			return nil, err
		}
		if refreshed.MediaID == "" {
			refreshed.MediaID = current.MediaID
		}
		current, info = refreshed, refreshed.ProcessingInfo
		if info.Is(stateFailed) {
			return nil, processingFailed(current.MediaID, info)
		}
	}

	if info != nil && !info.Is(stateSucceeded) && !info.Is(stateSuccess) {
		return nil, &apierror.MediaProcessingTimeout{
			MediaID: current.MediaID,
			Message: fmt.Sprintf("media processing ended in unexpected state %q", info.State),
		}
	}
	return current, nil
}

func processingFailed(mediaID string, info *model.MediaProcessingInfo) error {
	if info.Error == nil || info.Error.Message == "" {
		code := 0
		if info.Error != nil {
			code = info.Error.Code
		}
		return &apierror.MediaProcessingFailed{MediaID: mediaID, Message: "media processing failed", Code: code}
	}
	return &apierror.MediaProcessingFailed{MediaID: mediaID, Message: info.Error.Message, Code: info.Error.Code}
}

func validatePath(path string) (string, int64, error) {
	resolved := path
	if strings.HasPrefix(resolved, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			resolved = filepath.Join(home, resolved[2:])
		}
	}
	fi, err := os.Stat(resolved)
	if err != nil || !fi.Mode().IsRegular() {
		return "", 0, &apierror.MediaValidationError{
			Path:    path,
			Message: fmt.Sprintf("media file %q does not exist or is not a file", path),
		}
	}
	return resolved, fi.Size(), nil
}

func mimeType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	}
	return ""
}
