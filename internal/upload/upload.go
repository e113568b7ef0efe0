// Package upload submits visitor experience stories: free text plus an
// optional audio recording, sent as one multipart request.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/MrWong99/lahn/internal/recording"
	"github.com/MrWong99/lahn/pkg/media"
)

// ErrEmptyDraft is reported when a draft has neither text nor audio.
var ErrEmptyDraft = errors.New("upload: draft has no text and no audio")

// Client is the subset of the avatar API the controller needs.
// *avatarapi.Client satisfies it.
type Client interface {
	UploadExperience(ctx context.Context, text string, audio *media.Blob) error
}

// Draft is the story being written. The controller never modifies it, so
// a failed draft can be submitted again unchanged.
type Draft struct {
	Text  string
	Audio *media.Blob
}

// Empty reports whether the draft carries nothing to send.
func (d Draft) Empty() bool {
	return strings.TrimSpace(d.Text) == "" && d.Audio.Size() == 0
}

// Result is the outcome of one submission.
type Result struct {
	Submitted bool
	Err       error
}

// Controller submits drafts. It holds no state between submissions.
type Controller struct {
	client Client
}

// New returns a controller posting through client.
func New(client Client) *Controller {
	return &Controller{client: client}
}

// Submit posts draft once; there is no retry. Failures are reported in the
// Result rather than returned, and a panicking transport is recovered.
func (c *Controller) Submit(ctx context.Context, draft Draft) (res Result) {
	if draft.Empty() {
		return Result{Err: ErrEmptyDraft}
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("upload: submit panicked", "panic", r)
			res = Result{Err: fmt.Errorf("upload: submit: %v", r)}
		}
	}()

	audio := draft.Audio
	if audio != nil && audio.Filename == "" {
		// Copy so the caller's blob keeps its empty name.
		cp := *audio
		cp.Filename = recording.Filename
		audio = &cp
	}

	if err := c.client.UploadExperience(ctx, draft.Text, audio); err != nil {
		slog.Warn("upload: submit failed", "err", err, "audio_bytes", audio.Size())
		return Result{Err: fmt.Errorf("upload: submit: %w", err)}
	}
	slog.Info("upload: story submitted", "text_len", len(draft.Text), "audio_bytes", audio.Size())
	return Result{Submitted: true}
}

// audioTypes covers extensions that mime.TypeByExtension does not know on
// every platform.
var audioTypes = map[string]string{
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".opus": "audio/opus",
	".webm": "audio/webm",
	".m4a":  "audio/mp4",
	".flac": "audio/flac",
}

// MIMEType returns the content type for an audio file name, falling back to
// application/octet-stream.
func MIMEType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := audioTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// AttachFile reads an audio file from disk into a blob for [Draft.Audio].
func AttachFile(path string) (*media.Blob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("upload: attach %q: %w", path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("upload: attach %q: file is empty", path)
	}
	name := filepath.Base(path)
	return &media.Blob{Data: data, MIMEType: MIMEType(name), Filename: name}, nil
}
