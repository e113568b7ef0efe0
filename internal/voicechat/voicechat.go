// Package voicechat implements the spoken conversation: the visitor records
// a question, the recording is sent to the avatar, and the avatar's reply is
// shown as text and, when the API returns an audio URL, played back.
package voicechat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/lahn/pkg/avatarapi"
	"github.com/MrWong99/lahn/pkg/media"
)

const (
	// NoTextResponse replaces an empty reply_text.
	NoTextResponse = "(No text response)"

	// ErrorText is shown when any step of a voice turn fails.
	ErrorText = "Error during voice chat"
)

// ErrEmptyRecording is returned when the stopped recording holds no audio.
var ErrEmptyRecording = errors.New("voicechat: empty recording")

// Recorder is the microphone recording the turn is captured with.
// *recording.Session satisfies it.
type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) (*media.Blob, error)
	Recording() bool
}

// Client is the subset of the avatar API voice chat needs.
// *avatarapi.Client satisfies it.
type Client interface {
	VoiceChat(ctx context.Context, audio *media.Blob) (avatarapi.VoiceReply, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// Player plays decoded PCM. *portaudio.Player satisfies it.
type Player interface {
	Play(ctx context.Context, pcm []byte, format media.Format) error
}

// Reply is what the visitor sees after a voice turn.
type Reply struct {
	Text     string
	AudioURL string
}

// Option is a functional option for [Chat].
type Option func(*Chat)

// WithPlayer plays reply audio through p. Without a player reply audio is
// ignored.
func WithPlayer(p Player) Option {
	return func(c *Chat) { c.player = p }
}

// WithReplyListener is called with every reply, including error replies.
func WithReplyListener(fn func(Reply)) Option {
	return func(c *Chat) { c.onReply = fn }
}

// Chat toggles between recording and sending. It is safe for concurrent
// use.
type Chat struct {
	rec     Recorder
	client  Client
	player  Player
	onReply func(Reply)

	mu       sync.Mutex
	playback *playback
}

// playback is one background download-decode-play run of reply audio.
type playback struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error // valid once done is closed
}

// New returns a voice chat recording through rec and talking to client.
func New(rec Recorder, client Client, opts ...Option) *Chat {
	c := &Chat{rec: rec, client: client}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Recording reports whether a question is being recorded.
func (c *Chat) Recording() bool { return c.rec.Recording() }

// Toggle starts recording when idle and returns (nil, nil). While
// recording it stops, sends the clip and returns the avatar's reply. On
// failure the reply text is [ErrorText] and the error is returned too.
// Starting a new recording interrupts reply audio that is still playing.
func (c *Chat) Toggle(ctx context.Context) (*Reply, error) {
	if !c.rec.Recording() {
		c.interrupt()
		if err := c.rec.Start(ctx); err != nil {
			return nil, fmt.Errorf("voicechat: start recording: %w", err)
		}
		slog.Info("voicechat: listening")
		return nil, nil
	}

	reply, err := c.send(ctx)
	if err != nil {
		slog.Warn("voicechat: turn failed", "err", err)
		reply = Reply{Text: ErrorText}
	}
	if c.onReply != nil {
		c.onReply(reply)
	}
	return &reply, err
}

func (c *Chat) send(ctx context.Context) (Reply, error) {
	blob, err := c.rec.Stop(ctx)
	if err != nil {
		return Reply{}, fmt.Errorf("voicechat: stop recording: %w", err)
	}
	if blob.Size() == 0 {
		return Reply{}, ErrEmptyRecording
	}

	vr, err := c.client.VoiceChat(ctx, blob)
	if err != nil {
		return Reply{}, fmt.Errorf("voicechat: send: %w", err)
	}
	reply := Reply{Text: vr.Text, AudioURL: vr.AudioURL}
	if reply.Text == "" {
		reply.Text = NoTextResponse
	}
	if reply.AudioURL != "" && c.player != nil {
		c.play(ctx, reply.AudioURL)
	}
	return reply, nil
}

// play downloads, decodes and plays url in the background. A playback
// that is still running is cancelled, and the new one waits for it to end
// so two replies never overlap.
func (c *Chat) play(ctx context.Context, url string) {
	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &playback{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	prev := c.playback
	c.playback = p
	c.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}

	go func() {
		defer close(p.done)
		defer cancel()
		if prev != nil {
			<-prev.done
		}
		err := c.playURL(pctx, url)
		switch {
		case errors.Is(err, context.Canceled):
			err = nil
		case err != nil:
			slog.Warn("voicechat: reply audio", "url", url, "err", err)
		}
		p.err = err
	}()
}

func (c *Chat) playURL(ctx context.Context, url string) error {
	data, err := c.client.Download(ctx, url)
	if err != nil {
		return err
	}
	pcm, format, err := media.DecodeMP3(bytes.NewReader(data))
	if err != nil {
		return err
	}
	if len(pcm) == 0 {
		return fmt.Errorf("voicechat: %s decoded to no audio", url)
	}
	return c.player.Play(ctx, pcm, format)
}

func (c *Chat) interrupt() {
	c.mu.Lock()
	p := c.playback
	c.mu.Unlock()
	if p != nil {
		p.cancel()
	}
}

// WaitPlayback blocks until the current reply audio has finished and
// returns its outcome. An interrupted playback is not an error.
func (c *Chat) WaitPlayback() error {
	c.mu.Lock()
	p := c.playback
	c.mu.Unlock()
	if p == nil {
		return nil
	}
	<-p.done
	return p.err
}

// Close stops an active recording and any reply audio.
func (c *Chat) Close(ctx context.Context) {
	c.interrupt()
	if c.rec.Recording() {
		if _, err := c.rec.Stop(ctx); err != nil {
			slog.Warn("voicechat: stop recording on close", "err", err)
		}
	}
	_ = c.WaitPlayback()
}
