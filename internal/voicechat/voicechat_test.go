package voicechat_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/lahn/internal/recording"
	"github.com/MrWong99/lahn/internal/voicechat"
	"github.com/MrWong99/lahn/pkg/avatarapi"
	"github.com/MrWong99/lahn/pkg/media"
	"github.com/MrWong99/lahn/pkg/media/mock"
)

var mono16k = media.Format{SampleRate: 16000, Channels: 1}

type fakeClient struct {
	mu        sync.Mutex
	reply     avatarapi.VoiceReply
	err       error
	sent      []*media.Blob
	downloads []string
	audio     []byte

	// gate, when non-nil, holds Download until it is closed or the
	// playback is cancelled. entered is signalled when Download starts.
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeClient) VoiceChat(_ context.Context, audio *media.Blob) (avatarapi.VoiceReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, audio)
	return f.reply, f.err
}

func (f *fakeClient) Download(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.downloads = append(f.downloads, url)
	audio, gate, entered := f.audio, f.gate, f.entered
	f.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return audio, nil
}

type fakePlayer struct {
	mu    sync.Mutex
	plays int
}

func (p *fakePlayer) Play(context.Context, []byte, media.Format) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plays++
	return nil
}

// record runs one Toggle pair, pushing pcm while recording.
func record(t *testing.T, c *voicechat.Chat, acq *mock.Acquirer, pcm []byte) (*voicechat.Reply, error) {
	t.Helper()
	ctx := context.Background()
	r, err := c.Toggle(ctx)
	if err != nil || r != nil {
		t.Fatalf("first Toggle = %v, %v; want nil, nil", r, err)
	}
	if !c.Recording() {
		t.Fatal("not recording after first Toggle")
	}
	if pcm != nil {
		acq.LastAudio().Push(media.AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1})
	}
	return c.Toggle(ctx)
}

func TestToggle_SendsRecording(t *testing.T) {
	t.Parallel()

	acq := &mock.Acquirer{Format: mono16k}
	client := &fakeClient{reply: avatarapi.VoiceReply{Text: "I hear you"}}
	var heard []voicechat.Reply
	c := voicechat.New(recording.NewSession(acq), client,
		voicechat.WithReplyListener(func(r voicechat.Reply) { heard = append(heard, r) }))

	reply, err := record(t, c, acq, []byte{1, 0, 2, 0})
	if err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if reply.Text != "I hear you" {
		t.Errorf("reply = %+v", reply)
	}
	if c.Recording() {
		t.Error("still recording after the second Toggle")
	}
	if got := acq.LastAudio().ReleaseCount(); got != 1 {
		t.Errorf("microphone released %d times, want 1", got)
	}
	if len(client.sent) != 1 || client.sent[0].Filename != recording.Filename {
		t.Fatalf("sent = %+v", client.sent)
	}
	if len(heard) != 1 || heard[0] != *reply {
		t.Errorf("listener got %+v", heard)
	}
}

func TestToggle_EmptyTextPlaceholder(t *testing.T) {
	t.Parallel()

	acq := &mock.Acquirer{Format: mono16k}
	c := voicechat.New(recording.NewSession(acq), &fakeClient{})

	reply, err := record(t, c, acq, []byte{1, 0})
	if err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if reply.Text != voicechat.NoTextResponse {
		t.Errorf("text = %q, want %q", reply.Text, voicechat.NoTextResponse)
	}
}

func TestToggle_APIErrorShowsErrorText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	acq := &mock.Acquirer{Format: mono16k}
	c := voicechat.New(recording.NewSession(acq), avatarapi.New(srv.URL))

	reply, err := record(t, c, acq, []byte{1, 0})
	if !errors.Is(err, avatarapi.ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
	if reply == nil || reply.Text != voicechat.ErrorText {
		t.Errorf("reply = %+v", reply)
	}
	if got := acq.LastAudio().ReleaseCount(); got != 1 {
		t.Errorf("microphone released %d times, want 1", got)
	}
}

func TestToggle_AcquireFailure(t *testing.T) {
	t.Parallel()

	acq := &mock.Acquirer{AudioError: &media.AcquireError{Kind: media.KindAudio, Reason: media.ErrPermissionDenied}}
	c := voicechat.New(recording.NewSession(acq), &fakeClient{})

	if _, err := c.Toggle(context.Background()); !errors.Is(err, media.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if c.Recording() {
		t.Error("Recording() = true after failed start")
	}
}

func TestToggle_EmptyRecording(t *testing.T) {
	t.Parallel()

	acq := &mock.Acquirer{Format: mono16k}
	client := &fakeClient{}
	c := voicechat.New(recording.NewSession(acq), client)

	// A sealed clip always carries a WAV header, so only a nil blob counts
	// as empty; a stopped session without frames still produces one.
	reply, err := record(t, c, acq, nil)
	if err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if reply == nil || len(client.sent) != 1 {
		t.Fatalf("reply = %+v, sent = %d", reply, len(client.sent))
	}
}

func TestToggle_PlaysReplyAudio(t *testing.T) {
	t.Parallel()

	acq := &mock.Acquirer{Format: mono16k}
	client := &fakeClient{
		reply: avatarapi.VoiceReply{Text: "listen", AudioURL: "/audio/r.mp3"},
		audio: []byte("not an mp3"),
	}
	player := &fakePlayer{}
	c := voicechat.New(recording.NewSession(acq), client, voicechat.WithPlayer(player))

	reply, err := record(t, c, acq, []byte{1, 0})
	if err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if reply.AudioURL != "/audio/r.mp3" {
		t.Errorf("audio url = %q", reply.AudioURL)
	}

	// Undecodable audio is logged and never reaches the player; the text
	// reply is unaffected.
	if err := c.WaitPlayback(); err == nil {
		t.Error("WaitPlayback = nil, want decode error")
	}
	client.mu.Lock()
	downloads := append([]string(nil), client.downloads...)
	client.mu.Unlock()
	if len(downloads) != 1 || downloads[0] != "/audio/r.mp3" {
		t.Errorf("downloads = %v", downloads)
	}
	if player.plays != 0 {
		t.Errorf("player called %d times", player.plays)
	}
}

func TestToggle_NoPlayerSkipsDownload(t *testing.T) {
	t.Parallel()

	acq := &mock.Acquirer{Format: mono16k}
	client := &fakeClient{reply: avatarapi.VoiceReply{Text: "x", AudioURL: "/a.mp3"}}
	c := voicechat.New(recording.NewSession(acq), client)

	if _, err := record(t, c, acq, []byte{1, 0}); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	_ = c.WaitPlayback()
	if len(client.downloads) != 0 {
		t.Errorf("downloads = %v, want none", client.downloads)
	}
}

func TestClose_StopsRecording(t *testing.T) {
	t.Parallel()

	acq := &mock.Acquirer{Format: mono16k}
	client := &fakeClient{}
	c := voicechat.New(recording.NewSession(acq), client)

	if _, err := c.Toggle(context.Background()); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	c.Close(context.Background())

	if c.Recording() {
		t.Error("still recording after Close")
	}
	if got := acq.LastAudio().ReleaseCount(); got != 1 {
		t.Errorf("microphone released %d times, want 1", got)
	}
	if len(client.sent) != 0 {
		t.Error("Close must not send the recording")
	}
}

func TestWaitPlayback_FollowsCurrentReply(t *testing.T) {
	t.Parallel()

	acq := &mock.Acquirer{Format: mono16k}
	client := &fakeClient{
		reply:   avatarapi.VoiceReply{Text: "listen", AudioURL: "/audio/r.mp3"},
		audio:   []byte("not an mp3"),
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	c := voicechat.New(recording.NewSession(acq), client, voicechat.WithPlayer(&fakePlayer{}))
	ctx := context.Background()

	if _, err := record(t, c, acq, []byte{1, 0}); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	<-client.entered

	waited := make(chan error, 1)
	go func() { waited <- c.WaitPlayback() }()

	// The next question interrupts the reply that is still downloading.
	if _, err := c.Toggle(ctx); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	select {
	case err := <-waited:
		if err != nil {
			t.Errorf("interrupted playback = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitPlayback still blocked after the reply was interrupted")
	}

	close(client.gate)
	acq.LastAudio().Push(media.AudioFrame{Data: []byte{1, 0}, SampleRate: 16000, Channels: 1})
	if _, err := c.Toggle(ctx); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if err := c.WaitPlayback(); err == nil {
		t.Error("WaitPlayback = nil, want the second reply's decode error")
	}
	c.Close(ctx)
}
