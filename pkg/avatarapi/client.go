// Package avatarapi is a typed client for the Lahn avatar HTTP API: chat,
// debate summaries, voice chat, experience uploads and the admin refresh
// actions.
//
// Every call is bounded by a per-call timeout. Failures wrap one of two
// sentinels so callers can react with [errors.Is]:
//
//   - [ErrNetwork] — transport failure or a non-2xx response (the response
//     status is available through [*StatusError]).
//   - [ErrTimeout] — the call did not finish before its deadline.
//
// No call is retried; retries are always initiated by the user.
package avatarapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/lahn/pkg/media"
)

// Endpoint paths relative to the base URL.
const (
	PathChat              = "/api/chat"
	PathDebateSummary     = "/api/debate-summary"
	PathRefreshPrompt     = "/api/refresh-prompt"
	PathRefreshEmbeddings = "/api/refresh-embeddings"
	PathExperienceUpload  = "/api/experience-upload"
	PathVoiceChat         = "/api/voice-chat"
)

// InitPrompt asks the avatar for its opening line without prior history.
const InitPrompt = "__INIT__"

// DefaultTimeout bounds each call when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// requestIDHeader carries a fresh identifier on every request.
const requestIDHeader = "X-Request-ID"

// maxResponseBytes bounds JSON responses and downloads.
const maxResponseBytes = 64 << 20

var (
	// ErrNetwork is returned when a request fails in transport or the server
	// answers with a non-2xx status.
	ErrNetwork = errors.New("avatarapi: network error")

	// ErrTimeout is returned when a call exceeds its deadline.
	ErrTimeout = errors.New("avatarapi: timeout")
)

// errDecode marks a 2xx response whose body could not be decoded.
var errDecode = errors.New("decode response")

// Error kinds reported to [Observer].
const (
	KindNetwork = "network"
	KindTimeout = "timeout"
	KindStatus  = "status"
	KindDecode  = "decode"
)

// StatusError is returned for non-2xx responses. It unwraps to [ErrNetwork].
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("avatarapi: %s: status %d", e.Endpoint, e.Code)
	}
	return fmt.Sprintf("avatarapi: %s: status %d: %s", e.Endpoint, e.Code, e.Body)
}

// Unwrap returns [ErrNetwork].
func (e *StatusError) Unwrap() error { return ErrNetwork }

// Sender identifies who produced a [Turn].
type Sender string

const (
	SenderUser   Sender = "user"
	SenderAvatar Sender = "avatar"
)

// Turn is one message of a conversation.
type Turn struct {
	Sender Sender `json:"sender"`
	Text   string `json:"text"`
}

// VoiceReply is the answer to a voice chat request.
type VoiceReply struct {
	Text     string `json:"reply_text"`
	AudioURL string `json:"reply_audio_url,omitempty"`
}

// Observer is notified after every call. errKind is empty on success and one
// of the Kind constants otherwise.
type Observer interface {
	ObserveAPICall(ctx context.Context, endpoint string, d time.Duration, errKind string)
}

// Option is a functional option for [Client].
type Option func(*Client)

// WithHTTPClient sets the HTTP client. Defaults to a client without its own
// timeout; deadlines come from [WithTimeout].
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds every call. Non-positive values select
// [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithObserver reports call latency and failures to o.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithTracer starts one client span per call on t. Defaults to the global
// tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		if t != nil {
			c.tracer = t
		}
	}
}

// Client talks to the avatar API. It is safe for concurrent use.
type Client struct {
	baseURL  string
	http     *http.Client
	timeout  time.Duration
	observer Observer
	tracer   trace.Tracer
}

// New returns a client for the API rooted at baseURL
// (e.g. "https://lahn.example.org:5001").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: DefaultTimeout,
		tracer:  otel.Tracer("github.com/MrWong99/lahn/pkg/avatarapi"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the API root the client was built with.
func (c *Client) BaseURL() string { return c.baseURL }

// Timeout returns the per-call deadline.
func (c *Client) Timeout() time.Duration { return c.timeout }

// ─── Chat ─────────────────────────────────────────────────────────────────────

type initRequest struct {
	Prompt string `json:"prompt"`
}

type chatRequest struct {
	History []Turn `json:"history"`
	Prompt  string `json:"prompt"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

// Init requests the avatar's opening line by posting {"prompt":"__INIT__"}.
func (c *Client) Init(ctx context.Context) (string, error) {
	return c.Open(ctx, InitPrompt)
}

// Open posts a prompt without any history, as used for the opening line of
// a conversation or a debate.
func (c *Client) Open(ctx context.Context, prompt string) (string, error) {
	var resp chatResponse
	if err := c.postJSON(ctx, PathChat, initRequest{Prompt: prompt}, &resp); err != nil {
		return "", err
	}
	return resp.Reply, nil
}

// Chat posts prompt together with the turns that preceded it and returns the
// avatar's reply.
func (c *Client) Chat(ctx context.Context, history []Turn, prompt string) (string, error) {
	if history == nil {
		history = []Turn{}
	}
	var resp chatResponse
	if err := c.postJSON(ctx, PathChat, chatRequest{History: history, Prompt: prompt}, &resp); err != nil {
		return "", err
	}
	return resp.Reply, nil
}

type summaryRequest struct {
	History []Turn `json:"history"`
	Topic   string `json:"topic"`
	Summary string `json:"summary"`
}

type summaryResponse struct {
	Summary string `json:"summary"`
}

// DebateSummary asks for an updated pro/con summary of a debate. previous is
// the summary returned by the last call and is sent as context.
func (c *Client) DebateSummary(ctx context.Context, history []Turn, topic, previous string) (string, error) {
	if history == nil {
		history = []Turn{}
	}
	var resp summaryResponse
	req := summaryRequest{History: history, Topic: topic, Summary: previous}
	if err := c.postJSON(ctx, PathDebateSummary, req, &resp); err != nil {
		return "", err
	}
	return resp.Summary, nil
}

// ─── Admin ────────────────────────────────────────────────────────────────────

// RefreshPrompt asks the server to reload its system prompt.
func (c *Client) RefreshPrompt(ctx context.Context) error {
	return c.postEmpty(ctx, PathRefreshPrompt)
}

// RefreshEmbeddings asks the server to rebuild its knowledge embeddings.
func (c *Client) RefreshEmbeddings(ctx context.Context) error {
	return c.postEmpty(ctx, PathRefreshEmbeddings)
}

// ─── Multipart endpoints ──────────────────────────────────────────────────────

// UploadExperience posts an experience story. audio may be nil.
func (c *Client) UploadExperience(ctx context.Context, text string, audio *media.Blob) error {
	body, contentType, err := encodeMultipart(map[string]string{"text": text}, "audio", audio)
	if err != nil {
		return fmt.Errorf("avatarapi: %s: encode: %w", PathExperienceUpload, err)
	}
	return c.do(ctx, PathExperienceUpload, contentType, body, nil)
}

// VoiceChat posts a recorded question and returns the avatar's answer.
func (c *Client) VoiceChat(ctx context.Context, audio *media.Blob) (VoiceReply, error) {
	if audio == nil {
		return VoiceReply{}, fmt.Errorf("avatarapi: %s: no audio", PathVoiceChat)
	}
	body, contentType, err := encodeMultipart(nil, "audio", audio)
	if err != nil {
		return VoiceReply{}, fmt.Errorf("avatarapi: %s: encode: %w", PathVoiceChat, err)
	}
	var reply VoiceReply
	if err := c.do(ctx, PathVoiceChat, contentType, body, &reply); err != nil {
		return VoiceReply{}, err
	}
	return reply, nil
}

// Download fetches url (typically a reply_audio_url) under the same
// deadline and error mapping as API calls. Relative URLs are resolved
// against the base URL.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	if strings.HasPrefix(url, "/") {
		url = c.baseURL + url
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("avatarapi: download: build request: %w", err)
	}
	req.Header.Set(requestIDHeader, uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.fail(ctx, "download", start, classify(ctx, "download", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.fail(ctx, "download", start, statusError("download", resp))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.fail(ctx, "download", start, classify(ctx, "download", err))
	}
	c.observe(ctx, "download", start, "")
	return data, nil
}

// ─── Transport ────────────────────────────────────────────────────────────────

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("avatarapi: %s: marshal request: %w", path, err)
	}
	return c.do(ctx, path, "application/json", payload, out)
}

func (c *Client) postEmpty(ctx context.Context, path string) error {
	return c.do(ctx, path, "", nil, nil)
}

// do POSTs body to path and, when out is non-nil, decodes the JSON response
// into it.
func (c *Client) do(ctx context.Context, path, contentType string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "avatarapi "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.route", path)),
	)
	defer span.End()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("avatarapi: %s: build request: %w", path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHeader, uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		err = classify(ctx, path, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return c.fail(ctx, path, start, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := statusError(path, resp)
		span.SetStatus(codes.Error, err.Error())
		return c.fail(ctx, path, start, err)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		c.observe(ctx, path, start, "")
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		if ctx.Err() != nil {
			err = classify(ctx, path, err)
		} else {
			err = fmt.Errorf("avatarapi: %s: %w: %w: %w", path, ErrNetwork, errDecode, err)
		}
		span.SetStatus(codes.Error, err.Error())
		return c.fail(ctx, path, start, err)
	}
	c.observe(ctx, path, start, "")
	return nil
}

// classify maps a transport error onto [ErrTimeout] or [ErrNetwork].
func classify(ctx context.Context, path string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("avatarapi: %s: %w: %w", path, ErrTimeout, err)
	}
	return fmt.Errorf("avatarapi: %s: %w: %w", path, ErrNetwork, err)
}

func statusError(path string, resp *http.Response) *StatusError {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Endpoint: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}

func (c *Client) fail(ctx context.Context, path string, start time.Time, err error) error {
	var se *StatusError
	kind := KindNetwork
	switch {
	case errors.Is(err, ErrTimeout):
		kind = KindTimeout
	case errors.As(err, &se):
		kind = KindStatus
	case errors.Is(err, errDecode):
		kind = KindDecode
	}
	c.observe(ctx, path, start, kind)
	return err
}

func (c *Client) observe(ctx context.Context, path string, start time.Time, kind string) {
	if c.observer != nil {
		c.observer.ObserveAPICall(context.WithoutCancel(ctx), path, time.Since(start), kind)
	}
}

// encodeMultipart writes fields and, when blob is non-nil, a file part named
// fileField.
func encodeMultipart(fields map[string]string, fileField string, blob *media.Blob) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return nil, "", err
		}
	}
	if blob != nil {
		name := blob.Filename
		if name == "" {
			name = "recording.wav"
		}
		ct := blob.MIMEType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, fileField, name))
		h.Set("Content-Type", ct)
		fw, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := fw.Write(blob.Data); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}
