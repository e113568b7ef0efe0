// Package conversation keeps the two conversations a visitor can have with
// the avatar: free chat and a topic-scoped debate with a running summary.
//
// Each [Mode] owns its own turn history and its own "awaiting reply" flag.
// At most one request is in flight per mode; a second SendTurn while a reply
// is pending fails with [ErrBusy], so turns always appear in send order.
// The two modes are independent and may have requests in flight at once.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/lahn/pkg/avatarapi"
)

var (
	// ErrBusy is returned when a reply is still pending for the mode.
	ErrBusy = errors.New("conversation: awaiting reply")

	// ErrEmptyPrompt is returned for blank input.
	ErrEmptyPrompt = errors.New("conversation: empty prompt")

	// ErrNoTopic is returned by debate turns before a topic was selected.
	ErrNoTopic = errors.New("conversation: no debate topic selected")

	// ErrTopicChanged is returned for a debate request whose reply arrived
	// after another topic was selected. The reply is discarded.
	ErrTopicChanged = errors.New("conversation: debate topic changed, reply discarded")
)

// Turn is one message of a conversation.
type Turn = avatarapi.Turn

// Mode selects one of the two conversations.
type Mode int

const (
	// ModeChat is the free conversation.
	ModeChat Mode = iota

	// ModeDebate is the topic-scoped debate.
	ModeDebate
)

// String returns the human-readable name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeChat:
		return "chat"
	case ModeDebate:
		return "debate"
	default:
		return "unknown"
	}
}

// ParseMode maps "chat" and "debate" onto a [Mode].
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "chat", "":
		return ModeChat, nil
	case "debate":
		return ModeDebate, nil
	}
	return 0, fmt.Errorf("conversation: unknown mode %q", s)
}

// OpeningPrompt returns the prompt that opens a debate on topic.
func OpeningPrompt(topic string) string {
	return "Let's talk about " + topic
}

// Client is the subset of the avatar API the controller needs.
// *avatarapi.Client satisfies it.
type Client interface {
	Open(ctx context.Context, prompt string) (string, error)
	Chat(ctx context.Context, history []avatarapi.Turn, prompt string) (string, error)
	DebateSummary(ctx context.Context, history []avatarapi.Turn, topic, previous string) (string, error)
}

// Option is a functional option for [Controller].
type Option func(*Controller)

// WithTopics sets the debate topics offered to the visitor.
func WithTopics(topics ...string) Option {
	return func(c *Controller) { c.topics = append([]string(nil), topics...) }
}

// WithSummaryListener is called with every summary that replaces the stored
// one. It runs on the summary goroutine.
func WithSummaryListener(fn func(summary string)) Option {
	return func(c *Controller) { c.onSummary = fn }
}

// WithTopicMatcher sets the matcher used by [Controller.ResolveTopic].
func WithTopicMatcher(m *TopicMatcher) Option {
	return func(c *Controller) { c.matcher = m }
}

// DefaultTopics are offered when none are configured.
var DefaultTopics = []string{"Clean up Lahn", "Reforest headwater"}

// state is the history of one mode.
type state struct {
	turns    []Turn
	awaiting bool
	// gen changes whenever the history is reset so that replies to requests
	// issued before the reset are dropped.
	gen uint64
}

func (s *state) snapshot() []Turn {
	return append([]Turn(nil), s.turns...)
}

// Controller orchestrates request/response turns against the avatar API.
// It is safe for concurrent use.
type Controller struct {
	client    Client
	topics    []string
	matcher   *TopicMatcher
	onSummary func(string)

	mu       sync.Mutex
	states   [2]state
	chatOpen bool

	topic       string
	initialized bool

	summary      string
	summarySeq   uint64
	summaryFloor uint64
	summaryAt    uint64

	summaries sync.WaitGroup
}

// New returns a controller with two empty conversations.
func New(client Client, opts ...Option) *Controller {
	c := &Controller{client: client, topics: DefaultTopics}
	for _, o := range opts {
		o(c)
	}
	if c.matcher == nil {
		c.matcher = NewTopicMatcher()
	}
	return c
}

// Topics returns the configured debate topics.
func (c *Controller) Topics() []string {
	return append([]string(nil), c.topics...)
}

// Turns returns a copy of the history of mode.
func (c *Controller) Turns(mode Mode) []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[mode].snapshot()
}

// Awaiting reports whether a reply is pending for mode.
func (c *Controller) Awaiting(mode Mode) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[mode].awaiting
}

// Summary returns the latest debate summary.
func (c *Controller) Summary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// Topic returns the selected debate topic, or "" before any selection.
func (c *Controller) Topic() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topic
}

// Init fetches the avatar's opening line for free chat. It runs once; later
// calls return "" and no error.
func (c *Controller) Init(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.chatOpen {
		c.mu.Unlock()
		return "", nil
	}
	c.mu.Unlock()
	return c.open(ctx, ModeChat, avatarapi.InitPrompt)
}

// SendTurn sends text in mode and returns the avatar's reply. The user turn
// is appended before the request; the reply is appended when it arrives.
// The prompt "__INIT__" requests the opening line instead and appends no
// user turn. On error the user turn stays and no avatar turn is added. A
// debate reply that arrives after the topic changed is not appended and
// fails with [ErrTopicChanged].
func (c *Controller) SendTurn(ctx context.Context, mode Mode, text string) (string, error) {
	if text == avatarapi.InitPrompt {
		if mode == ModeChat {
			return c.Init(ctx)
		}
		return c.open(ctx, mode, text)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyPrompt
	}

	c.mu.Lock()
	if mode == ModeDebate && !c.initialized {
		c.mu.Unlock()
		return "", ErrNoTopic
	}
	st := &c.states[mode]
	if st.awaiting {
		c.mu.Unlock()
		return "", ErrBusy
	}
	history := st.snapshot()
	st.turns = append(st.turns, Turn{Sender: avatarapi.SenderUser, Text: text})
	st.awaiting = true
	gen := st.gen
	c.mu.Unlock()

	reply, err := c.client.Chat(ctx, history, text)
	if err := c.finish(mode, gen, reply, err); err != nil {
		return "", err
	}
	return reply, nil
}

// SelectTopic starts a debate on topic: the debate history and summary are
// reset and one opening turn is requested. Selecting the topic that is
// already initialised is a no-op.
func (c *Controller) SelectTopic(ctx context.Context, topic string) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", ErrEmptyPrompt
	}

	c.mu.Lock()
	if c.initialized && c.topic == topic {
		c.mu.Unlock()
		return "", nil
	}
	st := &c.states[ModeDebate]
	st.turns = nil
	st.gen++
	st.awaiting = true
	gen := st.gen

	c.topic = topic
	c.initialized = true
	c.summary = ""
	c.summaryFloor = c.summarySeq
	c.mu.Unlock()

	slog.Info("debate topic selected", "topic", topic)
	reply, err := c.client.Open(ctx, OpeningPrompt(topic))
	if err != nil {
		c.mu.Lock()
		// Allow the visitor to retry the same topic.
		if st.gen == gen {
			c.initialized = false
		}
		c.mu.Unlock()
	}
	if err := c.finish(ModeDebate, gen, reply, err); err != nil {
		return "", err
	}
	return reply, nil
}

// open requests an opening line for mode without a user turn.
func (c *Controller) open(ctx context.Context, mode Mode, prompt string) (string, error) {
	c.mu.Lock()
	st := &c.states[mode]
	if st.awaiting {
		c.mu.Unlock()
		return "", ErrBusy
	}
	st.awaiting = true
	gen := st.gen
	c.mu.Unlock()

	reply, err := c.client.Open(ctx, prompt)
	if err == nil && mode == ModeChat {
		c.mu.Lock()
		c.chatOpen = true
		c.mu.Unlock()
	}
	if err := c.finish(mode, gen, reply, err); err != nil {
		return "", err
	}
	return reply, nil
}

// finish records the outcome of a request issued at generation gen. A
// debate reply schedules a summary refresh.
func (c *Controller) finish(mode Mode, gen uint64, reply string, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := &c.states[mode]
	if st.gen != gen {
		// The history was reset while the request was in flight.
		slog.Debug("conversation: dropping stale reply", "mode", mode.String())
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTopicChanged, err)
		}
		return ErrTopicChanged
	}
	st.awaiting = false
	if err != nil {
		slog.Warn("conversation: request failed", "mode", mode.String(), "err", err)
		return err
	}
	st.turns = append(st.turns, Turn{Sender: avatarapi.SenderAvatar, Text: reply})
	if mode == ModeDebate {
		c.refreshSummaryLocked()
	}
	return nil
}

// refreshSummaryLocked launches a summary request for the current debate.
// Must be called with c.mu held. The request runs detached from the turn
// that triggered it; the newest response wins.
func (c *Controller) refreshSummaryLocked() {
	c.summarySeq++
	seq := c.summarySeq
	history := c.states[ModeDebate].snapshot()
	topic, previous := c.topic, c.summary

	c.summaries.Add(1)
	go func() {
		defer c.summaries.Done()
		summary, err := c.client.DebateSummary(context.Background(), history, topic, previous)
		if err != nil {
			slog.Warn("conversation: debate summary failed", "topic", topic, "err", err)
			return
		}

		c.mu.Lock()
		if seq <= c.summaryFloor || seq <= c.summaryAt {
			c.mu.Unlock()
			return
		}
		c.summary = summary
		c.summaryAt = seq
		fn := c.onSummary
		c.mu.Unlock()

		if fn != nil {
			fn(summary)
		}
	}()
}

// WaitSummaries blocks until every summary request launched so far has
// finished.
func (c *Controller) WaitSummaries() {
	c.summaries.Wait()
}

// ResolveTopic maps free-text input onto one of the configured topics. It
// accepts exact names, 1-based indexes and phonetically or fuzzily similar
// input such as "reforest".
func (c *Controller) ResolveTopic(input string) (string, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", false
	}
	if idx, err := strconv.Atoi(input); err == nil && idx >= 1 && idx <= len(c.topics) {
		return c.topics[idx-1], true
	}
	for _, t := range c.topics {
		if strings.EqualFold(t, input) {
			return t, true
		}
	}
	return c.matcher.Match(input, c.topics)
}
