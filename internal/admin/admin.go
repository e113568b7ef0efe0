// Package admin triggers the maintenance actions of the avatar backend:
// reloading the system prompt and rebuilding the knowledge embeddings.
//
// Each action has its own status that goes idle → loading → done and falls
// back to idle after a short hold, or straight back to idle on error.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrInProgress is returned when the action is already loading.
var ErrInProgress = errors.New("admin: action in progress")

// DefaultDoneHold is how long a finished action reports [StatusDone].
const DefaultDoneHold = 1500 * time.Millisecond

// Action names one maintenance action.
type Action string

const (
	ActionRefreshPrompt     Action = "refresh-prompt"
	ActionRefreshEmbeddings Action = "refresh-embeddings"
)

// Status is the display state of an action.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusDone
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusDone:
		return "done"
	default:
		return "unknown"
	}
}

// Client is the subset of the avatar API the actions call.
// *avatarapi.Client satisfies it.
type Client interface {
	RefreshPrompt(ctx context.Context) error
	RefreshEmbeddings(ctx context.Context) error
}

// Option is a functional option for [Panel].
type Option func(*Panel)

// WithDoneHold sets how long [StatusDone] is held. Defaults to
// [DefaultDoneHold].
func WithDoneHold(d time.Duration) Option {
	return func(p *Panel) { p.hold = d }
}

// WithStatusListener is called on every status change. It runs with the
// panel locked and must not call back into it.
func WithStatusListener(fn func(Action, Status)) Option {
	return func(p *Panel) { p.onChange = fn }
}

// Panel runs the maintenance actions. It is safe for concurrent use.
type Panel struct {
	client   Client
	hold     time.Duration
	onChange func(Action, Status)

	mu     sync.Mutex
	status map[Action]Status
	timers map[Action]*time.Timer
}

// New returns a panel with every action idle.
func New(client Client, opts ...Option) *Panel {
	p := &Panel{
		client: client,
		hold:   DefaultDoneHold,
		status: make(map[Action]Status),
		timers: make(map[Action]*time.Timer),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Status returns the current status of a.
func (p *Panel) Status(a Action) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status[a]
}

// RefreshPrompt asks the backend to reload its system prompt.
func (p *Panel) RefreshPrompt(ctx context.Context) error {
	return p.run(ctx, ActionRefreshPrompt, p.client.RefreshPrompt)
}

// RefreshEmbeddings asks the backend to rebuild its embeddings.
func (p *Panel) RefreshEmbeddings(ctx context.Context) error {
	return p.run(ctx, ActionRefreshEmbeddings, p.client.RefreshEmbeddings)
}

// Run dispatches by action name.
func (p *Panel) Run(ctx context.Context, a Action) error {
	switch a {
	case ActionRefreshPrompt:
		return p.RefreshPrompt(ctx)
	case ActionRefreshEmbeddings:
		return p.RefreshEmbeddings(ctx)
	}
	return fmt.Errorf("admin: unknown action %q", a)
}

func (p *Panel) run(ctx context.Context, a Action, call func(context.Context) error) error {
	p.mu.Lock()
	if p.status[a] == StatusLoading {
		p.mu.Unlock()
		return ErrInProgress
	}
	if t := p.timers[a]; t != nil {
		t.Stop()
		delete(p.timers, a)
	}
	p.setLocked(a, StatusLoading)
	p.mu.Unlock()

	err := call(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.setLocked(a, StatusIdle)
		slog.Warn("admin: action failed", "action", string(a), "err", err)
		return fmt.Errorf("admin: %s: %w", a, err)
	}
	p.setLocked(a, StatusDone)
	slog.Info("admin: action done", "action", string(a))

	var t *time.Timer
	t = time.AfterFunc(p.hold, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.timers[a] != t {
			return
		}
		delete(p.timers, a)
		p.setLocked(a, StatusIdle)
	})
	p.timers[a] = t
	return nil
}

// setLocked must be called with p.mu held.
func (p *Panel) setLocked(a Action, s Status) {
	p.status[a] = s
	if p.onChange != nil {
		p.onChange(a, s)
	}
}

// Close cancels pending done→idle transitions.
func (p *Panel) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for a, t := range p.timers {
		t.Stop()
		delete(p.timers, a)
		p.status[a] = StatusIdle
	}
}
