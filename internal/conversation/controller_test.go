package conversation_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/MrWong99/lahn/internal/conversation"
	"github.com/MrWong99/lahn/pkg/avatarapi"
)

type chatCall struct {
	history []avatarapi.Turn
	prompt  string
}

type summaryCall struct {
	history  []avatarapi.Turn
	topic    string
	previous string
}

// fakeClient answers every chat prompt with "re: <prompt>" unless a reply
// function is set.
type fakeClient struct {
	mu sync.Mutex

	openCalls    []string
	chatCalls    []chatCall
	summaryCalls []summaryCall

	openReply  func(prompt string) (string, error)
	chatReply  func(prompt string) (string, error)
	summaryErr error

	// gate, when non-nil, is received from before Chat returns.
	gate chan struct{}
	// entered is signalled when Chat starts.
	entered chan struct{}
	// summaryGate, when non-nil, is received from before DebateSummary
	// returns.
	summaryGate chan struct{}
}

func (f *fakeClient) Open(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.openCalls = append(f.openCalls, prompt)
	fn := f.openReply
	f.mu.Unlock()
	if fn != nil {
		return fn(prompt)
	}
	return "opening: " + prompt, nil
}

func (f *fakeClient) Chat(_ context.Context, history []avatarapi.Turn, prompt string) (string, error) {
	f.mu.Lock()
	f.chatCalls = append(f.chatCalls, chatCall{history: history, prompt: prompt})
	fn, gate, entered := f.chatReply, f.gate, f.entered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if fn != nil {
		return fn(prompt)
	}
	return "re: " + prompt, nil
}

func (f *fakeClient) DebateSummary(_ context.Context, history []avatarapi.Turn, topic, previous string) (string, error) {
	f.mu.Lock()
	f.summaryCalls = append(f.summaryCalls, summaryCall{history: history, topic: topic, previous: previous})
	n := len(f.summaryCalls)
	err, gate := f.summaryErr, f.summaryGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return "", err
	}
	return "summary #" + string(rune('0'+n)), nil
}

func (f *fakeClient) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.openCalls)
}

func user(text string) avatarapi.Turn   { return avatarapi.Turn{Sender: avatarapi.SenderUser, Text: text} }
func avatar(text string) avatarapi.Turn { return avatarapi.Turn{Sender: avatarapi.SenderAvatar, Text: text} }

func TestController_InitScenario(t *testing.T) {
	t.Parallel()

	client := &fakeClient{openReply: func(string) (string, error) { return "I am the river.", nil }}
	c := conversation.New(client)

	reply, err := c.SendTurn(context.Background(), conversation.ModeChat, avatarapi.InitPrompt)
	if err != nil {
		t.Fatalf("SendTurn: %v", err)
	}
	if reply != "I am the river." {
		t.Errorf("reply = %q", reply)
	}
	want := []avatarapi.Turn{avatar("I am the river.")}
	if got := c.Turns(conversation.ModeChat); !slices.Equal(got, want) {
		t.Errorf("turns = %v, want %v", got, want)
	}
	if client.openCalls[0] != avatarapi.InitPrompt {
		t.Errorf("open prompt = %q", client.openCalls[0])
	}

	// A second init is a no-op.
	if _, err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if client.openCount() != 1 {
		t.Errorf("open called %d times, want 1", client.openCount())
	}
}

func TestController_TurnOrder(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	c := conversation.New(client)
	ctx := context.Background()

	if _, err := c.SendTurn(ctx, conversation.ModeChat, "A"); err != nil {
		t.Fatalf("SendTurn A: %v", err)
	}
	if _, err := c.SendTurn(ctx, conversation.ModeChat, "B"); err != nil {
		t.Fatalf("SendTurn B: %v", err)
	}

	want := []avatarapi.Turn{user("A"), avatar("re: A"), user("B"), avatar("re: B")}
	if got := c.Turns(conversation.ModeChat); !slices.Equal(got, want) {
		t.Errorf("turns = %v, want %v", got, want)
	}

	// B's request carried only the turns before it.
	if got := client.chatCalls[1].history; !slices.Equal(got, want[:2]) {
		t.Errorf("history sent with B = %v, want %v", got, want[:2])
	}
}

func TestController_BusyWhileAwaiting(t *testing.T) {
	t.Parallel()

	client := &fakeClient{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	c := conversation.New(client)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := c.SendTurn(ctx, conversation.ModeChat, "first")
		done <- err
	}()
	<-client.entered

	if !c.Awaiting(conversation.ModeChat) {
		t.Error("Awaiting(chat) = false while a request is in flight")
	}
	if _, err := c.SendTurn(ctx, conversation.ModeChat, "second"); !errors.Is(err, conversation.ErrBusy) {
		t.Errorf("second SendTurn err = %v, want ErrBusy", err)
	}

	close(client.gate)
	if err := <-done; err != nil {
		t.Fatalf("first SendTurn: %v", err)
	}
	if c.Awaiting(conversation.ModeChat) {
		t.Error("Awaiting(chat) = true after the reply")
	}
	want := []avatarapi.Turn{user("first"), avatar("re: first")}
	if got := c.Turns(conversation.ModeChat); !slices.Equal(got, want) {
		t.Errorf("turns = %v, want %v", got, want)
	}
}

func TestController_ModesAreIndependent(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	c := conversation.New(client)
	ctx := context.Background()

	if _, err := c.SendTurn(ctx, conversation.ModeChat, "hello"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if _, err := c.SelectTopic(ctx, "Clean up Lahn"); err != nil {
		t.Fatalf("SelectTopic: %v", err)
	}
	if _, err := c.SendTurn(ctx, conversation.ModeDebate, "plastic"); err != nil {
		t.Fatalf("debate: %v", err)
	}
	c.WaitSummaries()

	if got := c.Turns(conversation.ModeChat); len(got) != 2 {
		t.Errorf("chat turns = %v, want 2", got)
	}
	wantDebate := []avatarapi.Turn{
		avatar("opening: Let's talk about Clean up Lahn"),
		user("plastic"),
		avatar("re: plastic"),
	}
	if got := c.Turns(conversation.ModeDebate); !slices.Equal(got, wantDebate) {
		t.Errorf("debate turns = %v, want %v", got, wantDebate)
	}
}

func TestController_ErrorKeepsUserTurn(t *testing.T) {
	t.Parallel()

	client := &fakeClient{chatReply: func(string) (string, error) {
		return "", avatarapi.ErrTimeout
	}}
	c := conversation.New(client)

	_, err := c.SendTurn(context.Background(), conversation.ModeChat, "anyone?")
	if !errors.Is(err, avatarapi.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	want := []avatarapi.Turn{user("anyone?")}
	if got := c.Turns(conversation.ModeChat); !slices.Equal(got, want) {
		t.Errorf("turns = %v, want %v", got, want)
	}
	if c.Awaiting(conversation.ModeChat) {
		t.Error("Awaiting stuck after an error")
	}
}

func TestController_EmptyPrompt(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	c := conversation.New(client)
	if _, err := c.SendTurn(context.Background(), conversation.ModeChat, "   "); !errors.Is(err, conversation.ErrEmptyPrompt) {
		t.Fatalf("err = %v, want ErrEmptyPrompt", err)
	}
	if len(client.chatCalls) != 0 {
		t.Error("blank input must not reach the API")
	}
}

func TestController_DebateNeedsTopic(t *testing.T) {
	t.Parallel()

	c := conversation.New(&fakeClient{})
	if _, err := c.SendTurn(context.Background(), conversation.ModeDebate, "hi"); !errors.Is(err, conversation.ErrNoTopic) {
		t.Fatalf("err = %v, want ErrNoTopic", err)
	}
}

func TestController_SelectTopicOnce(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	c := conversation.New(client)
	ctx := context.Background()

	for range 2 {
		if _, err := c.SelectTopic(ctx, "Reforest headwater"); err != nil {
			t.Fatalf("SelectTopic: %v", err)
		}
	}
	if n := client.openCount(); n != 1 {
		t.Fatalf("opening requests = %d, want 1", n)
	}
	if client.openCalls[0] != "Let's talk about Reforest headwater" {
		t.Errorf("opening prompt = %q", client.openCalls[0])
	}
	c.WaitSummaries()
}

func TestController_TopicChangeResetsDebate(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	c := conversation.New(client)
	ctx := context.Background()

	_, _ = c.SelectTopic(ctx, "Clean up Lahn")
	_, _ = c.SendTurn(ctx, conversation.ModeDebate, "nets in the water")
	c.WaitSummaries()
	if c.Summary() == "" {
		t.Fatal("expected a summary after the debate turn")
	}

	if _, err := c.SelectTopic(ctx, "Reforest headwater"); err != nil {
		t.Fatalf("SelectTopic: %v", err)
	}
	c.WaitSummaries()

	want := []avatarapi.Turn{avatar("opening: Let's talk about Reforest headwater")}
	if got := c.Turns(conversation.ModeDebate); !slices.Equal(got, want) {
		t.Errorf("debate turns = %v, want %v", got, want)
	}
	if c.Topic() != "Reforest headwater" {
		t.Errorf("topic = %q", c.Topic())
	}

	client.mu.Lock()
	last := client.summaryCalls[len(client.summaryCalls)-1]
	client.mu.Unlock()
	if last.previous != "" {
		t.Errorf("summary after a topic change carried previous %q, want empty", last.previous)
	}
}

func TestController_OpeningFailureAllowsRetry(t *testing.T) {
	t.Parallel()

	fail := true
	client := &fakeClient{openReply: func(p string) (string, error) {
		if fail {
			return "", avatarapi.ErrNetwork
		}
		return "ok", nil
	}}
	c := conversation.New(client)
	ctx := context.Background()

	if _, err := c.SelectTopic(ctx, "Clean up Lahn"); !errors.Is(err, avatarapi.ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
	fail = false
	if _, err := c.SelectTopic(ctx, "Clean up Lahn"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n := client.openCount(); n != 2 {
		t.Errorf("opening requests = %d, want 2", n)
	}
	c.WaitSummaries()
}

func TestController_SummaryCarriesPrevious(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	var (
		mu      sync.Mutex
		updates []string
	)
	c := conversation.New(client, conversation.WithSummaryListener(func(s string) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, s)
	}))
	ctx := context.Background()

	_, _ = c.SelectTopic(ctx, "Clean up Lahn")
	c.WaitSummaries()
	_, _ = c.SendTurn(ctx, conversation.ModeDebate, "why?")
	c.WaitSummaries()

	client.mu.Lock()
	calls := append([]summaryCall(nil), client.summaryCalls...)
	client.mu.Unlock()

	if len(calls) != 2 {
		t.Fatalf("summary requests = %d, want 2", len(calls))
	}
	if calls[0].previous != "" || calls[1].previous != "summary #1" {
		t.Errorf("previous summaries = %q, %q", calls[0].previous, calls[1].previous)
	}
	if calls[1].topic != "Clean up Lahn" || len(calls[1].history) != 3 {
		t.Errorf("second summary request = %+v", calls[1])
	}
	if c.Summary() != "summary #2" {
		t.Errorf("summary = %q, want summary #2", c.Summary())
	}
	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(updates, []string{"summary #1", "summary #2"}) {
		t.Errorf("listener updates = %v", updates)
	}
}

func TestController_SummaryDoesNotBlockTurn(t *testing.T) {
	t.Parallel()

	client := &fakeClient{summaryGate: make(chan struct{})}
	c := conversation.New(client)
	ctx := context.Background()

	// SelectTopic returns although its summary request is still blocked.
	if _, err := c.SelectTopic(ctx, "Clean up Lahn"); err != nil {
		t.Fatalf("SelectTopic: %v", err)
	}
	if c.Awaiting(conversation.ModeDebate) {
		t.Error("debate still awaiting while only the summary is pending")
	}
	close(client.summaryGate)
	c.WaitSummaries()
}

func TestController_SummaryFailureKeepsPrevious(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	c := conversation.New(client)
	ctx := context.Background()

	_, _ = c.SelectTopic(ctx, "Clean up Lahn")
	c.WaitSummaries()
	before := c.Summary()

	client.mu.Lock()
	client.summaryErr = errors.New("summary model down")
	client.mu.Unlock()
	_, _ = c.SendTurn(ctx, conversation.ModeDebate, "and then?")
	c.WaitSummaries()

	if c.Summary() != before {
		t.Errorf("summary = %q, want unchanged %q", c.Summary(), before)
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    conversation.Mode
		wantErr bool
	}{
		{"chat", conversation.ModeChat, false},
		{"Debate", conversation.ModeDebate, false},
		{"", conversation.ModeChat, false},
		{"karaoke", 0, true},
	}
	for _, tt := range tests {
		got, err := conversation.ParseMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMode(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestController_TopicChangeDiscardsPendingReply(t *testing.T) {
	t.Parallel()

	client := &fakeClient{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	c := conversation.New(client)
	ctx := context.Background()

	if _, err := c.SelectTopic(ctx, "Clean up Lahn"); err != nil {
		t.Fatalf("SelectTopic: %v", err)
	}

	type result struct {
		reply string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := c.SendTurn(ctx, conversation.ModeDebate, "old topic question")
		done <- result{reply, err}
	}()
	<-client.entered

	if _, err := c.SelectTopic(ctx, "Reforest headwater"); err != nil {
		t.Fatalf("SelectTopic: %v", err)
	}
	close(client.gate)

	res := <-done
	if !errors.Is(res.err, conversation.ErrTopicChanged) || res.reply != "" {
		t.Fatalf("SendTurn = %q, %v; want \"\", ErrTopicChanged", res.reply, res.err)
	}
	c.WaitSummaries()

	want := []avatarapi.Turn{avatar("opening: Let's talk about Reforest headwater")}
	if got := c.Turns(conversation.ModeDebate); !slices.Equal(got, want) {
		t.Errorf("debate turns = %v, want %v", got, want)
	}
	if c.Awaiting(conversation.ModeDebate) {
		t.Error("Awaiting(debate) = true after both requests finished")
	}
}
