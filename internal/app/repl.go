package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/MrWong99/lahn/internal/admin"
	"github.com/MrWong99/lahn/internal/conversation"
	"github.com/MrWong99/lahn/internal/upload"
)

// Commands understood by every REPL.
const (
	cmdQuit = "/quit"
	cmdHelp = "/help"
)

var errNoMicrophone = errors.New("no microphone configured")

// handler processes one input line. Its error is printed as a status line;
// the REPL keeps running.
type handler func(ctx context.Context, cmd, arg string) error

// repl feeds input lines to h until /quit, the end of input or ctx ends.
// Lines starting with "/" are split into command and argument; plain text
// arrives with an empty cmd.
func (a *App) repl(ctx context.Context, help string, h handler) error {
	in := lines(ctx, a.in)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-in:
			if !ok {
				return nil
			}
			cmd, arg := splitCommand(line)
			switch cmd {
			case cmdQuit:
				return nil
			case cmdHelp:
				a.printf("%s\n", help)
				continue
			}
			if err := h(ctx, cmd, arg); err != nil {
				a.printf("error: %v\n", err)
			}
		}
	}
}

func lines(ctx context.Context, r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case ch <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func splitCommand(line string) (cmd, arg string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", line
	}
	cmd, arg, _ = strings.Cut(line, " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

// ─── chat / debate ───────────────────────────────────────────────────────────

const conversationHelp = `type to talk to the avatar
/topics              list debate topics
/topic <name|number> start a debate on a topic
/summary             show the debate summary
/mode chat|debate    switch conversation
/refresh-prompt      reload the avatar's prompt
/refresh-embeddings  rebuild the avatar's knowledge
/quit                leave`

func (a *App) runConversation(ctx context.Context, mode conversation.Mode) error {
	cur := mode
	a.enterConversation(ctx, cur)

	return a.repl(ctx, conversationHelp, func(ctx context.Context, cmd, arg string) error {
		switch cmd {
		case "":
			return a.say(ctx, cur, arg)
		case "/topics":
			a.listTopics()
		case "/topic":
			return a.selectTopic(ctx, arg)
		case "/summary":
			if s := a.conv.Summary(); s != "" {
				a.printf("summary: %s\n", s)
			} else {
				a.printf("no summary yet\n")
			}
		case "/mode":
			m, err := conversation.ParseMode(arg)
			if err != nil {
				return err
			}
			cur = m
			a.enterConversation(ctx, cur)
		case "/" + string(admin.ActionRefreshPrompt), "/" + string(admin.ActionRefreshEmbeddings):
			return a.refresh(ctx, admin.Action(strings.TrimPrefix(cmd, "/")))
		default:
			return fmt.Errorf("unknown command %q, try %s", cmd, cmdHelp)
		}
		return nil
	})
}

func (a *App) enterConversation(ctx context.Context, mode conversation.Mode) {
	a.printf("mode: %s\n", mode)
	if mode == conversation.ModeDebate {
		if t := a.conv.Topic(); t != "" {
			a.printf("topic: %s\n", t)
			return
		}
		a.listTopics()
		return
	}
	greeting, err := a.conv.Init(ctx)
	if err != nil {
		a.printf("error: %v\n", err)
		return
	}
	if greeting != "" {
		a.printf("avatar: %s\n", greeting)
	}
}

func (a *App) say(ctx context.Context, mode conversation.Mode, text string) error {
	if text == "" {
		return nil
	}
	// Before a topic is chosen, debate input picks one.
	if mode == conversation.ModeDebate && a.conv.Topic() == "" {
		if _, ok := a.conv.ResolveTopic(text); ok {
			return a.selectTopic(ctx, text)
		}
		return fmt.Errorf("%w; choose one with /topic", conversation.ErrNoTopic)
	}
	reply, err := a.conv.SendTurn(ctx, mode, text)
	if err != nil {
		return err
	}
	a.printf("avatar: %s\n", reply)
	return nil
}

func (a *App) listTopics() {
	a.printf("topics:\n")
	for i, t := range a.conv.Topics() {
		a.printf("  %d. %s\n", i+1, t)
	}
}

func (a *App) selectTopic(ctx context.Context, input string) error {
	topic, ok := a.conv.ResolveTopic(input)
	if !ok {
		return fmt.Errorf("unknown topic %q", input)
	}
	a.printf("topic: %s\n", topic)
	reply, err := a.conv.SelectTopic(ctx, topic)
	if err != nil {
		return err
	}
	if reply != "" {
		a.printf("avatar: %s\n", reply)
	}
	return nil
}

// ─── voice ───────────────────────────────────────────────────────────────────

const voiceHelp = `press enter to start recording and again to send it
/quit  leave`

func (a *App) runVoice(ctx context.Context) error {
	a.printf("mode: voice\n%s\n", voiceHelp)
	defer a.voice.Close(context.WithoutCancel(ctx))

	return a.repl(ctx, voiceHelp, func(ctx context.Context, cmd, _ string) error {
		if cmd != "" {
			return fmt.Errorf("unknown command %q, try %s", cmd, cmdHelp)
		}
		reply, err := a.voice.Toggle(ctx)
		if reply == nil && err == nil {
			a.printf("recording...\n")
			return nil
		}
		if reply != nil {
			a.printf("avatar: %s\n", reply.Text)
			if reply.AudioURL != "" && err == nil {
				go a.reportPlayback()
			}
		}
		return err
	})
}

func (a *App) reportPlayback() {
	if err := a.voice.WaitPlayback(); err != nil {
		a.printf("error: playback: %v\n", err)
	}
}

// ─── upload ──────────────────────────────────────────────────────────────────

const uploadHelp = `type to add text to your experience
/record        start or stop a voice recording
/attach <path> attach an audio file instead
/clear         discard the draft
/submit        send the experience
/quit          leave`

func (a *App) runUpload(ctx context.Context) error {
	a.printf("mode: upload\n%s\n", uploadHelp)
	var draft upload.Draft
	defer func() {
		if a.rec != nil && a.rec.Recording() {
			_, _ = a.rec.Stop(context.WithoutCancel(ctx))
		}
	}()

	return a.repl(ctx, uploadHelp, func(ctx context.Context, cmd, arg string) error {
		switch cmd {
		case "":
			if arg == "" {
				return nil
			}
			if draft.Text != "" {
				draft.Text += "\n"
			}
			draft.Text += arg
		case "/record":
			if a.rec == nil {
				return errNoMicrophone
			}
			if !a.rec.Recording() {
				if err := a.rec.Start(ctx); err != nil {
					return err
				}
				a.printf("recording...\n")
				return nil
			}
			blob, err := a.rec.Stop(ctx)
			if err != nil {
				return err
			}
			draft.Audio = blob
			a.printf("recorded %d bytes\n", len(blob.Data))
		case "/attach":
			blob, err := upload.AttachFile(arg)
			if err != nil {
				return err
			}
			draft.Audio = blob
			a.printf("attached %s (%s)\n", blob.Filename, blob.MIMEType)
		case "/clear":
			draft = upload.Draft{}
			a.printf("draft cleared\n")
		case "/submit":
			res := a.uploader.Submit(ctx, draft)
			if res.Err != nil {
				return res.Err
			}
			draft = upload.Draft{}
			a.printf("experience submitted, thank you\n")
		default:
			return fmt.Errorf("unknown command %q, try %s", cmd, cmdHelp)
		}
		return nil
	})
}

// ─── mirror ──────────────────────────────────────────────────────────────────

const mirrorHelp = `/start  start the mirror
/stop   stop the mirror and release the webcam
/quit   leave`

func (a *App) runMirror(ctx context.Context) error {
	a.printf("mode: mirror\n")
	if a.server != nil {
		a.printf("open http://%s/ to watch\n", a.cfg.Server.ListenAddr)
	}
	start := func(ctx context.Context) error {
		if err := a.mirror.Start(ctx); err != nil {
			return err
		}
		a.printf("mirror running\n")
		return nil
	}
	if err := start(ctx); err != nil {
		a.printf("error: %v\n", err)
	}
	defer a.mirror.Stop()

	return a.repl(ctx, mirrorHelp, func(ctx context.Context, cmd, _ string) error {
		switch cmd {
		case "":
			return nil
		case "/start":
			return start(ctx)
		case "/stop":
			a.mirror.Stop()
			a.printf("mirror stopped\n")
			return nil
		}
		return fmt.Errorf("unknown command %q, try %s", cmd, cmdHelp)
	})
}

// ─── admin ───────────────────────────────────────────────────────────────────

const adminHelp = `/refresh-prompt      reload the avatar's prompt
/refresh-embeddings  rebuild the avatar's knowledge
/status              show action status
/quit                leave`

func (a *App) runAdmin(ctx context.Context) error {
	a.printf("mode: admin\n%s\n", adminHelp)
	return a.repl(ctx, adminHelp, func(ctx context.Context, cmd, _ string) error {
		switch cmd {
		case "":
			return nil
		case "/status":
			for _, act := range []admin.Action{admin.ActionRefreshPrompt, admin.ActionRefreshEmbeddings} {
				a.printf("%s: %s\n", act, a.panel.Status(act))
			}
			return nil
		case "/" + string(admin.ActionRefreshPrompt), "/" + string(admin.ActionRefreshEmbeddings):
			return a.refresh(ctx, admin.Action(strings.TrimPrefix(cmd, "/")))
		}
		return fmt.Errorf("unknown command %q, try %s", cmd, cmdHelp)
	})
}

func (a *App) refresh(ctx context.Context, act admin.Action) error {
	a.printf("%s: %s\n", act, admin.StatusLoading)
	if err := a.panel.Run(ctx, act); err != nil {
		return err
	}
	a.printf("%s: %s\n", act, admin.StatusDone)
	return nil
}
