// ABOUTME: Interactive terminal chat with the crew using readline
// ABOUTME: Slash commands switch agents, resume threads and toggle saving

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/2389/coven-crew/internal/agent"
	"github.com/2389/coven-crew/internal/config"
	"github.com/2389/coven-crew/internal/conversation"
	"github.com/2389/coven-crew/internal/crew"
	"github.com/2389/coven-crew/internal/store"
	"github.com/2389/coven-crew/internal/transcript"
)

var replCommands = []string{
	"/agent NAME      talk to supervisor, research or writer",
	"/new             start a new conversation with the current agent",
	"/use ID          resume a saved thread",
	"/threads [TEXT]  list threads, or search them",
	"/show            print the current thread",
	"/session         show the active thread of every agent",
	"/export FORMAT [FILE]  write the current thread as markdown, html or json",
	"/delete ID       delete a thread",
	"/nosave          toggle saving of exchanges",
	"/quit            leave",
}

type lineInput interface {
	ReadLine(prompt string) (string, error)
	Close() error
}

type basicLineInput struct {
	reader *bufio.Reader
	out    io.Writer
}

func (b *basicLineInput) ReadLine(prompt string) (string, error) {
	fmt.Fprint(b.out, prompt)
	line, err := b.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (b *basicLineInput) Close() error { return nil }

type readlineInput struct {
	instance *readline.Instance
}

func (r *readlineInput) ReadLine(prompt string) (string, error) {
	r.instance.SetPrompt(prompt)
	return r.instance.Readline()
}

func (r *readlineInput) Close() error {
	return r.instance.Close()
}

// newLineInput prefers readline with persistent history and falls back to
// plain stdin when the terminal does not support it.
func newLineInput(historyPath string) lineInput {
	if historyPath != "" {
		_ = os.MkdirAll(filepath.Dir(historyPath), 0o755)
	}
	instance, err := readline.NewEx(&readline.Config{
		Prompt:            "> ",
		HistoryFile:       historyPath,
		HistorySearchFold: true,
		InterruptPrompt:   "^C",
		EOFPrompt:         "/quit",
	})
	if err != nil {
		return &basicLineInput{reader: bufio.NewReader(os.Stdin), out: os.Stdout}
	}
	return &readlineInput{instance: instance}
}

// repl holds the state of one terminal chat.
type repl struct {
	crew      *crew.Crew
	out       io.Writer
	md        *markdownRenderer
	agent     agent.Type
	ephemeral bool
	now       func() time.Time
}

func (r *repl) prompt() string {
	p := string(r.agent)
	if r.ephemeral {
		p += " (nosave)"
	}
	return p + "> "
}

func (r *repl) errorf(format string, args ...any) {
	fmt.Fprintln(r.out, errorStyle.Render(fmt.Sprintf(format, args...)))
}

func (r *repl) info(format string, args ...any) {
	fmt.Fprintln(r.out, dimStyle.Render(fmt.Sprintf(format, args...)))
}

// handle processes one input line and reports whether the chat should end.
func (r *repl) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		r.send(ctx, line)
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit", "/q":
		return true
	case "/help", "/?":
		for _, c := range replCommands {
			fmt.Fprintln(r.out, "  "+c)
		}
	case "/agent":
		t, err := agent.ParseType(arg)
		if err != nil {
			r.errorf("%v", err)
			return false
		}
		r.agent = t
		r.info("now talking to the %s", t.DisplayName())
	case "/new":
		if err := r.crew.Manager.NewConversation(r.agent); err != nil {
			r.errorf("%v", err)
			return false
		}
		r.info("the next message starts a new %s conversation", r.agent)
	case "/use":
		thread, err := r.crew.Manager.Activate(ctx, arg)
		if err != nil {
			r.errorf("%v", err)
			return false
		}
		r.agent = thread.AgentType
		r.info("resumed %q with the %s (%d messages)", thread.DisplayTitle(), thread.AgentType.DisplayName(), len(thread.Messages))
	case "/threads":
		r.threads(ctx, arg)
	case "/show":
		id := r.current()
		if id == "" {
			r.info("no active %s thread", r.agent)
			return false
		}
		thread, err := r.crew.Manager.GetThread(ctx, id)
		if err != nil {
			r.errorf("%v", err)
			return false
		}
		printThread(r.out, r.md, thread)
	case "/session":
		session := r.crew.Manager.Session()
		for _, t := range agent.Types() {
			id := session[t]
			if id == "" {
				id = "-"
			}
			fmt.Fprintf(r.out, "  %-10s %s\n", t, id)
		}
	case "/export":
		r.export(ctx, arg)
	case "/delete":
		if err := r.crew.Manager.DeleteThread(ctx, arg); err != nil {
			r.errorf("%v", err)
			return false
		}
		r.info("deleted %s", arg)
	case "/nosave":
		r.ephemeral = !r.ephemeral
		if r.ephemeral {
			r.info("exchanges are no longer saved")
		} else {
			r.info("exchanges are saved again")
		}
	default:
		r.errorf("unknown command %s (try /help)", cmd)
	}
	return false
}

func (r *repl) current() string {
	return r.crew.Manager.Session()[r.agent]
}

func (r *repl) send(ctx context.Context, message string) {
	res, err := r.crew.Manager.Chat(ctx, conversation.ChatRequest{
		AgentType: r.agent,
		Message:   message,
		Ephemeral: r.ephemeral,
	})
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrUpstreamUnavailable):
			r.errorf("the %s is unavailable right now; try again shortly", r.agent.DisplayName())
		case errors.Is(err, context.Canceled):
			r.errorf("canceled")
		default:
			r.errorf("%v", err)
		}
		return
	}
	if res.Created {
		r.info("new thread %s", res.ThreadID)
	}
	fmt.Fprintln(r.out)
	printReply(r.out, r.md, res.Reply)
}

func (r *repl) threads(ctx context.Context, query string) {
	var (
		list []store.ThreadSummary
		err  error
	)
	if query != "" {
		list, err = r.crew.Manager.SearchThreads(ctx, query, "", 0)
	} else {
		list, err = r.crew.Manager.ListThreads(ctx, "", 0, 0)
	}
	if err != nil {
		r.errorf("%v", err)
		return
	}
	printThreadList(r.out, list, r.now())
}

func (r *repl) export(ctx context.Context, arg string) {
	formatName, path, _ := strings.Cut(arg, " ")
	format, err := transcript.ParseFormat(formatName)
	if err != nil {
		r.errorf("%v", err)
		return
	}
	id := r.current()
	if id == "" {
		r.info("no active %s thread", r.agent)
		return
	}
	thread, err := r.crew.Manager.GetThread(ctx, id)
	if err != nil {
		r.errorf("%v", err)
		return
	}

	path = strings.TrimSpace(path)
	if path == "" {
		path = thread.ID + "." + format.Extension()
	}
	f, err := os.Create(path)
	if err != nil {
		r.errorf("%v", err)
		return
	}
	defer f.Close()
	if err := transcript.Write(f, thread, format, r.now()); err != nil {
		r.errorf("%v", err)
		return
	}
	r.info("wrote %s", path)
}

func runChat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	agentName := fs.String("agent", string(agent.Supervisor), "agent to talk to")
	plain := fs.Bool("plain", false, "print replies without markdown styling")
	nosave := fs.Bool("nosave", false, "do not save exchanges")
	message, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	agentType, err := agent.ParseType(*agentName)
	if err != nil {
		return err
	}

	c, _, err := openCrew(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	r := &repl{
		crew:      c,
		out:       os.Stdout,
		md:        newMarkdownRenderer(*plain, 0),
		agent:     agentType,
		ephemeral: *nosave,
		now:       time.Now,
	}

	// One-shot: coven-crew chat "question"
	if len(message) > 0 {
		r.send(ctx, strings.Join(message, " "))
		return nil
	}

	fmt.Fprintln(r.out, titleStyle.Render("coven-crew"))
	r.info("talking to the %s; /help lists commands", agentType.DisplayName())

	input := newLineInput(filepath.Join(config.DataDir(), "chat_history"))
	defer input.Close()

	for {
		line, err := input.ReadLine(r.prompt())
		if errors.Is(err, readline.ErrInterrupt) {
			if strings.TrimSpace(line) == "" {
				return nil
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if r.handle(ctx, line) || ctx.Err() != nil {
			return nil
		}
	}
}
