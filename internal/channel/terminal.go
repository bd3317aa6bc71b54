package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"clawnix/internal/bus"
	"clawnix/internal/domain"
	"clawnix/internal/plugin"
)

const (
	TerminalName   = "terminal"
	terminalSender = "local"
	terminalPrompt = "clawnix> "
)

// lineReader is the part of *readline.Instance the terminal uses.
type lineReader interface {
	Readline() (string, error)
	Close() error
}

// Terminal reads lines from stdin as messages from the local user and prints
// replies addressed to the terminal channel.
type Terminal struct {
	out       io.Writer
	convs     Conversations
	onExit    func()
	newReader func() (lineReader, error)
	logger    *slog.Logger

	bus     *bus.EventBus
	outMu   sync.Mutex
	unsubs  []func()
	reader  lineReader
	cancel  context.CancelFunc
	stopped chan struct{}
}

type TerminalConfig struct {
	Out           io.Writer // defaults to os.Stdout
	Conversations Conversations
	OnExit        func() // called after "exit" or "quit"
	Logger        *slog.Logger
}

func NewTerminal(cfg TerminalConfig) *Terminal {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	t := &Terminal{
		out:    cfg.Out,
		convs:  cfg.Conversations,
		onExit: cfg.OnExit,
		logger: cfg.Logger,
	}
	t.newReader = func() (lineReader, error) {
		return readline.NewEx(&readline.Config{
			Prompt:          terminalPrompt,
			Stdout:          t.out,
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
		})
	}
	return t
}

func (t *Terminal) Name() string    { return TerminalName }
func (t *Terminal) Version() string { return pluginVersion }

func (t *Terminal) Init(ctx context.Context, pc *plugin.Context) error {
	t.bus = pc.Bus
	if pc.Logger != nil {
		t.logger = pc.Logger
	}
	t.unsubs = append(t.unsubs,
		pc.Bus.Subscribe(bus.MessageResponse, t.onResponse),
		pc.Bus.Subscribe(bus.ApprovalRequest, t.onApprovalRequest),
	)

	reader, err := t.newReader()
	if err != nil {
		return fmt.Errorf("terminal reader: %w", err)
	}
	t.reader = reader

	ctx, t.cancel = context.WithCancel(ctx)
	t.stopped = make(chan struct{})
	go t.readLoop(ctx)

	t.print(color.New(color.FgCyan, color.Bold), "clawnix ready. Type a message, /clear, or exit.")
	t.logger.Info("terminal channel ready")
	return nil
}

func (t *Terminal) readLoop(ctx context.Context) {
	defer close(t.stopped)
	for {
		line, err := t.reader.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				t.logger.Warn("terminal read failed", "error", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "exit" || trimmed == "quit" {
			if t.onExit != nil {
				t.onExit()
			}
			return
		}
		t.processLine(ctx, trimmed)
	}
}

// processLine publishes one line of input, or answers it locally when it is a
// channel command.
func (t *Terminal) processLine(ctx context.Context, text string) {
	if text == "" {
		return
	}
	if reply, ok := command(ctx, t.bus, t.convs, TerminalName, terminalSender, text); ok {
		t.print(color.New(color.FgYellow), reply)
		return
	}
	t.bus.Publish(bus.MessageIncoming, domain.NewMessage(TerminalName, terminalSender, text))
}

func (t *Terminal) onResponse(e bus.Event) {
	resp, ok := responsePayload(e.Payload)
	if !ok || resp.Channel != TerminalName {
		return
	}
	t.print(color.New(color.FgGreen), "\n"+resp.Text+"\n")
}

func (t *Terminal) onApprovalRequest(e bus.Event) {
	req, ok := approvalRequestPayload(e.Payload)
	if !ok || !strings.HasPrefix(req.Session, TerminalName+":") {
		return
	}
	t.print(color.New(color.FgYellow, color.Bold), "\n"+FormatApprovalRequest(req)+"\n")
}

func (t *Terminal) print(c *color.Color, text string) {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	c.Fprintln(t.out, text)
}

func (t *Terminal) Shutdown(context.Context) error {
	for _, unsub := range t.unsubs {
		unsub()
	}
	t.unsubs = nil
	if t.cancel != nil {
		t.cancel()
	}
	if t.reader != nil {
		return t.reader.Close()
	}
	return nil
}
