// Command auralis is a terminal chat client with a realtime voice overlay:
// text turns stream over the generative API, and /voice opens a duplex audio
// session with a configurable persona.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/auralis-ai/auralis/internal/dotenv"
	"github.com/auralis-ai/auralis/pkg/core"
	"github.com/auralis-ai/auralis/pkg/core/chat"
	"github.com/auralis-ai/auralis/pkg/core/voice"
	"github.com/auralis-ai/auralis/pkg/core/voice/capture"
	"github.com/auralis-ai/auralis/pkg/core/voice/duplex"
	"github.com/auralis-ai/auralis/pkg/core/voice/playback"
	"github.com/auralis-ai/auralis/pkg/device"
)

const (
	defaultVoiceModel    = "models/gemini-2.0-flash-live-001"
	defaultVoiceEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	defaultMaxTokens     = 1024
	defaultTimeout       = 90 * time.Second
)

type clientConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	VoiceModel    string
	VoiceEndpoint string
	PersonaFile   string
	SystemPrompt  string
	MaxTokens     int
	Timeout       time.Duration
	Search        bool
	LogLevel      string
}

func parseConfig(args []string, getenv func(string) string) (clientConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := clientConfig{}
	fs := flag.NewFlagSet("auralis", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.BaseURL, "base-url", chat.DefaultBaseURL, "generative API base URL")
	fs.StringVar(&cfg.Model, "model", chat.DefaultModel, "chat model identifier")
	fs.StringVar(&cfg.VoiceModel, "voice-model", defaultVoiceModel, "voice session model identifier")
	fs.StringVar(&cfg.VoiceEndpoint, "voice-endpoint", defaultVoiceEndpoint, "voice API websocket URL")
	fs.StringVar(&cfg.PersonaFile, "personas", "", "optional persona catalog YAML (built-ins when empty)")
	fs.StringVar(&cfg.SystemPrompt, "system", "", "optional system prompt for text chat")
	fs.IntVar(&cfg.MaxTokens, "max-tokens", defaultMaxTokens, "max output tokens per turn")
	fs.DurationVar(&cfg.Timeout, "timeout", defaultTimeout, "per-turn timeout (e.g. 90s)")
	fs.BoolVar(&cfg.Search, "search", false, "enable web-search grounding for text turns")
	fs.StringVar(&cfg.LogLevel, "log-level", "warn", "log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return clientConfig{}, err
	}

	cfg.APIKey = firstEnv(getenv, "AURALIS_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY")

	if err := validateConfig(cfg); err != nil {
		return clientConfig{}, err
	}
	return cfg, nil
}

func firstEnv(getenv func(string) string, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

func validateConfig(cfg clientConfig) error {
	if cfg.APIKey == "" {
		return core.ErrMissingAPIKey
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return errors.New("model must not be empty")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return errors.New("base-url must be a valid absolute URL")
	}
	ep, err := url.Parse(cfg.VoiceEndpoint)
	if err != nil || (ep.Scheme != "ws" && ep.Scheme != "wss") {
		return errors.New("voice-endpoint must be a ws:// or wss:// URL")
	}
	if cfg.MaxTokens <= 0 {
		return errors.New("max-tokens must be > 0")
	}
	if cfg.Timeout <= 0 {
		return errors.New("timeout must be > 0")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	return nil
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func loadPersonas(path string) (*voice.Catalog, error) {
	if path == "" {
		return voice.DefaultCatalog(), nil
	}
	return voice.LoadCatalog(path)
}

func newVoiceManager(cfg clientConfig, logger *slog.Logger) *voice.Manager {
	deps := voice.Deps{
		OpenCapture: func() (voice.Capture, error) {
			return capture.New(device.NewMicrophone(logger), logger), nil
		},
		OpenPlayback: func() (voice.Scheduler, func() error, error) {
			spk, err := device.OpenSpeaker(device.DefaultPlaybackRate, logger)
			if err != nil {
				return nil, nil, err
			}
			return playback.NewScheduler(spk, logger), spk.Close, nil
		},
		Connect: func(ctx context.Context, dc duplex.Config, h duplex.Handlers) (voice.Duplex, error) {
			return duplex.Connect(ctx, dc, h, logger)
		},
	}
	return voice.NewManager(voice.Config{
		Endpoint: cfg.VoiceEndpoint,
		APIKey:   cfg.APIKey,
		Model:    cfg.VoiceModel,
	}, deps, logger, nil)
}

// client bundles the runtime state of one interactive session.
type client struct {
	cfg      clientConfig
	chat     *chat.Client
	history  *chat.History
	voice    *voice.Manager
	personas *voice.Catalog
	out      io.Writer
	errOut   io.Writer
}

func run(ctx context.Context, cfg clientConfig, in io.Reader, out, errOut io.Writer) error {
	logger := newLogger(cfg.LogLevel, errOut)
	slog.SetDefault(logger)

	chatClient, err := chat.New(cfg.APIKey,
		chat.WithBaseURL(cfg.BaseURL),
		chat.WithModel(cfg.Model),
		chat.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	personas, err := loadPersonas(cfg.PersonaFile)
	if err != nil {
		return err
	}

	c := &client{
		cfg:      cfg,
		chat:     chatClient,
		history:  chat.NewHistory(),
		voice:    newVoiceManager(cfg, logger),
		personas: personas,
		out:      out,
		errOut:   errOut,
	}
	defer c.voice.Close()

	go c.pumpVoiceEvents(ctx)

	fmt.Fprintf(out, "auralis: chatting with %s\n", cfg.Model)
	fmt.Fprintln(out, "Commands: /voice [persona], /end, /mute, /unmute, /personas, /edit <n> <text>, /title, /exit")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			fmt.Fprintln(out)
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/exit" || line == "/quit" {
			fmt.Fprintln(out, "bye")
			return nil
		}
		if strings.HasPrefix(line, "/") {
			c.handleCommand(ctx, line)
			continue
		}
		c.runTurn(ctx, line)
	}
}

// pumpVoiceEvents narrates the voice session lifecycle. Level events feed a
// meter in a richer UI; here they are skipped.
func (c *client) pumpVoiceEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.voice.Events():
			switch ev := ev.(type) {
			case voice.SessionOpened:
				fmt.Fprintf(c.out, "\n[voice] session open: %s (%s)\n", ev.Persona.Name, ev.Persona.Voice)
			case voice.SessionClosed:
				fmt.Fprintln(c.out, "\n[voice] session closed")
			case voice.SessionInterrupted:
				fmt.Fprintln(c.out, "\n[voice] interrupted")
			case voice.SessionError:
				fmt.Fprintf(c.errOut, "\n[voice] error: %v\n", ev.Err)
			}
		}
	}
}

func (c *client) handleCommand(ctx context.Context, line string) {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/voice":
		p := c.personas.Default()
		if arg != "" {
			found, ok := c.personas.Find(arg)
			if !ok {
				fmt.Fprintf(c.errOut, "unknown persona %q (see /personas)\n", arg)
				return
			}
			p = found
		}
		var err error
		if current, active := c.voice.CurrentPersona(); active && current.ID != p.ID {
			err = c.voice.ChangePersona(ctx, p)
		} else {
			err = c.voice.Open(ctx, p)
		}
		if err != nil {
			fmt.Fprintf(c.errOut, "voice session: %v\n", err)
		}
	case "/end":
		if err := c.voice.Close(); err != nil {
			fmt.Fprintf(c.errOut, "voice teardown: %v\n", err)
		}
	case "/mute":
		c.voice.SetMuted(true)
		fmt.Fprintln(c.out, "microphone muted")
	case "/unmute":
		c.voice.SetMuted(false)
		fmt.Fprintln(c.out, "microphone live")
	case "/personas":
		for _, p := range c.personas.Personas {
			marker := " "
			if current, active := c.voice.CurrentPersona(); active && current.ID == p.ID {
				marker = "*"
			}
			fmt.Fprintf(c.out, "%s %-12s %-10s %s\n", marker, p.ID, p.Voice, p.Name)
		}
	case "/edit":
		c.runEdit(ctx, arg)
	case "/title":
		c.runTitle(ctx)
	default:
		fmt.Fprintf(c.errOut, "unknown command %s\n", cmd)
	}
}

// runTurn streams one text exchange. A failed turn leaves the history as it
// was so the user can simply retry.
func (c *client) runTurn(ctx context.Context, text string) {
	c.history.Append(chat.RoleUser, text)
	turns := c.history.Turns()

	turnCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	stream, err := c.chat.Stream(turnCtx, turns, chat.Options{
		System:          c.cfg.SystemPrompt,
		MaxOutputTokens: c.cfg.MaxTokens,
		EnableSearch:    c.cfg.Search,
	})
	if err != nil {
		c.rollbackLastTurn()
		fmt.Fprintf(c.errOut, "chat error: %v\n", err)
		return
	}

	var sources []chat.Source
	var reply strings.Builder
	finish, streamErr := c.drain(turnCtx, stream, &reply, &sources)
	fmt.Fprintln(c.out)
	if streamErr != nil {
		c.rollbackLastTurn()
		fmt.Fprintf(c.errOut, "stream error: %v\n", streamErr)
		return
	}
	if finish.Reason == chat.FinishSafety {
		fmt.Fprintln(c.errOut, "response blocked by safety filters")
	}
	if reply.Len() > 0 {
		c.history.Append(chat.RoleModel, reply.String())
	}
	for _, src := range sources {
		fmt.Fprintf(c.out, "  source: %s <%s>\n", src.Title, src.URI)
	}
}

func (c *client) drain(ctx context.Context, stream *chat.Stream, reply *strings.Builder, sources *[]chat.Source) (chat.Finish, error) {
	defer stream.Close()
	for {
		if err := ctx.Err(); err != nil {
			return chat.Finish{}, err
		}
		ev, err := stream.Next()
		if err == io.EOF {
			return chat.Finish{Reason: chat.FinishUnknown}, nil
		}
		if err != nil {
			return chat.Finish{}, err
		}
		switch ev := ev.(type) {
		case chat.TextDelta:
			fmt.Fprint(c.out, ev.Text)
			reply.WriteString(ev.Text)
		case chat.SourceSet:
			*sources = ev.Sources
		case chat.Finish:
			return ev, nil
		}
	}
}

// rollbackLastTurn drops the user turn appended for a failed exchange.
func (c *client) rollbackLastTurn() {
	turns := c.history.Turns()
	if n := len(turns); n > 0 && turns[n-1].Role == chat.RoleUser {
		c.history.Truncate(n - 1)
	}
}

func (c *client) runEdit(ctx context.Context, arg string) {
	idxStr, text, _ := strings.Cut(arg, " ")
	idx, err := strconv.Atoi(idxStr)
	if err != nil || strings.TrimSpace(text) == "" {
		fmt.Fprintln(c.errOut, "usage: /edit <turn-index> <new text>")
		return
	}
	if _, err := c.history.Edit(idx, strings.TrimSpace(text)); err != nil {
		fmt.Fprintf(c.errOut, "edit: %v\n", err)
		return
	}
	// Resend the truncated conversation; the edited turn is the last entry.
	// Drop it first so runTurn re-appends it exactly once.
	turns := c.history.Turns()
	last := turns[len(turns)-1]
	c.history.Truncate(len(turns) - 1)
	c.runTurn(ctx, last.Text)
}

func (c *client) runTitle(ctx context.Context) {
	seed, ok := c.history.FirstUserText()
	if !ok {
		fmt.Fprintln(c.errOut, "nothing to title yet")
		return
	}
	turnCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	title, err := c.chat.GenerateTitle(turnCtx, seed)
	if err != nil {
		fmt.Fprintf(c.errOut, "title: %v\n", err)
		return
	}
	c.history.SetTitle(title)
	fmt.Fprintf(c.out, "title: %s\n", title)
}

func main() {
	if err := dotenv.Load(dotenv.DefaultFile); err != nil {
		fmt.Fprintf(os.Stderr, "auralis: %v\n", err)
		os.Exit(1)
	}
	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auralis: %v\n", err)
		os.Exit(1)
	}
	if err := run(context.Background(), cfg, os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "auralis: %v\n", err)
		os.Exit(1)
	}
}
