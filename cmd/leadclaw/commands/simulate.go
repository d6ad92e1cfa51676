package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/outreach"
)

// newSimulateCmd creates the `leadclaw simulate` command: a local REPL that
// runs the real engine and model against an in-memory transport, so prompt
// and flow changes can be tried without touching WhatsApp.
func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Chat with the bot locally, no WhatsApp needed",
		Long: `Start a local conversation REPL against the real engine and model.
You type as the lead; the bot answers exactly as it would on WhatsApp,
including the greeting, batching, and the pause protocol. Uses a
throwaway database, so the real contact book is untouched.

Commands inside the REPL:
  /respond   answer the backlog now (skip the quiet window)
  /status    show the simulated contact's status
  /resume    reopen the conversation after a pause
  /quit      leave

Examples:
  leadclaw simulate
  leadclaw simulate --name "Maria" --quiet 5s`,
		RunE: runSimulate,
	}

	cmd.Flags().String("name", "Test Lead", "simulated contact name")
	cmd.Flags().String("agent", "Kasun", "agent name used in the greeting")
	cmd.Flags().String("phone", "5511999990000", "simulated contact phone")
	cmd.Flags().Duration("quiet", 2*time.Second, "quiet window before the bot answers")
	return cmd
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := cliLogger(cmd)

	outreach.ResolveAPIKey(cfg, logger)
	if cfg.API.APIKey == "" || outreach.IsEnvReference(cfg.API.APIKey) {
		return fmt.Errorf("no API key available, run: leadclaw setup")
	}

	name, _ := cmd.Flags().GetString("name")
	agent, _ := cmd.Flags().GetString("agent")
	phone, _ := cmd.Flags().GetString("phone")
	quiet, _ := cmd.Flags().GetDuration("quiet")

	// Short quiet window so the REPL feels live; a throwaway database so
	// the real contact book is untouched.
	cfg.Responder.QuietWindow = quiet
	tmpDir, err := os.MkdirTemp("", "leadclaw-simulate-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)
	cfg.Database.Path = filepath.Join(tmpDir, "simulate.db")

	db, err := outreach.OpenDB(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	store := outreach.NewContactStore(db, logger)
	messageLog := outreach.NewMessageLog(db, logger)

	ch := newConsoleChannel()
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := ch.Connect(ctx); err != nil {
		return err
	}
	defer ch.Disconnect()

	responder := outreach.NewLLMClient(cfg, logger)
	engine := outreach.NewEngine(cfg, ch, store, messageLog, responder, nil, logger)
	engine.Start(ctx)
	defer engine.Stop()

	contact := &outreach.Contact{Name: name, AgentName: agent, Phone: phone}
	if err := store.Create(ctx, contact); err != nil {
		return err
	}

	fmt.Printf("Simulating %s (%s) against %s. Type as the lead; /quit to leave.\n\n",
		name, phone, cfg.Model)

	if _, err := engine.Initiate(ctx, contact.ID); err != nil {
		return fmt.Errorf("initiating conversation: %w", err)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "them> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "bye",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quitting := runSimulateCommand(ctx, line, engine, store, contact.ID); quitting {
				return nil
			}
			continue
		}

		ch.push(phone, name, line)
	}
}

// runSimulateCommand handles the REPL slash commands. Returns true on /quit.
func runSimulateCommand(ctx context.Context, line string, engine *outreach.Engine, store *outreach.ContactStore, id int64) bool {
	switch line {
	case "/quit", "/exit":
		return true

	case "/respond":
		result, err := engine.Respond(ctx, id)
		if err != nil {
			fmt.Printf("respond: %v\n", err)
			return false
		}
		fmt.Printf("replies=%d paused=%v\n", result.Replies, result.Paused)

	case "/status":
		contact, err := store.Get(ctx, id)
		if err != nil {
			fmt.Printf("status: %v\n", err)
			return false
		}
		fmt.Printf("%s is %s\n", contact.Name, contact.Status)

	case "/pause":
		if err := store.SetStatus(ctx, id, outreach.StatusPaused); err != nil {
			fmt.Printf("pause: %v\n", err)
			return false
		}
		fmt.Println("conversation paused")

	case "/resume":
		if err := store.SetStatus(ctx, id, outreach.StatusActive); err != nil {
			fmt.Printf("resume: %v\n", err)
			return false
		}
		fmt.Println("conversation resumed")

	default:
		fmt.Println("commands: /respond /status /pause /resume /quit")
	}
	return false
}

// consoleChannel is the in-memory transport behind simulate: outbound
// messages print to the terminal, inbound ones come from the REPL. Every
// number is considered registered.
type consoleChannel struct {
	messages  chan *channels.IncomingMessage
	connected atomic.Bool
	lastMsg   atomic.Int64 // unix seconds of the last inbound line
}

var (
	_ channels.MediaChannel        = (*consoleChannel)(nil)
	_ channels.PresenceChannel     = (*consoleChannel)(nil)
	_ channels.ReactionChannel     = (*consoleChannel)(nil)
	_ channels.RegistrationChannel = (*consoleChannel)(nil)
)

func newConsoleChannel() *consoleChannel {
	return &consoleChannel{messages: make(chan *channels.IncomingMessage, 16)}
}

func (c *consoleChannel) Name() string { return "console" }

func (c *consoleChannel) Connect(_ context.Context) error {
	c.connected.Store(true)
	return nil
}

func (c *consoleChannel) Disconnect() error {
	c.connected.Store(false)
	return nil
}

func (c *consoleChannel) Send(_ context.Context, _ string, msg *channels.OutgoingMessage) error {
	fmt.Printf("\nbot> %s\n", msg.Content)
	return nil
}

func (c *consoleChannel) SendMedia(_ context.Context, _ string, media *channels.MediaMessage) error {
	fmt.Printf("\nbot> [%s: %s, %d bytes]\n", media.Type, media.Filename, len(media.Data))
	return nil
}

func (c *consoleChannel) SendReaction(_ context.Context, _, _, emoji string) error {
	fmt.Printf("\nbot reacted %s\n", emoji)
	return nil
}

func (c *consoleChannel) Receive() <-chan *channels.IncomingMessage { return c.messages }
func (c *consoleChannel) IsConnected() bool                         { return c.connected.Load() }

func (c *consoleChannel) SendTyping(_ context.Context, _ string) error           { return nil }
func (c *consoleChannel) SendPresence(_ context.Context, _ bool) error           { return nil }
func (c *consoleChannel) IsTyping(_ string) bool                                 { return false }
func (c *consoleChannel) MarkRead(_ context.Context, _ string, _ []string) error { return nil }

func (c *consoleChannel) IsRegistered(_ context.Context, _ string) (bool, error) {
	return true, nil
}

func (c *consoleChannel) Health() channels.HealthStatus {
	h := channels.HealthStatus{Connected: c.connected.Load()}
	if ts := c.lastMsg.Load(); ts > 0 {
		h.LastMessageAt = time.Unix(ts, 0)
	}
	return h
}

// push feeds one typed line into the engine as an inbound message.
func (c *consoleChannel) push(from, fromName, text string) {
	c.lastMsg.Store(time.Now().Unix())
	c.messages <- &channels.IncomingMessage{
		ID:        uuid.New().String()[:8],
		Channel:   "console",
		From:      from,
		FromName:  fromName,
		ChatID:    from,
		Type:      channels.MessageText,
		Content:   text,
		Timestamp: time.Now(),
	}
}
