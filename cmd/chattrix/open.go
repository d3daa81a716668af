package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	chattrix "github.com/chattrix/chattrix-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(openCmd)
}

var openCmd = &cobra.Command{
	Use:   "open <conversation-id>",
	Short: "Open a conversation and tail it live",
	Long: "Open a conversation: print its history, stream new messages and typing\n" +
		"indicators, and send each line typed on stdin. Ctrl-C leaves.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		cfg := mustConfig()
		client := newClient(cfg)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		session, err := restoreSession(ctx, client, cfg)
		if err != nil {
			return err
		}
		defer session.CloseSignal(context.Background())

		rt := chattrix.NewRealtime(client, nil)
		if err := rt.Connect(ctx); err != nil {
			return fmt.Errorf("realtime connect: %w", err)
		}
		defer rt.Disconnect()
		rt.OnDisconnected(func(reason string) {
			fmt.Fprintf(os.Stderr, "\n* realtime connection lost: %s\n", reason)
		})

		cache, err := openCache()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: cache unavailable: %v\n", err)
		} else {
			defer cache.Close()
		}

		var syncOpts []chattrix.SyncOption
		if cache != nil {
			syncOpts = append(syncOpts, chattrix.WithSyncCache(cache))
		}
		syncer := chattrix.NewSynchronizer(session, client, rt, syncOpts...)

		self := session.ProfileID()
		printer := newTailPrinter(os.Stdout, self)
		cs, err := syncer.Open(ctx, conversationID,
			chattrix.OnMessage(printer.Live),
			chattrix.OnTyping(func(profileID string, isTyping bool) {
				if isTyping {
					fmt.Printf("* %s is typing…\n", profileID)
				}
			}),
		)
		if err != nil {
			return err
		}
		defer cs.Close()

		printer.Flush(cs.Messages())

		composer := chattrix.NewComposer(session, client, rt, conversationID)
		defer composer.Close()

		// Watch the other participants' presence while the view is open.
		tracker := chattrix.NewPresenceTracker(client, rt,
			chattrix.OnPresenceChange(func(profileID string, info chattrix.PresenceInfo) {
				state := "offline"
				if info.Online {
					state = "online"
				}
				fmt.Printf("* %s is now %s\n", profileID, state)
			}),
		)
		defer tracker.Close()
		if participants, err := client.Participants.Profiles(ctx, conversationID); err == nil {
			var others []string
			for _, p := range participants {
				if p.ID != self {
					others = append(others, p.ID)
				}
			}
			if len(others) > 0 {
				if err := tracker.Watch(ctx, others); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: presence watch: %v\n", err)
				}
			}
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-sigCh:
				fmt.Println("\nLeaving.")
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if line == "" {
					continue
				}
				composer.SetDraft(line)
				composer.Keystroke(ctx)
				sendCtx, sendCancel := context.WithTimeout(ctx, 30*time.Second)
				if _, err := composer.Send(sendCtx); err != nil {
					fmt.Fprintf(os.Stderr, "Send failed: %v (draft kept)\n", err)
				}
				sendCancel()
			}
		}
	},
}

// tailPrinter serialises message output for the open command. A message
// streamed in before the history snapshot is rendered would otherwise
// appear in both, so Live holds lines back until Flush has printed the
// snapshot, and every id prints at most once.
type tailPrinter struct {
	out  io.Writer
	self string

	mu      sync.Mutex
	flushed bool
	held    []chattrix.Message
	seen    map[string]bool
}

func newTailPrinter(out io.Writer, self string) *tailPrinter {
	return &tailPrinter{out: out, self: self, seen: make(map[string]bool)}
}

// Live prints a streamed message, or holds it until the history is out.
func (p *tailPrinter) Live(m chattrix.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.flushed {
		p.held = append(p.held, m)
		return
	}
	p.printLocked(m)
}

// Flush renders the history snapshot, then any held live messages that
// raced ahead of it.
func (p *tailPrinter) Flush(history []chattrix.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range history {
		p.printLocked(m)
	}
	for _, m := range p.held {
		p.printLocked(m)
	}
	p.held = nil
	p.flushed = true
}

func (p *tailPrinter) printLocked(m chattrix.Message) {
	if p.seen[m.ID] {
		return
	}
	p.seen[m.ID] = true

	sender := m.ProfileID
	if m.Profile != nil {
		sender = m.Profile.DisplayName()
	}
	if m.ProfileID == p.self {
		sender = "me"
	}
	line := fmt.Sprintf("[%s] %s: %s", formatTimestamp(m.CreatedAt), sender, m.Content)
	if m.AttachmentName != nil {
		line += fmt.Sprintf(" (attachment: %s)", *m.AttachmentName)
	}
	if m.ReplyToMessageID != nil {
		line = "↪ " + line
	}
	fmt.Fprintln(p.out, line)
}
