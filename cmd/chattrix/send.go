package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	chattrix "github.com/chattrix/chattrix-go"
	"github.com/spf13/cobra"
)

var (
	sendReplyTo string
	sendAttach  string
)

func init() {
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Message ID to reply to")
	sendCmd.Flags().StringVar(&sendAttach, "attach", "", "Path of a file to attach")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [text...]",
	Short: "Send one message to a conversation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		text := strings.Join(args[1:], " ")

		cfg := mustConfig()
		client := newClient(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		session, err := restoreSession(ctx, client, cfg)
		if err != nil {
			return err
		}

		rt := chattrix.NewRealtime(client, nil)
		composer := chattrix.NewComposer(session, client, rt, conversationID)
		defer composer.Close()

		composer.SetDraft(text)
		if sendReplyTo != "" {
			composer.SetReplyTo(sendReplyTo)
		}
		if sendAttach != "" {
			data, err := os.ReadFile(sendAttach)
			if err != nil {
				return fmt.Errorf("read attachment: %w", err)
			}
			name := filepath.Base(sendAttach)
			contentType := mime.TypeByExtension(filepath.Ext(name))
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			composer.StageAttachment(&chattrix.Attachment{
				Name:        name,
				ContentType: contentType,
				Data:        data,
			})
		}

		sent, err := composer.Send(ctx)
		if err != nil {
			return err
		}
		if sent == nil {
			return fmt.Errorf("nothing to send: empty text and no attachment")
		}
		fmt.Printf("Sent %s\n", sent.ID)
		return nil
	},
}
