package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	chattrix "github.com/chattrix/chattrix-go"
	"github.com/spf13/cobra"
)

var chatsJSON bool

func init() {
	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(searchCmd)
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List conversations, newest activity first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client := newClient(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		cache, err := openCache()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: cache unavailable: %v\n", err)
		} else {
			defer cache.Close()
		}

		views, err := fetchConversations(ctx, client, cfg, cache)
		if err != nil {
			// Backend unreachable: fall back to the local cache.
			if cache == nil {
				return err
			}
			cached, cacheErr := cache.Conversations()
			if cacheErr != nil || len(cached) == 0 {
				return err
			}
			fmt.Fprintf(os.Stderr, "Backend unreachable (%v), showing cached data.\n", err)
			views = cached
		}

		if chatsJSON {
			out, err := json.MarshalIndent(views, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		if len(views) == 0 {
			fmt.Println("No conversations yet. Run 'chattrix start <user-id>' to begin one.")
			return nil
		}
		for _, v := range views {
			preview := ""
			if v.LastMessage != nil {
				preview = firstLine(chattrix.Preview(*v.LastMessage), 48)
			}
			fmt.Printf("%-36s  %-30s  %-16s  %s\n", v.ID, firstLine(v.Title, 30), formatTimestamp(v.UpdatedAt), preview)
		}
		return nil
	},
}

func fetchConversations(ctx context.Context, client *chattrix.Client, cfg *Config, cache *chattrix.Cache) ([]chattrix.ConversationView, error) {
	session, err := restoreSession(ctx, client, cfg)
	if err != nil {
		return nil, err
	}
	var opts []chattrix.DirectoryOption
	if cache != nil {
		opts = append(opts, chattrix.WithDirectoryCache(cache))
	}
	dir := chattrix.NewDirectory(session, client, opts...)
	return dir.List(ctx)
}

var startCmd = &cobra.Command{
	Use:   "start <profile-id> [profile-id...]",
	Short: "Start a conversation with the given users",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client := newClient(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		session, err := restoreSession(ctx, client, cfg)
		if err != nil {
			return err
		}

		dir := chattrix.NewDirectory(session, client)
		conv, err := dir.Start(ctx, args)
		if err != nil {
			return err
		}
		fmt.Printf("Started conversation %s\n", conv.ID)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find users by username or full name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client := newClient(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		session, err := restoreSession(ctx, client, cfg)
		if err != nil {
			return err
		}

		users, err := client.Profiles.Search(ctx, args[0], session.ProfileID())
		if err != nil {
			return err
		}
		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		for _, u := range users {
			fmt.Printf("%-36s  %-20s  %s\n", u.ID, u.Username, u.DisplayName())
		}
		return nil
	},
}
