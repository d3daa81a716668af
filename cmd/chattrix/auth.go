package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	chattrix "github.com/chattrix/chattrix-go"
	"github.com/spf13/cobra"
)

var (
	registerFullName string
	whoamiJSON       bool
)

func init() {
	registerCmd.Flags().StringVar(&registerFullName, "full-name", "", "Display name for the profile")
	whoamiCmd.Flags().BoolVar(&whoamiJSON, "json", false, "Output as JSON")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
}

var registerCmd = &cobra.Command{
	Use:   "register <email> <password> <username>",
	Short: "Create an account and sign in",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client := newClient(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		session := chattrix.NewSession(client)
		res, err := session.Register(ctx, args[0], args[1], args[2], registerFullName)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("registration failed: %s", res.Error.Message)
		}

		if err := saveAuth(cfg, client.AccessToken(), res.Profile); err != nil {
			return err
		}
		fmt.Printf("Registered and signed in as %s\n", res.Profile.Username)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <email> <password>",
	Short: "Sign in and store the session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client := newClient(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		session := chattrix.NewSession(client)
		res, err := session.Login(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("login failed: %s", res.Error.Message)
		}

		if err := saveAuth(cfg, client.AccessToken(), res.Profile); err != nil {
			return err
		}
		fmt.Printf("Signed in as %s\n", res.Profile.Username)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear the stored session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client := newClient(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		session, err := restoreSession(ctx, client, cfg)
		if err == nil {
			if err := session.Logout(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
		}

		if err := clearAuth(cfg); err != nil {
			return err
		}
		fmt.Println("Signed out.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client := newClient(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		session, err := restoreSession(ctx, client, cfg)
		if err != nil {
			return err
		}
		profile := session.Profile()

		if whoamiJSON {
			out, err := json.MarshalIndent(profile, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		fmt.Printf("Username:  %s\n", profile.Username)
		if profile.FullName != nil {
			fmt.Printf("Full name: %s\n", *profile.FullName)
		}
		fmt.Printf("ID:        %s\n", profile.ID)
		status := "offline"
		if profile.OnlineStatus {
			status = "online"
		}
		fmt.Printf("Status:    %s\n", status)
		if profile.LastSeenAt != nil {
			fmt.Printf("Last seen: %s\n", formatTimestamp(*profile.LastSeenAt))
		}
		return nil
	},
}

// formatTimestamp renders an RFC3339 timestamp in local time, falling back
// to the raw string.
func formatTimestamp(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, ts); err != nil {
			return ts
		}
	}
	return t.Local().Format("2006-01-02 15:04")
}

// firstLine truncates s to one terminal-friendly line.
func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max]) + "…"
	}
	return s
}
