package main

import (
	"context"
	"fmt"
	"os"

	chattrix "github.com/chattrix/chattrix-go"
)

// newClient creates a backend client from the stored configuration.
func newClient(cfg *Config) *chattrix.Client {
	var opts []chattrix.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chattrix.WithBaseURL(cfg.Default.BaseURL))
	}
	return chattrix.NewClient(cfg.Default.AnonKey, opts...)
}

// mustConfig loads the config or exits.
func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// restoreSession revives the stored session against the backend. The
// returned session is signed in and its profile marked online.
func restoreSession(ctx context.Context, client *chattrix.Client, cfg *Config) (*chattrix.Session, error) {
	if cfg.Auth.AccessToken == "" {
		return nil, fmt.Errorf("not signed in. Run 'chattrix login' first")
	}
	session := chattrix.NewSession(client)
	res, err := session.Restore(ctx, cfg.Auth.AccessToken)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("session expired: %s. Run 'chattrix login' again", res.Error.Message)
	}
	return session, nil
}

// openCache opens the local SQLite cache under ~/.chattrix.
func openCache() (*chattrix.Cache, error) {
	dir, err := configDir()
	if err != nil {
		return nil, err
	}
	return chattrix.OpenCache(dir)
}

// saveAuth persists the session state after login or register.
func saveAuth(cfg *Config, accessToken string, profile *chattrix.Profile) error {
	cfg.Auth.AccessToken = accessToken
	if profile != nil {
		cfg.Auth.ProfileID = profile.ID
		cfg.Auth.Username = profile.Username
	}
	return saveConfig(cfg)
}

// clearAuth wipes the stored session state.
func clearAuth(cfg *Config) error {
	cfg.Auth = ConfigAuth{}
	return saveConfig(cfg)
}
