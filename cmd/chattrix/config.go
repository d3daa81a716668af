package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or edit the CLI configuration",
	Long:  "The configuration lives in ~/.chattrix/config.toml and holds the\nbackend URL, the anon key, and the saved login.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration file as stored",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			fmt.Printf("%s does not exist yet; 'chattrix config set default.base_url <url>' creates it.\n", path)
			return nil
		case err != nil:
			return fmt.Errorf("read config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Short:   "Write one configuration value",
	Example: "  chattrix config set default.base_url https://chat.example.com",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Printf("%s updated\n", args[0])
		return nil
	},
}
