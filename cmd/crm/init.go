package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the API base URL in ~/.crm/config.toml",
	Long:  "Initialize the CRM CLI by storing the API base URL (e.g. https://school.example/crm/api/) in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL := args[0]
		u, err := url.Parse(baseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid base URL %q: expected http(s)://host/path", baseURL)
		}

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = baseURL
		if cfg.Storage.Backend == "" {
			cfg.Storage.Backend = "file"
		}

		if err := writeConfigFile(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configFile()
		fmt.Printf("Base URL saved to %s\n", path)
		return nil
	},
}
