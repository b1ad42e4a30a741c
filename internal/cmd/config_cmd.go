package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/switchyard-chat/switchyard/internal/config"
)

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect switchyard configuration",
		RunE:  runConfigShow, // default subcommand
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show [config-file]",
		Short: "Print the effective configuration with defaults applied",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigShow,
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate [config-file]",
		Short: "Check a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigValidate,
	})
	return configCmd
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args)
	if _, err := config.Load(configPath); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", configPath)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	masked := *cfg
	masked.Bridge.Token = maskSecret(cfg.Bridge.Token)
	masked.API.Auth.JWTSecret = maskSecret(cfg.API.Auth.JWTSecret)
	masked.Storage.DSN = maskSecret(cfg.Storage.DSN)
	if cfg.Storage.Driver == "sqlite" {
		masked.Storage.DSN = cfg.Storage.DSN
	}

	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	heading(cmd.OutOrStdout(), "Config: "+configPath)
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		if s == "" {
			return ""
		}
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
