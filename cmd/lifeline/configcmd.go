package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/avermeil/lifeline/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(configCheckCmd(), configInitCmd())
	return cmd
}

func configCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <path>",
		Short: "Validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			fmt.Println("Configuration OK")
			fmt.Printf("  gateway: %s\n", cfg.Gateway.Listen)
			fmt.Printf("  cron store: %s\n", cfg.Cron.StorePath)
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Interactively generate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := "lifeline.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists, refusing to overwrite", path)
			}

			listen := ":8080"
			storePath := "data/jobs.json"
			authToken := ""
			quietHours := ""
			pairingToken := ""

			form := huh.NewForm(
				huh.NewGroup(
					huh.NewInput().
						Title("Gateway listen address").
						Value(&listen),
					huh.NewInput().
						Title("Cron job store path").
						Value(&storePath),
					huh.NewInput().
						Title("Admin API token (empty disables the admin API)").
						EchoMode(huh.EchoModePassword).
						Value(&authToken),
				),
				huh.NewGroup(
					huh.NewInput().
						Title("Heartbeat quiet hours (HH:MM-HH:MM, empty for none)").
						Value(&quietHours),
					huh.NewInput().
						Title("Node pairing token (empty disables node connections)").
						EchoMode(huh.EchoModePassword).
						Value(&pairingToken),
				),
			)
			if err := form.Run(); err != nil {
				return err
			}

			body := renderConfig(listen, storePath, authToken, quietHours, pairingToken)
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				return err
			}

			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func renderConfig(listen, storePath, authToken, quietHours, pairingToken string) string {
	var b strings.Builder
	b.WriteString("version: \"1\"\n\n")

	b.WriteString("gateway:\n")
	fmt.Fprintf(&b, "  listen: %q\n", listen)
	if authToken != "" {
		fmt.Fprintf(&b, "  auth_token: %q\n", authToken)
	}

	b.WriteString("\ncron:\n")
	fmt.Fprintf(&b, "  store_path: %q\n", storePath)

	if quietHours != "" {
		b.WriteString("\nheartbeat:\n")
		fmt.Fprintf(&b, "  quiet_hours: %q\n", quietHours)
	}

	if pairingToken != "" {
		b.WriteString("\nnode:\n")
		b.WriteString("  pairing_tokens:\n")
		fmt.Fprintf(&b, "    - %q\n", pairingToken)
	}

	return b.String()
}
