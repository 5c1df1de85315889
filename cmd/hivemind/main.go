// hivemind: JSON lease allocation server for relayed clients.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/hivemind-dhcp/hivemind/internal/config"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultConfigPath = "/etc/hivemind/config.toml"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFiles []string

	cmd := &cobra.Command{
		Use:           "hivemind",
		Short:         "Lease allocation server for relayed JSON DHCP clients",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnvFiles(envFiles...); err != nil {
				return fmt.Errorf("loading env files: %w", err)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files with HIVEMIND_* overrides (missing files are skipped)")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newClientCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newConfigDumpCommand())
	return cmd
}

func newConfigDumpCommand() *cobra.Command {
	var (
		configPath string
		out        string
		format     string
	)

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print or write the effective configuration after env overrides and defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if out != "" {
				if err := config.Dump(cfg, out); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "configuration written to %s\n", out)
				return nil
			}
			data, err := config.Encode(cfg, format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().StringVar(&configPath, "config", defaultConfigPath, "path to configuration file")
	cmd.Flags().StringVar(&out, "out", "", "write to this file (format from extension) instead of stdout")
	cmd.Flags().StringVar(&format, "format", "toml", "stdout encoding: toml, json or yaml")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hivemind %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
