package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/relayhub/relayhub/config"
)

func newRootCmd() *cobra.Command {
	var manifestPath, envFile string
	cmd := &cobra.Command{
		Use:   "relayhub",
		Short: "relayhub - supervised backend processes behind one HTTP relay",
		Long: `relayhub launches the processes declared in its manifest in dependency order,
keeps them running, and relays one public HTTP path to the backend once it is ready.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			if manifestPath != "" {
				cfg.ManifestPath = manifestPath
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "process manifest (default $RELAYHUB_MANIFEST or ./relayhub.yaml)")
	cmd.Flags().StringVar(&envFile, "env-file", "", "dotenv file loaded before the environment (default $RELAYHUB_ENV_FILE or ./.env)")
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "relayhub:", err)
		os.Exit(1)
	}
}
