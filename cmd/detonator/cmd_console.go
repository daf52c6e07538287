package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nullsector/detonator/internal/config"
	"github.com/nullsector/detonator/internal/console"
)

var consoleCmd = &cobra.Command{
	Use:   "console <vm>",
	Short: "Attach an interactive shell to a configured VM for live debugging",
	Long:  "console relays the operator's terminal to a guest shell. It is never used by the Pipeline and must not be left attached during an analysis run.",
	Args:  cobra.ExactArgs(1),
	RunE:  runConsole,
}

func init() {
	consoleCmd.Flags().String("shell", "/bin/sh", "guest shell to run")
	rootCmd.AddCommand(consoleCmd)
}

func runConsole(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return wrapConfigError(err)
	}

	vm, ok := cfg.FindVM(args[0])
	if !ok {
		return wrapConfigError(fmt.Errorf("console: unknown vm %q", args[0]))
	}
	shell, _ := cmd.Flags().GetString("shell")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return console.Attach(ctx, cfg.Server.CLIPath, vm.VMName, vm.GuestUser, vm.GuestPassword, shell)
}
