package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nullsector/detonator/internal/config"
	"github.com/nullsector/detonator/internal/vmctl"
)

var gcCmd = &cobra.Command{
	Use:   "gc [vm-name]",
	Short: "Force every configured VM (or just vm-name) back to a clean powered-off state",
	Long: `gc runs CleanupResources directly against the virtualization CLI,
bypassing the Pipeline and the running server's pool entirely. Use it
after a crashed or killed detonator process to clear VMs a pipeline
left mid-run, before starting serve again.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGC,
}

func init() {
	rootCmd.AddCommand(gcCmd)
}

func runGC(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return wrapConfigError(err)
	}

	ctrl := vmctl.NewController(cfg.Server.CLIPath)
	ctx := context.Background()

	if len(args) == 1 {
		vm, ok := cfg.FindVM(args[0])
		if !ok {
			return wrapConfigError(fmt.Errorf("gc: unknown vm %q", args[0]))
		}
		return gcOne(ctx, ctrl, vm.VMName)
	}

	failed := 0
	for _, vm := range cfg.VMs {
		if err := gcOne(ctx, ctrl, vm.VMName); err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("gc: %d of %d VMs failed to clean", failed, len(cfg.VMs))
	}
	return nil
}

func gcOne(ctx context.Context, ctrl *vmctl.Controller, vmName string) error {
	if err := ctrl.CleanupResources(ctx, vmName); err != nil {
		fmt.Fprintf(os.Stderr, "%s: failed: %v\n", vmName, err)
		return err
	}
	fmt.Printf("%s: clean\n", vmName)
	return nil
}
