package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nullsector/detonator/internal/auditlog"
	"github.com/nullsector/detonator/internal/collector"
	"github.com/nullsector/detonator/internal/config"
	"github.com/nullsector/detonator/internal/guestcmd"
	"github.com/nullsector/detonator/internal/httpapi"
	"github.com/nullsector/detonator/internal/metrics"
	"github.com/nullsector/detonator/internal/model"
	"github.com/nullsector/detonator/internal/netisolate"
	"github.com/nullsector/detonator/internal/orchestrator"
	"github.com/nullsector/detonator/internal/pipeline"
	"github.com/nullsector/detonator/internal/store"
	"github.com/nullsector/detonator/internal/vmctl"
	"github.com/nullsector/detonator/internal/vmpool"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the analysis orchestrator",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("audit-db", "", "path to the CLI audit trail database (empty disables it)")
	viper.BindPFlag("server.audit_db", serveCmd.Flags().Lookup("audit-db"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return wrapConfigError(err)
	}

	var audit *auditlog.Recorder
	if dbPath := viper.GetString("server.audit_db"); dbPath != "" {
		audit, err = auditlog.Open(dbPath, log)
		if err != nil {
			return fmt.Errorf("open audit db: %w", err)
		}
		defer audit.Close()
	}

	ctrl := vmctl.NewController(cfg.Server.CLIPath)
	if audit != nil {
		ctrl.Audit = audit
	}

	guest := guestcmd.NewLayer(ctrl)
	pool := vmpool.New(cfg.VMs)
	collectors := buildCollectors(guest, cfg.VMs, cfg.Analysis.VMStartupTimeout)

	// Tap interfaces follow the fixed "tap-<vm_name>" naming convention;
	// there is no separate config knob for it. Every pipeline applies
	// isolation once the guest is ready, whatever the allowlist holds;
	// an empty analysis.network_allowlist blocks all egress.
	netIso := pipeline.NetIsolation(netisolate.NewController(func(vm string) string {
		return "tap-" + vm
	}))

	runner := pipeline.NewRunner(ctrl, guest, pool, collectors, netIso, log)
	st := store.New()
	m := metrics.New()
	orch := orchestrator.New(runner, st, m, orchestrator.Config{
		QueueSize:          cfg.Analysis.QueueSize,
		MaxConcurrentTasks: cfg.Analysis.MaxConcurrentTasks,
		PerVMMaxTimeout:    cfg.Analysis.PerVMTimeout,
		GUIMode:            cfg.Analysis.GUIMode,
		NetworkAllowlist:   cfg.Analysis.NetworkAllowlist,
		Timeouts: pipeline.Timeouts{
			AcquireWait:             cfg.Analysis.PerVMTimeout,
			Restore:                 cfg.Analysis.VMStartupTimeout,
			PowerOn:                 cfg.Analysis.VMStartupTimeout,
			WaitGuestReady:          cfg.Analysis.VMStartupTimeout,
			Upload:                  cfg.Analysis.VMStartupTimeout,
			DetonationReactionDwell: cfg.Analysis.DetonationDwell,
			Execute:                 cfg.Analysis.VMStartupTimeout,
			MonitoringWindow:        cfg.Analysis.MonitoringWindow,
			DetonationGrace:         cfg.Analysis.DetonationGrace(),
			Collect:                 cfg.Analysis.MonitoringWindow,
		},
	}, log)

	api := httpapi.New(orch, st, poolAdapter{pool}, m, httpapi.Config{
		APIKey:      cfg.Server.APIKey,
		UploadDir:   cfg.Server.UploadDir,
		MaxFileSize: cfg.Server.MaxFileSize,
		AllVMs:      cfg.VMs,
	}, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	orch.Start(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.Routes(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("detonator serving", "port", cfg.Server.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// buildCollectors registers one Collector per distinct AgentKind found
// across cfg.VMs. Each collector is built from the credentials/log path
// of the last VM in cfg.VMs with that AgentKind; VMs sharing an
// AgentKind share that collector's configuration.
func buildCollectors(guest *guestcmd.Layer, vms []model.VMSpec, collectDeadline time.Duration) *collector.Registry {
	reg := collector.NewRegistry()
	for _, vm := range vms {
		if vm.AgentKind == model.AgentBehavioral {
			reg.Register(vm.AgentKind, collector.NewBehavioralCollector(guest, vm.AgentLogPath, vm.EventIDMap, vm.GuestUser, vm.GuestPassword, collectDeadline))
			continue
		}
		reg.Register(vm.AgentKind, collector.NewSecurityAgentCollector(guest, vm.AgentLogPath, vm.GuestUser, vm.GuestPassword, collectDeadline))
	}
	return reg
}

// poolAdapter narrows *vmpool.Pool's Snapshot to the shape
// internal/httpapi expects, so httpapi never imports vmpool directly.
type poolAdapter struct{ pool *vmpool.Pool }

func (a poolAdapter) Snapshot() []httpapi.PoolHealth {
	snap := a.pool.Snapshot()
	out := make([]httpapi.PoolHealth, len(snap))
	for i, h := range snap {
		out[i] = httpapi.PoolHealth{VMName: h.VMName, Leased: h.Leased, NeedsAttention: h.NeedsAttention, Reason: h.Reason}
	}
	return out
}
