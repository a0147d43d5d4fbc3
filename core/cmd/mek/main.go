// Command mek is the kernel's dispatcher: it starts the HTTP server by
// default, or runs one of a small set of operator subcommands (issue-grant,
// revoke-grant, doctor, replay) against the same stores the server uses.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mek-systems/mek/core/pkg/authority"
	"github.com/mek-systems/mek/core/pkg/capabilities/filesystem"
	"github.com/mek-systems/mek/core/pkg/capabilities/network"
	"github.com/mek-systems/mek/core/pkg/capabilities/process"
	"github.com/mek-systems/mek/core/pkg/capabilities/screen"
	"github.com/mek-systems/mek/core/pkg/client"
	"github.com/mek-systems/mek/core/pkg/config"
	"github.com/mek-systems/mek/core/pkg/mek"
	"github.com/mek-systems/mek/core/pkg/mekcrypto"
	"github.com/mek-systems/mek/core/pkg/observability"
	"github.com/mek-systems/mek/core/pkg/observerhub"
	"github.com/mek-systems/mek/core/pkg/patternlog"
	"github.com/mek-systems/mek/core/pkg/snapshot"
)

// ANSI colors, matching the rest of the pack's CLI output.
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorPurple = "\033[35m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can stub it out.
var startServer = runServer

// Run is the dispatcher entrypoint; factored out of main so it can be
// exercised directly from tests without an os.Exit.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "issue-grant":
		return runIssueGrantCmd(args[2:], stdout, stderr)
	case "revoke-grant":
		return runRevokeGrantCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(stdout, stderr)
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "-h", "--help", "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "%sunknown command: %s%s\n\n", ColorRed, args[1], ColorReset)
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "%sMEK %s%s\n", ColorBold+ColorBlue, "v0.1.0", ColorReset)
	fmt.Fprintf(w, "%sModels propose. The kernel disposes.%s\n\n", ColorGray, ColorReset)
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintf(w, "  mek [command] [flags]\n\n")
	fmt.Fprintf(w, "%sCOMMANDS:%s\n", ColorBold, ColorReset)
	fmt.Fprintf(w, "  %s%-14s%s %s\n", ColorGreen, "(none)", ColorReset, "start the HTTP server")
	fmt.Fprintf(w, "  %s%-14s%s %s\n", ColorGreen, "issue-grant", ColorReset, "issue an authority grant")
	fmt.Fprintf(w, "  %s%-14s%s %s\n", ColorGreen, "revoke-grant", ColorReset, "revoke an authority grant")
	fmt.Fprintf(w, "  %s%-14s%s %s\n", ColorGreen, "doctor", ColorReset, "run system health checks")
	fmt.Fprintf(w, "  %s%-14s%s %s\n", ColorGreen, "replay", ColorReset, "replay and verify the pattern log")
}

// kernel bundles every component runServer and the operator subcommands
// wire together, so each command can build exactly the slice it needs
// without duplicating construction order.
type kernel struct {
	cfg       *config.Config
	registry  *mek.Registry
	authority *authority.Store
	snapshots *snapshot.Store
	patterns  *patternlog.Store
	hub       *observerhub.Hub
	guard     *mek.Guard
	client    *client.Client
	keyring   *mekcrypto.KeyRing
	obs       *observability.Provider
	clock     *mek.SystemClock

	sliRegistry *observability.SLIRegistry
	sloTracker  *observability.SLOTracker
	timeline    *observability.AuditTimeline
}

// buildKernel wires every store, capability, and layer in the order the
// guard's constructor requires: registry before guard, stores before
// guard, signing key before anything that seals a pattern log entry.
func buildKernel(ctx context.Context, cfg *config.Config) (*kernel, error) {
	clock := mek.NewSystemClock()
	hub := observerhub.NewHub()

	authorityStore, err := authority.NewStore(cfg.AuthorityDBPath, clock, emitToHub(hub))
	if err != nil {
		return nil, fmt.Errorf("authority store: %w", err)
	}
	snapshots, err := snapshot.NewStore(cfg.SnapshotDBPath)
	if err != nil {
		return nil, fmt.Errorf("snapshot store: %w", err)
	}
	patterns, err := patternlog.NewStore(cfg.PatternLogDBPath)
	if err != nil {
		return nil, fmt.Errorf("pattern log store: %w", err)
	}

	registry := mek.NewRegistry()
	if err := registerBuiltinCapabilities(registry); err != nil {
		return nil, fmt.Errorf("register capabilities: %w", err)
	}
	registry.Lock()

	guard := mek.NewGuard(registry, authorityStore, snapshots, patterns, hub, clock)
	c := client.New(guard, authorityStore)

	keyring := mekcrypto.NewKeyRing()
	if cfg.SigningRootSecret != "" {
		signer, err := mekcrypto.DeriveSigningKey([]byte(cfg.SigningRootSecret), cfg.SigningKeyID)
		if err != nil {
			return nil, fmt.Errorf("derive signing key: %w", err)
		}
		keyring.AddKey(signer)
	} else {
		signer, err := mekcrypto.NewEd25519Signer(cfg.SigningKeyID)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		keyring.AddKey(signer)
	}

	obsCfg := &observability.Config{
		ServiceName:    "mek-kernel",
		ServiceVersion: "0.1.0",
		Environment:    cfg.ObservabilityEnv,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.ObservabilitySampleRt,
		Enabled:        cfg.ObservabilityEnabled,
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	guard.SetObservability(obs)

	sliRegistry, sloTracker := registerGateSLOs()
	timeline := observability.NewAuditTimeline()
	hub.Register(auditObserver(timeline, sloTracker))

	return &kernel{
		cfg:         cfg,
		registry:    registry,
		authority:   authorityStore,
		snapshots:   snapshots,
		patterns:    patterns,
		hub:         hub,
		guard:       guard,
		client:      c,
		keyring:     keyring,
		obs:         obs,
		clock:       clock,
		sliRegistry: sliRegistry,
		sloTracker:  sloTracker,
		timeline:    timeline,
	}, nil
}

// registerGateSLOs defines the SLIs and the one SLO target the burn-rate
// tracker ships with, retargeted from HTTP routes to gate operations. dispatch is
// the only operation with a tracked SLO target today; grant_lookup and
// friction_wait are registered as SLIs so `mek doctor` can report on the
// full set the tracker supports, even before a target is defined for them.
func registerGateSLOs() (*observability.SLIRegistry, *observability.SLOTracker) {
	sliRegistry := observability.NewSLIRegistry()
	_ = sliRegistry.Register(&observability.SLI{
		SLIID:             "dispatch-success-rate",
		Name:              "Capability dispatch success rate",
		Operation:         "dispatch",
		EssentialVariable: "gate_sequence_completion",
		Source:            observability.SLISourceMetric,
		Unit:              "%",
		LinkedSLOID:       "dispatch-availability",
	})
	_ = sliRegistry.Register(&observability.SLI{
		SLIID:             "grant-lookup-latency",
		Name:              "Grant lookup latency",
		Operation:         "grant_lookup",
		EssentialVariable: "authority_store_read_latency",
		Source:            observability.SLISourceMetric,
		Unit:              "ms",
	})
	_ = sliRegistry.Register(&observability.SLI{
		SLIID:             "friction-wait-observed",
		Name:              "Friction wait duration observed",
		Operation:         "friction_wait",
		EssentialVariable: "friction_duration",
		Source:            observability.SLISourceMetric,
		Unit:              "ms",
	})

	sloTracker := observability.NewSLOTracker()
	sloTracker.SetTarget(&observability.SLOTarget{
		SLOID:       "dispatch-availability",
		Name:        "Capability dispatch availability",
		Operation:   "dispatch",
		LatencyP99:  2 * time.Second,
		SuccessRate: 0.95,
		WindowHours: 24,
	})
	return sliRegistry, sloTracker
}

// auditObserver adapts the Hub's event stream into the audit timeline and
// the dispatch SLO: every execution_success/non_action/execution_failed
// event the Guard (or the Authority Store, for grant_issued/grant_revoked)
// emits becomes one TimelineEntry and, for the first three, one
// SLOObservation against the "dispatch" operation.
func auditObserver(timeline *observability.AuditTimeline, sloTracker *observability.SLOTracker) observerhub.Observer {
	entryTypes := map[observerhub.EventType]observability.TimelineEntryType{
		observerhub.EventGrantIssued:      observability.EntryTypeGrantIssued,
		observerhub.EventGrantRevoked:     observability.EntryTypeGrantRevoked,
		observerhub.EventExecutionSuccess: observability.EntryTypeExecution,
		observerhub.EventExecutionFailed:  observability.EntryTypeExecution,
		observerhub.EventNonAction:        observability.EntryTypeNonAction,
	}
	return func(eventType observerhub.EventType, details map[string]any) {
		entryType, ok := entryTypes[eventType]
		if !ok {
			return
		}
		sessionID, _ := details["context_id"].(string)
		_ = timeline.Record(observability.TimelineEntry{
			EntryType: entryType,
			SessionID: sessionID,
			Summary:   string(eventType),
			Details:   details,
		})

		switch eventType {
		case observerhub.EventExecutionSuccess, observerhub.EventExecutionFailed, observerhub.EventNonAction:
			sloTracker.Record(observability.SLOObservation{
				Operation: "dispatch",
				Success:   eventType == observerhub.EventExecutionSuccess,
			})
		}
	}
}

// emitToHub adapts a Hub's EventType-typed Emit to authority.EmitFunc's
// plain-string signature, so the Authority Store can report grant_issued
// and grant_revoked through the same hub the Guard emits gate outcomes to.
func emitToHub(hub *observerhub.Hub) authority.EmitFunc {
	return func(eventType string, details map[string]any) {
		hub.Emit(observerhub.EventType(eventType), details)
	}
}

// registerBuiltinCapabilities wires every capability the kernel ships with
// out of the box. A real deployment may register more through the same
// registry before the server starts serving requests — buildKernel locks
// the registry as soon as this function returns, so operators building their
// own binary can add capabilities here and nowhere else.
func registerBuiltinCapabilities(registry *mek.Registry) error {
	fsCfg := filesystem.DefaultConfig(os.TempDir())
	fsRead, err := filesystem.NewRead(fsCfg)
	if err != nil {
		return err
	}
	fsWrite, err := filesystem.NewWrite(fsCfg)
	if err != nil {
		return err
	}
	fsDelete, err := filesystem.NewDelete(fsCfg)
	if err != nil {
		return err
	}
	registry.Register(fsRead)
	registry.Register(fsWrite)
	registry.Register(fsDelete)

	procCfg := process.DefaultConfig()
	proc, err := process.New(procCfg)
	if err != nil {
		return err
	}
	registry.Register(proc)

	netCfg := network.DefaultConfig()
	fetch, err := network.New(netCfg, nil)
	if err != nil {
		return err
	}
	registry.Register(fetch)

	return nil
}

// registerScreenCapture registers screen.capture for a deployment that
// supplies a real pixel-capture Driver; this binary doesn't embed one, so
// it isn't called from registerBuiltinCapabilities.
func registerScreenCapture(registry *mek.Registry, driver screen.Driver, clock func() time.Time) error {
	capture, err := screen.New(screen.DefaultConfig(), driver, clock)
	if err != nil {
		return err
	}
	registry.Register(capture)
	return nil
}

func (k *kernel) Close(ctx context.Context) {
	if k.authority != nil {
		_ = k.authority.Close(ctx)
	}
	if k.snapshots != nil {
		_ = k.snapshots.Close()
	}
	if k.patterns != nil {
		_ = k.patterns.Close()
	}
	if k.obs != nil {
		_ = k.obs.Shutdown(ctx)
	}
}

//nolint:gocyclo
func runServer() {
	fmt.Fprintf(os.Stdout, "%smek kernel starting...%s\n", ColorBold+ColorBlue, ColorReset)
	ctx := context.Background()
	logger := slog.Default()

	cfg := config.Load()
	k, err := buildKernel(ctx, cfg)
	if err != nil {
		logger.Error("kernel init failed", "error", err)
		os.Exit(1)
	}
	defer k.Close(ctx)

	fmt.Fprintf(os.Stdout, "%sregistry:%s %d capabilities registered\n", ColorBold+ColorCyan, ColorReset, len(k.registry.List()))
	if cfg.ShadowMode {
		fmt.Fprintf(os.Stdout, "%sshadow mode enabled%s: gate outcomes recorded, nothing dispatched\n", ColorYellow, ColorReset)
	}

	srv := newHTTPServer(k, logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stdout, "%slistening%s on :%s\n", ColorBold+ColorGreen, ColorReset, cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server exited", "error", err)
		}
	case <-ctx.Done():
		fmt.Fprintf(os.Stdout, "\n%sshutting down...%s\n", ColorYellow, ColorReset)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
