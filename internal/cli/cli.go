// ============================================================================
// StatCore CLI
// Responsibility: Cobra command tree for the analysis job service
//
// Command Structure:
//   statcore                       # Root command
//   ├── run                        # Start the service
//   ├── submit                     # Submit a job over HTTP
//   │   └── --capability, --params, --timeout-ms, --wait
//   ├── status [jobID]             # Show service stats or one job
//   ├── capabilities               # List registered capabilities
//   ├── --config, -c               # Config file (all commands)
//   └── --version                  # Display version information
// ============================================================================

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/visvikbharti/stickforstats-sub000/internal/analysis"
	"github.com/visvikbharti/stickforstats-sub000/internal/cache"
	"github.com/visvikbharti/stickforstats-sub000/internal/capability"
	"github.com/visvikbharti/stickforstats-sub000/internal/metrics"
	"github.com/visvikbharti/stickforstats-sub000/internal/scheduler"
	"github.com/visvikbharti/stickforstats-sub000/internal/server"
	"github.com/visvikbharti/stickforstats-sub000/internal/stream"
	"github.com/visvikbharti/stickforstats-sub000/pkg/types"
)

var log = slog.Default()

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "statcore",
		Short: "StatCore: the analysis job service",
		Long: `StatCore runs statistical analysis capabilities as asynchronous jobs:
- content-addressed result caching and deduplication
- journal-based crash recovery
- live progress streaming over WebSocket
- Prometheus metrics`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCapabilitiesCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the StatCore service",
		Long:  "Start the scheduler, recover journaled jobs, and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return err
			}
			return runSystem(cfg)
		},
	}
}

func runSystem(cfg *Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting statcore", "config", configFile, "addr", cfg.Server.Addr)

	// Result store and cache.
	var store *cache.Store
	if cfg.Cache.Dir != "" || cfg.Cache.InMemory {
		var err error
		store, err = cache.OpenStore(cache.StoreConfig{
			Path:       cfg.Cache.Dir,
			InMemory:   cfg.Cache.InMemory,
			GCInterval: 10 * time.Minute,
		}, nil)
		if err != nil {
			return fmt.Errorf("failed to open result store: %w", err)
		}
		defer store.Close()
	}
	resultCache := cache.New(cache.Config{
		MaxEntries: cfg.Cache.MaxEntries,
		MaxBytes:   cfg.Cache.MaxBytes,
		TTL:        cfg.cacheTTL(),
	}, store, nil)
	if _, err := resultCache.WarmLoad(); err != nil {
		return fmt.Errorf("failed to warm result cache: %w", err)
	}

	// Capabilities.
	registry := capability.NewRegistry()
	registry.SetInvalidateHook(resultCache.InvalidateAll)
	if err := analysis.RegisterAll(registry); err != nil {
		return fmt.Errorf("failed to register capabilities: %w", err)
	}

	streams := stream.NewManager(stream.Config{
		MaxBacklog:     cfg.Stream.MaxBacklog,
		ChunkThreshold: cfg.Stream.ChunkThreshold,
		Retention:      cfg.streamRetention(),
	}, nil)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}
	sched, err := scheduler.New(scheduler.Config{
		Workers:          cfg.Scheduler.WorkerCount,
		MaxQueue:         cfg.Scheduler.MaxQueue,
		GraceTimeout:     cfg.graceTimeout(),
		SnapshotInterval: cfg.snapshotInterval(),
		Retention:        cfg.jobRetention(),
		JournalPath:      cfg.Journal.Path,
		SnapshotPath:     cfg.Journal.SnapshotPath,
	}, registry, resultCache, streams, collector)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	registry.SetInFlightProbe(sched.Table().RunningByCapability)

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	srv := server.New(server.Config{
		StreamIdleTimeout: cfg.streamIdleTimeout(),
	}, sched, registry, streams)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(cfg.Server.Addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "error", err)
		}
		sched.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("statcore stopped")
	return nil
}

// ============================================================================
// submit
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	var (
		addr       string
		capName    string
		params     string
		timeoutMs  int64
		wait       bool
		principal  string
		paramsFile string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an analysis job",
		Long:  "Submit a job to a running StatCore instance over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := LoadConfig(configFile)
				if err != nil {
					return err
				}
				addr = cfg.Server.Addr
			}
			if paramsFile != "" {
				data, err := os.ReadFile(paramsFile)
				if err != nil {
					return fmt.Errorf("failed to read params file: %w", err)
				}
				params = string(data)
			}
			return submitJob(addr, capName, params, principal, timeoutMs, wait)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "service address (default: config server.addr)")
	cmd.Flags().StringVar(&capName, "capability", "", "capability name")
	cmd.Flags().StringVar(&params, "params", "{}", "parameters as a JSON document")
	cmd.Flags().StringVar(&paramsFile, "params-file", "", "read parameters from a JSON file")
	cmd.Flags().StringVar(&principal, "principal", "", "principal reported to the service")
	cmd.Flags().Int64Var(&timeoutMs, "timeout-ms", 0, "job deadline in milliseconds (0 = none)")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job reaches a terminal state")
	cmd.MarkFlagRequired("capability")

	return cmd
}

func submitJob(addr, capName, params, principal string, timeoutMs int64, wait bool) error {
	body, err := json.Marshal(map[string]any{
		"capability": capName,
		"parameters": json.RawMessage(params),
		"timeoutMs":  timeoutMs,
	})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/api/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if principal != "" {
		req.Header.Set("X-Principal", principal)
	}

	var job types.Job
	if err := doRequest(req, http.StatusAccepted, &job); err != nil {
		return err
	}
	fmt.Printf("Submitted job %s (capability %s, state %s)\n", job.ID, job.CapabilityName, job.State)

	if !wait {
		return nil
	}
	for !job.State.Terminal() {
		time.Sleep(250 * time.Millisecond)
		if job, err = fetchJob(addr, job.ID); err != nil {
			return err
		}
	}
	return printJob(job)
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status [jobID]",
		Short: "Show service health or one job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := LoadConfig(configFile)
				if err != nil {
					return err
				}
				addr = cfg.Server.Addr
			}
			if len(args) == 1 {
				job, err := fetchJob(addr, types.JobID(args[0]))
				if err != nil {
					return err
				}
				return printJob(job)
			}
			return showHealth(addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "service address (default: config server.addr)")
	return cmd
}

func showHealth(addr string) error {
	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/healthz", nil)
	if err != nil {
		return err
	}
	var health struct {
		Status string         `json:"status"`
		Stats  map[string]any `json:"stats"`
	}
	if err := doRequest(req, http.StatusOK, &health); err != nil {
		return err
	}

	fmt.Printf("Status:  %s\n", health.Status)
	for _, key := range []string{"uptime", "workers", "queued", "running", "succeeded", "failed", "cancelled"} {
		if v, ok := health.Stats[key]; ok {
			fmt.Printf("  %-10s %v\n", key+":", v)
		}
	}
	return nil
}

// ============================================================================
// capabilities
// ============================================================================

func buildCapabilitiesCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "capabilities",
		Short: "List registered capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := LoadConfig(configFile)
				if err != nil {
					return err
				}
				addr = cfg.Server.Addr
			}

			req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/api/v1/capabilities", nil)
			if err != nil {
				return err
			}
			var body struct {
				Capabilities []capability.Info `json:"capabilities"`
			}
			if err := doRequest(req, http.StatusOK, &body); err != nil {
				return err
			}

			for _, info := range body.Capabilities {
				state := "enabled"
				if !info.Enabled {
					state = "disabled"
					if info.BrokenReason != "" {
						state = "broken: " + info.BrokenReason
					}
				}
				fmt.Printf("%-16s %-8s %s\n", info.Name, info.Version, state)
				if len(info.Dependencies) > 0 {
					fmt.Printf("%-16s depends on %v\n", "", info.Dependencies)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "service address (default: config server.addr)")
	return cmd
}

// ============================================================================
// HTTP helpers
// ============================================================================

var httpClient = &http.Client{Timeout: 10 * time.Second}

func doRequest(req *http.Request, wantStatus int, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != wantStatus {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("service returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("service returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func fetchJob(addr string, jobID types.JobID) (types.Job, error) {
	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/api/v1/jobs/"+string(jobID), nil)
	if err != nil {
		return types.Job{}, err
	}
	var job types.Job
	if err := doRequest(req, http.StatusOK, &job); err != nil {
		return types.Job{}, err
	}
	return job, nil
}

func printJob(job types.Job) error {
	fmt.Printf("Job:        %s\n", job.ID)
	fmt.Printf("Capability: %s\n", job.CapabilityName)
	fmt.Printf("State:      %s\n", job.State)
	fmt.Printf("Progress:   %d%%\n", job.ProgressPercent)
	if job.FromCache {
		fmt.Println("Source:     cache")
	}
	if job.CancelReason != "" {
		fmt.Printf("Reason:     %s\n", job.CancelReason)
	}
	if job.Error != "" {
		fmt.Printf("Error:      %s\n", job.Error)
	}
	if len(job.Result) > 0 {
		fmt.Printf("Result:     %s\n", string(job.Result))
	}
	return nil
}
