// ============================================================================
// Session Coordinator CLI
// ============================================================================
//
// Command Structure:
//   coordinator                      # Root command
//   ├── serve                        # Start the coordinator server
//   │   └── --config, -c            # Specify config file
//   ├── start                        # Submit a job to a running coordinator
//   │   ├── --owner                 # Owner key
//   │   ├── --kind                  # Job kind
//   │   └── --params / --file       # Inline JSON or a JSON file
//   ├── status                       # Query a job, or server health
//   ├── cancel                       # Cancel a job
//   ├── resume                       # Resume a hibernating job
//   ├── --version                    # Display version information
//   └── --help                       # Display help information
//
// Configuration Management:
//   Uses YAML format config file (default: configs/default.yaml)
//   Configuration items include:
//   - server: listen address
//   - storage: durable checkpoint backend (memory, file, sqlite)
//   - coordinator: actor and hibernation tunables
//   - synthesis: optional LLM synthesis engine (anthropic or openai)
//   - metrics: Prometheus monitoring configuration
//
// serve Command:
//   Starts the complete coordinator:
//   1. Load config file
//   2. Open the durable store and build the engine registry
//   3. Start Metrics HTTP server (if enabled)
//   4. Serve the WebSocket and REST endpoints
//   5. Listen for system signals (SIGINT, SIGTERM)
//   6. Gracefully shut down, checkpointing in-flight jobs
//
// The start/status/cancel/resume commands talk to a running coordinator
// over its REST API (--server, default http://localhost:8080).
//
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
	"syscall"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	openaisdk "github.com/openai/openai-go"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/inwardlab/session-coordinator/internal/actor"
	"github.com/inwardlab/session-coordinator/internal/engine"
	"github.com/inwardlab/session-coordinator/internal/engine/anthropic"
	"github.com/inwardlab/session-coordinator/internal/engine/openai"
	"github.com/inwardlab/session-coordinator/internal/metrics"
	"github.com/inwardlab/session-coordinator/internal/server"
	"github.com/inwardlab/session-coordinator/internal/store"
	"github.com/inwardlab/session-coordinator/pkg/types"
)

var log = slog.Default()

// Config represents the complete coordinator configuration structure.
// Maps config file fields through YAML tags.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Storage struct {
		Backend    string `yaml:"backend"` // memory, file, sqlite
		Dir        string `yaml:"dir"`
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"storage"`

	Coordinator struct {
		CallTimeout              time.Duration `yaml:"call_timeout"`
		Retention                time.Duration `yaml:"retention"`
		HibernateAfter           time.Duration `yaml:"hibernate_after"`
		HibernateCheckInterval   time.Duration `yaml:"hibernate_check_interval"`
		BatchHibernateCheckEvery int           `yaml:"batch_hibernate_check_every"`
		UnitPause                time.Duration `yaml:"unit_pause"`
		EstimatePerCall          time.Duration `yaml:"estimate_per_call"`
		IdleActorTTL             time.Duration `yaml:"idle_actor_ttl"`
	} `yaml:"coordinator"`

	Synthesis struct {
		Provider  string  `yaml:"provider"` // anthropic, openai, or empty
		Model     string  `yaml:"model"`
		MaxTokens int64   `yaml:"max_tokens"`
		Temp      float64 `yaml:"temperature"`
	} `yaml:"synthesis"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

var (
	configFile string
	serverURL  string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Stateful calculation session coordinator",
		Long: `A per-owner job coordinator with:
- Live progress streaming over WebSocket
- Batch calculations with per-unit checkpoints
- Hibernation and resume for long-running jobs
- Prometheus metrics`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "coordinator base URL for client commands")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildStartCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildResumeCommand())

	return rootCmd
}

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the coordinator server",
		Long:  "Start the WebSocket and REST endpoints with the configured storage backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage backend: %w", err)
	}
	defer st.Close()

	backend, err := buildEngines(cfg)
	if err != nil {
		return err
	}

	collector := metrics.NewDefaultCollector()
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server error", "error", err)
			}
		}()
		log.Info("metrics enabled", "port", cfg.Metrics.Port)
	}

	manager := actor.NewManager(actor.ManagerConfig{
		Actor: actor.Config{
			Backend:                  backend,
			Store:                    st,
			Metrics:                  collector,
			CallTimeout:              cfg.Coordinator.CallTimeout,
			Retention:                cfg.Coordinator.Retention,
			HibernateAfter:           cfg.Coordinator.HibernateAfter,
			HibernateCheckInterval:   cfg.Coordinator.HibernateCheckInterval,
			BatchHibernateCheckEvery: cfg.Coordinator.BatchHibernateCheckEvery,
			UnitPause:                cfg.Coordinator.UnitPause,
			EstimatePerCall:          cfg.Coordinator.EstimatePerCall,
		},
		IdleActorTTL: cfg.Coordinator.IdleActorTTL,
	})

	addr := cfg.Server.Addr
	if addr == "" {
		addr = ":8080"
	}
	srv := server.New(addr, manager)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		manager.Stop()
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigChan:
		log.Info("shutdown signal received", "signal", sig.String())
	}

	// Drain HTTP first, then stop actors so in-flight jobs checkpoint as
	// hibernating and can be resumed by the next instance.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
	manager.Stop()

	log.Info("coordinator stopped")
	return nil
}

func openStore(cfg *Config) (store.Store, error) {
	switch cfg.Storage.Backend {
	case "", "memory":
		return store.NewMemory(), nil
	case "file":
		dir := cfg.Storage.Dir
		if dir == "" {
			dir = "data/jobs"
		}
		return store.NewFile(dir)
	case "sqlite":
		path := cfg.Storage.SQLitePath
		if path == "" {
			path = "data/coordinator.db"
		}
		return store.OpenSQLite(path)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// buildEngines assembles the calculation engine registry. The echo engine
// is always present; daily_forecast aliases to it unless a synthesis
// provider is configured, in which case forecasts run through the LLM.
func buildEngines(cfg *Config) (engine.Backend, error) {
	reg := engine.NewRegistry()
	reg.Register("echo", engine.Echo)

	var synth engine.Func
	switch cfg.Synthesis.Provider {
	case "":
	case "anthropic":
		s := anthropic.New(func(o *anthropic.Options) {
			if cfg.Synthesis.Model != "" {
				o.Model = anthropicsdk.Model(cfg.Synthesis.Model)
			}
			if cfg.Synthesis.MaxTokens > 0 {
				o.MaxTokens = cfg.Synthesis.MaxTokens
			}
			if cfg.Synthesis.Temp > 0 {
				o.Temperature = cfg.Synthesis.Temp
			}
		})
		synth = s.Calculate
	case "openai":
		s := openai.New(func(o *openai.Options) {
			if cfg.Synthesis.Model != "" {
				o.Model = openaisdk.ChatModel(cfg.Synthesis.Model)
			}
			if cfg.Synthesis.MaxTokens > 0 {
				o.MaxCompletionTokens = cfg.Synthesis.MaxTokens
			}
			if cfg.Synthesis.Temp > 0 {
				o.Temperature = cfg.Synthesis.Temp
			}
		})
		synth = s.Calculate
	default:
		return nil, fmt.Errorf("unknown synthesis provider %q", cfg.Synthesis.Provider)
	}

	if synth != nil {
		reg.Register("synthesis", synth)
		reg.Register(string(types.KindDailyForecast), synth)
	} else {
		reg.Register(string(types.KindDailyForecast), engine.Echo)
	}
	return reg, nil
}

// ============================================================================
// Client commands - thin REST wrappers around a running coordinator
// ============================================================================

func buildStartCommand() *cobra.Command {
	var owner, kind, params, paramsFile string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Submit a job",
		Long:  "Submit a job to a running coordinator and print the accepted job",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := json.RawMessage(params)
			if paramsFile != "" {
				data, err := os.ReadFile(paramsFile)
				if err != nil {
					return fmt.Errorf("failed to read params file: %w", err)
				}
				raw = data
			}
			body, err := json.Marshal(map[string]any{
				"ownerId":    owner,
				"kind":       kind,
				"parameters": raw,
			})
			if err != nil {
				return err
			}
			return callAPI(http.MethodPost, "/v1/jobs", body)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owner key the job belongs to")
	cmd.Flags().StringVar(&kind, "kind", "calculation", "job kind: calculation, daily_forecast, weekly_forecast, batch")
	cmd.Flags().StringVar(&params, "params", "{}", "job parameters as inline JSON")
	cmd.Flags().StringVar(&paramsFile, "file", "", "JSON file containing job parameters")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [jobID]",
		Short: "Show job status, or server health with no argument",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return callAPI(http.MethodGet, "/healthz", nil)
			}
			return callAPI(http.MethodGet, "/v1/jobs/"+args[0], nil)
		},
	}
}

func buildCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <jobID>",
		Short: "Cancel a pending or processing job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAPI(http.MethodPost, "/v1/jobs/"+args[0]+"/cancel", nil)
		},
	}
}

func buildResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <jobID>",
		Short: "Resume a hibernating job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAPI(http.MethodPost, "/v1/jobs/"+args[0]+"/resume", nil)
		},
	}
}

// callAPI performs one request against the coordinator and pretty-prints
// the JSON response.
func callAPI(method, path string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, serverURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator unreachable at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		pretty.Write(data)
	}
	fmt.Println(pretty.String())

	if resp.StatusCode >= 400 {
		return fmt.Errorf("coordinator returned %s", resp.Status)
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}
