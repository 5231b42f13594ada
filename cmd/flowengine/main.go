// Command flowengine runs workflow definitions and manages the engine's
// database schema.
//
// Usage:
//
//	flowengine run --definition flow.yaml --input '{"x":1}'   # execute a definition
//	flowengine validate --definition flow.yaml                # check and show the plan
//	flowengine serve --config config.yaml                     # long-running worker with metrics
//	flowengine migrate up|down|status                         # schema migrations
//	flowengine version
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	flowengine "github.com/pathware/flowengine"
	"github.com/pathware/flowengine/config"
	"github.com/pathware/flowengine/engine"
	"github.com/pathware/flowengine/internal/migration"
	"github.com/pathware/flowengine/types"
	"github.com/pathware/flowengine/workflow"
)

// Build metadata, injected via ldflags.
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(os.Args[2:])
	case "validate":
		err = cmdValidate(os.Args[2:])
	case "serve":
		err = cmdServe(os.Args[2:])
	case "migrate":
		err = cmdMigrate(os.Args[2:])
	case "version":
		fmt.Printf("flowengine %s (built %s)\n", version, buildTime)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`flowengine - workflow orchestration engine

Commands:
  run       execute a definition file and print the run report
  validate  check a definition and print its execution plan
  serve     run as a long-lived worker with a metrics endpoint
  migrate   apply schema migrations (up, down, status)
  version   print build information`)
}

func newApp(configPath string) (*flowengine.App, error) {
	opts := []flowengine.Option{flowengine.WithConfigFile(configPath)}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	// sqlite deployments get their schema on the fly; server databases
	// use the versioned migrations.
	if cfg.Database.Driver == "sqlite" {
		opts = append(opts, flowengine.WithAutoMigrate())
	}
	return flowengine.New(opts...)
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	defPath := fs.String("definition", "", "definition YAML file (required)")
	inputJSON := fs.String("input", "{}", "run input as JSON")
	triggeredBy := fs.String("triggered-by", "cli", "trigger label recorded on the run")
	timeout := fs.Duration("timeout", 10*time.Minute, "overall run timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *defPath == "" {
		return fmt.Errorf("--definition is required")
	}

	def, err := workflow.LoadDefinitionFile(*defPath)
	if err != nil {
		return err
	}
	var input types.Payload
	if err := json.Unmarshal([]byte(*inputJSON), &input); err != nil {
		return fmt.Errorf("parse --input: %w", err)
	}

	app, err := newApp(*configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	defer app.Close(context.Background())

	report, err := app.Engine.Execute(ctx, def, input, *triggeredBy)
	if err != nil {
		return err
	}
	return printJSON(runReport(report))
}

func cmdValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	defPath := fs.String("definition", "", "definition YAML file (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *defPath == "" {
		return fmt.Errorf("--definition is required")
	}

	def, err := workflow.LoadDefinitionFile(*defPath)
	if err != nil {
		return err
	}
	plan, err := workflow.Resolve(def)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %d nodes, %d edges, %d waves\n",
		workflow.Ref{ID: def.ID, Version: def.Version}, len(def.Nodes), len(def.Edges), len(plan.Waves))
	for i, wave := range plan.Waves {
		fmt.Printf("  wave %d: %s\n", i+1, strings.Join(wave, ", "))
	}
	return nil
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	app, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer app.Close(context.Background())
	logger := app.Logger

	var metricsSrv *http.Server
	if app.PromRegistry != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(app.PromRegistry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		metricsSrv = &http.Server{Addr: app.Config.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics listener started", zap.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info("shutting down", zap.String("signal", sig.String()))

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

func cmdMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	databaseURL := fs.String("database-url", "", "override the migration database URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	action := fs.Arg(0)
	if action == "" {
		action = "status"
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	url := *databaseURL
	if url == "" {
		url = migrationURL(cfg.Database)
	}

	logger, err := flowengine.BuildLogger(cfg.Log)
	if err != nil {
		return err
	}
	mg, err := migration.New(cfg.Database.Driver, url, logger)
	if err != nil {
		return err
	}
	defer mg.Close()

	switch action {
	case "up":
		return mg.Up()
	case "down":
		return mg.Down()
	case "status":
		v, dirty, err := mg.Version()
		if err != nil {
			return err
		}
		fmt.Printf("schema version %d (dirty=%v)\n", v, dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate action %q (want up, down, or status)", action)
	}
}

// migrationURL builds a golang-migrate database URL from the configured
// driver and DSN.
func migrationURL(cfg config.DatabaseConfig) string {
	switch cfg.Driver {
	case "sqlite":
		return "sqlite://" + cfg.DSN
	case "mysql":
		return "mysql://" + cfg.DSN
	default:
		// postgres DSNs are already URLs.
		return cfg.DSN
	}
}

type stepSummary struct {
	NodeID   string `json:"node_id"`
	TypeKey  string `json:"type_key"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
	Output   any    `json:"output,omitempty"`
}

type reportSummary struct {
	RunID      string        `json:"run_id"`
	Definition string        `json:"definition"`
	Status     string        `json:"status"`
	Duration   string        `json:"duration"`
	Steps      []stepSummary `json:"steps"`
}

func runReport(report *engine.StatusReport) reportSummary {
	out := reportSummary{
		RunID:      report.Run.RunID,
		Definition: fmt.Sprintf("%s@%d", report.Run.DefinitionID, report.Run.DefinitionVersion),
		Status:     string(report.Run.Status),
		Duration:   report.Run.Duration().String(),
	}
	for _, s := range report.Steps {
		out.Steps = append(out.Steps, stepSummary{
			NodeID:   s.NodeID,
			TypeKey:  s.TypeKey,
			Status:   string(s.Status),
			Attempts: s.AttemptCount,
			Error:    s.Error,
			Output:   map[string]any(s.Output),
		})
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
