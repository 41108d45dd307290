// Command kiln runs the reconcile loop described in SPEC_FULL.md: poll
// one or more GitHub Projects boards, drive issues through
// Research/Plan/Implement via an external code-generation subprocess, and
// serve Prometheus metrics. It replaces the teacher's cmd/ai-flow, whose
// webhook-driven orchestrator this package's reconciler+dispatcher+engine
// trio supersedes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/dispatcher"
	"github.com/kilnhq/kiln/internal/engine"
	"github.com/kilnhq/kiln/internal/executor"
	"github.com/kilnhq/kiln/internal/gitutil"
	"github.com/kilnhq/kiln/internal/metrics"
	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/reconciler"
	"github.com/kilnhq/kiln/internal/store"
	"github.com/kilnhq/kiln/internal/ticket"
	"github.com/kilnhq/kiln/internal/workspace"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	dbPath := flag.String("db", "kiln.db", "path to SQLite database")
	flag.Parse()

	args := flag.Args()
	verb := "run"
	if len(args) > 0 {
		verb = args[0]
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("loading config", "error", err)
		os.Exit(1)
	}

	switch verb {
	case "run":
		runDaemon(cfg, *dbPath, log)
	case "reset":
		resetIssue(cfg, *dbPath, log, args[1:])
	case "logs":
		tailLogs(*dbPath, log, args[1:])
	default:
		log.Error("unknown command", "command", verb)
		os.Exit(1)
	}
}

func buildClient(cfg *config.Config) (ticket.Client, error) {
	if cfg.Ticket.EnterpriseAPIURL != "" {
		return ticket.NewEnterpriseGitHubClient(cfg.Ticket.Token, cfg.Ticket.EnterpriseAPIURL, cfg.Ticket.EnterpriseUploadURL)
	}
	return ticket.NewGitHubClient(cfg.Ticket.Token), nil
}

func runDaemon(cfg *config.Config, dbPath string, log *slog.Logger) {
	log.Info("config loaded",
		"port", cfg.Server.Port,
		"projects", len(cfg.Ticket.ProjectURLs),
		"maxConcurrent", cfg.Executor.MaxConcurrent,
	)

	st, err := store.New(dbPath)
	if err != nil {
		log.Error("opening database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if n, err := st.ReapRunningRuns(); err != nil {
		log.Warn("reaping running runs failed", "error", err)
	} else if n > 0 {
		log.Info("recovered running runs left over from a prior crash", "count", n)
	}

	client, err := buildClient(cfg)
	if err != nil {
		log.Error("constructing ticket client", "error", err)
		os.Exit(1)
	}
	if gh, ok := client.(*ticket.GitHubClient); ok {
		scopeCtx, scopeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := gh.CheckScopes(scopeCtx)
		scopeCancel()
		if err != nil {
			log.Error("token credential scope check failed", "error", err)
			os.Exit(1)
		}
	}

	git, err := gitutil.NewManager()
	if err != nil {
		log.Error("git/gh not available", "error", err)
		os.Exit(1)
	}
	ws := workspace.New(cfg.Workspace.Root, git)
	ex := executor.NewRunner(cfg.Executor.MaxConcurrent)

	eng := engine.New(cfg, client, st, ws, git, ex, log)
	disp := dispatcher.New(cfg.Executor.MaxConcurrent)
	rec := reconciler.New(cfg, client, st, eng, disp, log)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	metricsSrv := metrics.NewServer(addr, log)
	metricsSrv.StartAsync()
	log.Info("metrics server starting", "addr", addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go rec.Run(ctx)

	<-ctx.Done()
	log.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		log.Error("metrics server shutdown error", "error", err)
	}
	log.Info("shutdown complete")
}

// resetIssue applies the reset label to an issue via the ticket client so
// the next poll tick runs the Reset operation, rather than mutating kiln's
// own state directly — keeping the tracker the single source of truth
// (SPEC_FULL.md §3).
func resetIssue(cfg *config.Config, dbPath string, log *slog.Logger, args []string) {
	if len(args) < 1 {
		log.Error("usage: kiln reset <host>/<owner>/<repo>#<number>")
		os.Exit(1)
	}
	ref, err := model.ParseIssueRef(args[0])
	if err != nil {
		log.Error("parsing issue reference", "error", err)
		os.Exit(1)
	}

	client, err := buildClient(cfg)
	if err != nil {
		log.Error("constructing ticket client", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.AddLabel(ctx, ref, model.LabelReset); err != nil {
		log.Error("applying reset label", "error", err)
		os.Exit(1)
	}
	log.Info("reset label applied, next poll tick will reset the issue", "issue", ref.String())
}

// tailLogs prints the recent run history for an issue from the Store,
// then tails the most recent run's log file (spec.md §6) if one was
// recorded, for operators diagnosing a stuck pipeline without leaving the
// terminal.
func tailLogs(dbPath string, log *slog.Logger, args []string) {
	if len(args) < 1 {
		log.Error("usage: kiln logs <host>/<owner>/<repo>#<number>")
		os.Exit(1)
	}
	st, err := store.New(dbPath)
	if err != nil {
		log.Error("opening database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	runs, err := st.RecentRuns(args[0], 20)
	if err != nil {
		log.Error("reading run history", "error", err)
		os.Exit(1)
	}
	for _, r := range runs {
		fmt.Printf("%s\t%s\t%s\texit=%d\t%s\n", r.StartedAt.Format(time.RFC3339), r.Stage, r.Status, r.ExitCode, r.LogPath)
	}

	if len(runs) == 0 || runs[0].LogPath == "" {
		return
	}
	content, err := os.ReadFile(runs[0].LogPath)
	if err != nil {
		log.Warn("reading most recent run's log file failed", "path", runs[0].LogPath, "error", err)
		return
	}
	fmt.Println("--- " + runs[0].LogPath + " ---")
	os.Stdout.Write(content)
}
