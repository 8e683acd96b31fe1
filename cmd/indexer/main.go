// Command indexer runs the multi-chain smart-contract deployment
// indexer: one monitor loop per configured chain, enriching each
// discovered deployment and persisting it to the configured sqlite
// store, following the conventional Go
// flag-parse-then-context-then-defer-Close shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/exp/slog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/contractindexer/indexer/internal/attribution"
	"github.com/contractindexer/indexer/internal/config"
	"github.com/contractindexer/indexer/internal/orchestrator"
	"github.com/contractindexer/indexer/internal/store"
)

// networkList implements flag.Value so --networks can be repeated:
// --networks ethereum --networks arbitrum.
type networkList []string

func (n *networkList) String() string { return strings.Join(*n, ",") }
func (n *networkList) Set(v string) error {
	*n = append(*n, v)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	var networks networkList
	flag.Var(&networks, "networks", "chain to monitor (repeatable); overrides the default list")
	all := flag.Bool("all", false, "monitor every configured EVM chain with a non-empty endpoint list")
	configPath := flag.String("config", "", "optional TOML config file overriding RPC endpoints/default networks")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "indexer: loading config: %v\n", err)
		return 1
	}

	setupLogging(cfg)

	if cfg.ArkhamAPIKey == "" {
		log.Error("ARKHAM_API_KEY not configured; set it in the environment or an API-Key file")
		return 1
	}

	var selected []string
	switch {
	case *all:
		selected = cfg.EVMNetworksWithEndpoints()
	case len(networks) > 0:
		selected = networks
	default:
		selected = cfg.DefaultNetworks
	}
	log.Info("selected networks", "networks", strings.Join(selected, ","))

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("opening store", "err", err)
		return 1
	}

	attrClient := attribution.New(cfg.ArkhamAPIKey, cfg.ArkhamAPIURL)

	orch := orchestrator.New(cfg, st, attrClient)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx, selected); err != nil {
		log.Error("starting orchestrator", "err", err)
		attrClient.Close()
		st.Close()
		return 1
	}

	log.Info("multi-chain monitoring running", "check_interval_s", cfg.BlockCheckIntervalSeconds)
	<-ctx.Done()
	log.Info("received shutdown signal")

	orch.Shutdown()
	return 0
}

// setupLogging wires go-ethereum/log with a terminal handler to
// stdout and a size-rotated file handler to cfg.LogFile.
func setupLogging(cfg *config.Config) {
	lvl := parseLevel(cfg.LogLevel)

	handlers := []slog.Handler{log.NewTerminalHandlerWithLevel(os.Stdout, lvl, false)}

	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		handlers = append(handlers, log.LogfmtHandlerWithLevel(rotator, lvl))
	}

	log.SetDefault(log.NewLogger(fanoutHandler{handlers}))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return log.LevelTrace
	case "debug":
		return log.LevelDebug
	case "warn", "warning":
		return log.LevelWarn
	case "error":
		return log.LevelError
	case "crit", "critical":
		return log.LevelCrit
	default:
		return log.LevelInfo
	}
}

// fanoutHandler dispatches every record to each wrapped slog.Handler,
// giving the terminal and rotated-file sinks independent level
// filtering without pulling in an external multi-handler library.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range f.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return fanoutHandler{next}
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return fanoutHandler{next}
}
