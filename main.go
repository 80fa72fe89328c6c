/*
File: main.go
Version: 1.0.0
Description: Command line entry point. "serve" runs the filter service; "classify" and "hash"
             run the two detectors once from the shell.
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
)

const (
	Version = "1.0.0"
	appName = "trackfilter"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	load := func() (*Config, error) {
		cfg := DefaultConfig()
		if configPath != "" {
			var err error
			if cfg, err = LoadConfig(configPath); err != nil {
				return nil, err
			}
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		return cfg, nil
	}

	serve := func(cmd *cobra.Command, args []string) error {
		cfg, err := load()
		if err != nil {
			return err
		}
		return run(cfg)
	}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Tracking request classifier and content filter",
		Long: `trackfilter decides which sub-resource requests of a web page to block.

It combines a character-level URL classifier with a blacklist of content
hashes, keeps per-page lists of flagged requests and user exceptions, and
reports how often each detector (and an optional external one) agreed.`,
		RunE:          serve,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the filter service (default)",
		RunE:  serve,
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "classify <url>...",
		Short: "Classify URLs with the configured model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := InitLogger(cfg.Logging); err != nil {
				return err
			}
			defer ShutdownLogger()

			cfg.MLGuard.Enabled = true
			guard := LoadURLGuard(cfg.MLGuard)
			if !guard.Ready() {
				return ErrModelUnavailable
			}
			enc := json.NewEncoder(c.OutOrStdout())
			for _, u := range args {
				v := guard.Classify(c.Context(), u)
				if err := enc.Encode(map[string]any{"url": u, "verdict": v}); err != nil {
					return err
				}
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "hash <file>",
		Short: "Hash a file and look it up in the persisted blacklist (\"-\" reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := InitLogger(cfg.Logging); err != nil {
				return err
			}
			defer ShutdownLogger()
			return runHash(c.Context(), cfg, args[0], c.OutOrStdout())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(c *cobra.Command, args []string) {
			fmt.Fprintf(c.OutOrStdout(), "%s version %s (%s)\n", appName, Version, runtime.Version())
		},
	})

	return cmd
}

func runHash(ctx context.Context, cfg *Config, path string, out io.Writer) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	storage, err := OpenStorage(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer storage.Close()

	store := NewHashStore()
	if err := NewHashlistLoader(cfg.Hashlist, store, storage, nil).LoadPersisted(ctx); err != nil {
		return err
	}

	res := NewContentFilter(store, 0).Filter(ctx, r, io.Discard, false)
	if res.Err != nil {
		return res.Err
	}
	return json.NewEncoder(out).Encode(map[string]any{
		"hash":           res.Hash,
		"bytes":          res.Bytes,
		"found":          res.Found,
		"hasReplacement": res.HasReplacement,
		"entries":        store.Snapshot().Len(),
	})
}

// run wires every component, serves until SIGINT/SIGTERM and shuts down in reverse order.
func run(cfg *Config) error {
	if err := InitLogger(cfg.Logging); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer ShutdownLogger()

	LogInfo("%s %s starting", appName, Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage, err := OpenStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer storage.Close()

	resolver := NewBootstrapResolver(cfg.Bootstrap)

	guard := LoadURLGuard(cfg.MLGuard)

	store := NewHashStore()
	loader := NewHashlistLoader(cfg.Hashlist, store, storage, resolver)
	if err := loader.LoadPersisted(ctx); err != nil {
		LogWarn("[HASHLIST] %v", err)
	}

	whitelist, err := LoadWhitelist(cfg.Whitelist)
	if err != nil {
		LogWarn("[WHITELIST] %v, continuing with inline matches only", err)
		whitelist = NewWhitelist(cfg.Whitelist.Matches, cfg.Whitelist.parsedNetworks)
	}

	exceptions := NewExceptionSet()
	if err := exceptions.Load(ctx, storage); err != nil {
		LogWarn("[EXCEPTIONS] Failed to recover exceptions: %v", err)
	}

	var sink SummarySink
	submitter := NewStatsSubmitter(cfg.Stats, resolver)
	if submitter != nil {
		sink = submitter.Sink()
	} else {
		LogInfo("[STATS] No submit_url configured, summaries are logged only")
		sink = func(pageID string, sum Summary) {
			LogInfo("[STATS] Page %s: %+v", pageID, sum)
		}
	}
	stats := NewStatsEngine(LatePolicy(cfg.Stats.LateReports), cfg.Stats.parsedGraceWindow, sink)

	requestResolver := NewResolver(whitelist, exceptions)

	hub := NewHub()
	engine := NewEngine(cfg, EngineDeps{
		Guard:      guard,
		Resolver:   requestResolver,
		Exceptions: exceptions,
		Content:    NewContentFilter(store, cfg.Server.MaxBodyBytes),
		Tabs:       NewTabStore(cfg.Tabs.BaseDomain),
		Stats:      stats,
		Hub:        hub,
		Storage:    storage,
	})

	limiter := NewLimiter(cfg.RateLimit)
	api := NewAPI(engine, hub, store, guard, limiter)

	var bg sync.WaitGroup
	goSupervised := func(name string, fn func(context.Context)) {
		bg.Add(1)
		go func() {
			defer bg.Done()
			RunWithRecovery(ctx, name, fn)
		}()
	}
	goSupervised("hashlist", loader.Run)
	goSupervised("pending-cleanup", engine.RunPendingCleanup)
	goSupervised("limiter-cleanup", limiter.StartCleanupRoutine)

	if watcher, err := NewWhitelistWatcher(cfg.Whitelist, requestResolver); err != nil {
		LogWarn("[WHITELIST] %v, reload on change disabled", err)
	} else if watcher != nil {
		defer watcher.Close()
		goSupervised("whitelist-watch", watcher.Run)
	}

	detector := NewDetectorSubscriber(cfg.Detector, engine)
	if detector != nil {
		defer detector.Close()
		goSupervised("detector", detector.Run)
	}

	var wg sync.WaitGroup
	servers := startServers(&wg, cfg.Server, api.Routes())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	LogInfo("Shutdown signal received (%v)", sig)

	shutdownServers(servers, cfg.Server.parsedShutdownTimeout)
	wg.Wait()
	cancel()
	bg.Wait()

	stats.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.parsedShutdownTimeout)
	defer shutdownCancel()
	if submitter != nil {
		submitter.Wait(shutdownCtx)
	}
	engine.SaveExceptions(shutdownCtx)

	LogInfo("%s stopped", appName)
	return nil
}
