// Command procpoold is the process pool daemon: it loads config,
// opens the durable store, and runs the dispatcher, execution pool,
// event consumer, and HTTP facade until signaled to shut down.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jsdrews/procpoold/pkg/api"
	"github.com/jsdrews/procpoold/pkg/config"
	"github.com/jsdrews/procpoold/pkg/dispatcher"
	"github.com/jsdrews/procpoold/pkg/events"
	"github.com/jsdrews/procpoold/pkg/log"
	"github.com/jsdrews/procpoold/pkg/metrics"
	"github.com/jsdrews/procpoold/pkg/pool"
	"github.com/jsdrews/procpoold/pkg/store"
)

func newHTTPServer(st store.Store, cfg *config.Config, host string) *http.Server {
	return &http.Server{
		Addr:    cfg.Runtime.App.Addr,
		Handler: api.NewServer(st, cfg, host).Handler(),
	}
}

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "procpoold",
	Short:   "procpoold - a distributed-ready process execution daemon",
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("procpoold version %s\nCommit: %s\n", Version, Commit))

	rootCmd.Flags().String("config", "", "Path to the JSON config file (defaults to $"+config.EnvPathVar+")")
	rootCmd.Flags().String("log-level", "", "Override startup.log.level from config")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	logLevelOverride, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := log.Level(cfg.Startup.Log.Level)
	if logLevelOverride != "" {
		level = log.Level(logLevelOverride)
	}

	sink, err := log.OpenSink(cfg.Startup.Log.Path)
	if err != nil {
		return fmt.Errorf("failed to open log sink %s: %w", cfg.Startup.Log.Path, err)
	}
	defer sink.Close()

	log.Init(log.Config{Level: level, JSONOutput: logJSON, Output: sink})

	metrics.SetVersion(Version)

	st, err := store.NewBoltStore(cfg.Startup.DB.URL)
	if err != nil {
		metrics.RegisterComponent("store", false, err.Error())
		log.Fatal(fmt.Sprintf("failed to open store at %s: %v", cfg.Startup.DB.URL, err))
	}
	defer st.Close()
	metrics.RegisterComponent("store", true, "open")

	host := "http://" + cfg.Runtime.App.Addr + "/"

	d := dispatcher.New(st, cfg.Runtime.Task.FormattableFields, host)
	p := pool.New(cfg.Startup.Concurrency)
	metrics.SlotsTotal.Set(float64(cfg.Startup.Concurrency))

	var finishedSink *os.File
	if cfg.Runtime.Task.FinishedTaskLog != "" {
		finishedSink, err = log.OpenSink(cfg.Runtime.Task.FinishedTaskLog)
		if err != nil {
			log.Fatal(fmt.Sprintf("failed to open finished-task log %s: %v", cfg.Runtime.Task.FinishedTaskLog, err))
		}
		defer finishedSink.Close()
	}

	consumer := events.New(p.Events(), finishedSink, events.HTTPParentNotifier(nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go consumer.Run(ctx)
	p.Start(ctx, d.Startup, d.Next)
	metrics.RegisterComponent("dispatcher", true, "running")

	srv := newHTTPServer(st, cfg, host)
	go func() {
		log.Info("serving HTTP on " + cfg.Runtime.App.Addr)
		metrics.RegisterComponent("api", true, "serving")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			metrics.RegisterComponent("api", false, err.Error())
			log.Errorf("HTTP server exited", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received, draining in-flight tasks")
	metrics.RegisterComponent("api", false, "shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	cancel()
	metrics.RegisterComponent("dispatcher", false, "shutting down")

	drained := make(chan struct{})
	go func() {
		p.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		log.Info("all supervisors drained cleanly")
	case <-time.After(time.Duration(cfg.Startup.ShutdownGraceSeconds) * time.Second):
		log.Info("drain deadline exceeded, surviving children were signaled via context cancellation")
	}

	return nil
}
