package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kvmigrate/kv-migrate/internal/version"
	"github.com/kvmigrate/kv-migrate/migrator"
)

// Exit codes are int values that represent an exit code for a particular
// error, letting a caller distinguish failure causes without parsing output.
//
// Errors start at 11: ExitCodeError is 10 + iota on the constant block's
// second line.
const (
	ExitCodeOK int = 0

	ExitCodeError = 10 + iota
	ExitCodeInterrupt
	ExitCodeParseFlagsError
	ExitCodeConfigError
	ExitCodeEngineError
)

// CLI is the main entry point for kvmigrate.
type CLI struct {
	sync.Mutex

	outStream, errStream io.Writer
	signalCh             chan os.Signal
	stopCh               chan struct{}
}

func NewCLI(out, err io.Writer) *CLI {
	return &CLI{
		outStream: out,
		errStream: err,
		signalCh:  make(chan os.Signal, 1),
		stopCh:    make(chan struct{}),
	}
}

// Run accepts a slice of arguments and returns an int representing the exit
// status from the command.
func (cli *CLI) Run(args []string) int {
	cfg, paths, isVersion, err := cli.ParseFlags(args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			fmt.Fprintf(cli.errStream, usage, version.Name)
			return ExitCodeOK
		}
		fmt.Fprintln(cli.errStream, err.Error())
		return ExitCodeParseFlagsError
	}

	cliConfig := cfg.Copy()

	cfg, err = loadConfigs(paths, cliConfig)
	if err != nil {
		return logError(err, ExitCodeConfigError)
	}
	cfg.Finalize()

	setupLogging(cfg.LogLevel, cli.errStream)
	log.Printf("[INFO] %s", version.HumanVersion())

	if isVersion {
		fmt.Fprintf(cli.errStream, "%s\n", version.HumanVersion())
		return ExitCodeOK
	}

	if cfg.PidFile != "" {
		if err := os.WriteFile(cfg.PidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
			return logError(fmt.Errorf("error writing pid file: %w", err), ExitCodeConfigError)
		}
		defer os.Remove(cfg.PidFile)
	}

	engine := migrator.New(cfg.Source.toMigrator(), cfg.Target.toMigrator(), cfg.MigrationID, cfg.Options())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go logEvents(engine)

	if cfg.HealthPort != 0 {
		go serveHealth(engine, cfg.HealthPort)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.Start(ctx)
	}()

	signal.Notify(cli.signalCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case err := <-errCh:
			if err != nil {
				return logError(err, ExitCodeEngineError)
			}
		case s := <-cli.signalCh:
			log.Printf("[DEBUG] (cli) receiving signal %q", s)
			fmt.Fprintf(cli.errStream, "Cleaning up...\n")
			engine.Stop()
			return ExitCodeInterrupt
		case <-cli.stopCh:
			engine.Stop()
			return ExitCodeOK
		}
	}
}

// logEvents drains the engine's event channel onto the standard logger so a
// foreground run shows live progress; a real control plane would instead
// forward these events to its own transport (out of scope here).
func logEvents(engine *migrator.Engine) {
	for ev := range engine.Events() {
		switch ev.Type {
		case migrator.EventKeyProcessed:
			log.Printf("[DEBUG] (cli) key %q %s", ev.Key, ev.Operation)
		case migrator.EventProgress:
			log.Printf("[INFO] (cli) progress %.1f%% (%d/%d)", ev.Percent, ev.Processed, ev.Total)
		case migrator.EventScanComplete:
			log.Printf("[INFO] (cli) initial scan complete, entering steady state")
		case migrator.EventError:
			log.Printf("[ERR] (cli) %v", ev.Err)
		case migrator.EventSyncPaused:
			log.Printf("[INFO] (cli) sync paused")
		case migrator.EventSyncResumed:
			log.Printf("[INFO] (cli) sync resumed")
		case migrator.EventStopped:
			log.Printf("[INFO] (cli) stopped")
		}
	}
}

// serveHealth exposes the engine's stats snapshot as JSON. Unlike the
// teacher's Consul-agent service registration, this never registers itself
// with any external system; it exists purely as a local liveness/progress
// probe, since a full HTTP control plane is out of scope here.
func serveHealth(engine *migrator.Engine, port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		snap := engine.Stats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"state":     engine.State().String(),
			"processed": snap.Processed,
			"total":     snap.Total,
			"percent":   snap.Percent,
			"status":    snap.Status.String(),
		})
	})
	addr := fmt.Sprintf(":%d", port)
	log.Printf("[INFO] (cli) health endpoint listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("[ERR] (cli) health endpoint stopped: %v", err)
	}
}

// ParseFlags is a helper function for parsing command line flags, extracted
// to keep Run small and to make flag parsing independently testable.
func (cli *CLI) ParseFlags(args []string) (*Config, []string, bool, error) {
	var isVersion bool
	c := DefaultConfig()

	configPaths := make([]string, 0, 4)

	flags := flag.NewFlagSet(version.Name, flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.Usage = func() {}

	flags.Var((funcVar)(func(s string) error {
		configPaths = append(configPaths, s)
		return nil
	}), "config", "")

	flags.Var((funcVar)(func(s string) error {
		c.MigrationID = s
		c.set("migration_id")
		return nil
	}), "migration-id", "")

	flags.Var((funcVar)(func(s string) error {
		c.Source.Host = s
		c.set("source")
		c.set("source.host")
		return nil
	}), "source-addr", "")

	flags.Var((funcIntVar)(func(i int) error {
		c.Source.Port = i
		c.set("source")
		c.set("source.port")
		return nil
	}), "source-port", "")

	flags.Var((funcVar)(func(s string) error {
		c.Source.Password = s
		c.set("source")
		c.set("source.password")
		return nil
	}), "source-password", "")

	flags.Var((funcBoolVar)(func(b bool) error {
		c.Source.TLS = b
		c.set("source")
		c.set("source.tls")
		return nil
	}), "source-tls", "")

	flags.Var((funcVar)(func(s string) error {
		c.Target.Host = s
		c.set("target")
		c.set("target.host")
		return nil
	}), "target-addr", "")

	flags.Var((funcIntVar)(func(i int) error {
		c.Target.Port = i
		c.set("target")
		c.set("target.port")
		return nil
	}), "target-port", "")

	flags.Var((funcVar)(func(s string) error {
		c.Target.Password = s
		c.set("target")
		c.set("target.password")
		return nil
	}), "target-password", "")

	flags.Var((funcBoolVar)(func(b bool) error {
		c.Target.TLS = b
		c.set("target")
		c.set("target.tls")
		return nil
	}), "target-tls", "")

	flags.Var((funcBoolVar)(func(b bool) error {
		v := b
		c.EnableRealtimeSync = &v
		c.set("realtime_sync")
		return nil
	}), "realtime-sync", "")

	flags.Var((funcIntVar)(func(i int) error {
		c.BatchSize = i
		c.set("batch_size")
		return nil
	}), "batch-size", "")

	flags.Var((funcIntVar)(func(i int) error {
		c.ChunkSize = i
		c.set("chunk_size")
		return nil
	}), "chunk-size", "")

	flags.Var((funcDurationVar)(func(d time.Duration) error {
		c.MetricInterval = d
		c.set("metric_interval")
		return nil
	}), "metric-interval", "")

	flags.Var((funcVar)(func(s string) error {
		c.LogLevel = s
		c.set("log_level")
		return nil
	}), "log-level", "")

	flags.Var((funcVar)(func(s string) error {
		c.PidFile = s
		c.set("pid_file")
		return nil
	}), "pid-file", "")

	flags.Var((funcIntVar)(func(i int) error {
		c.HealthPort = i
		c.set("health_port")
		return nil
	}), "health-port", "")

	flags.BoolVar(&isVersion, "v", false, "")
	flags.BoolVar(&isVersion, "version", false, "")

	if err := flags.Parse(args); err != nil {
		return nil, nil, false, err
	}

	if extra := flags.Args(); len(extra) > 0 {
		return nil, nil, false, fmt.Errorf("cli: extra argument(s): %q", extra)
	}

	return c, configPaths, isVersion, nil
}

// loadConfigs merges every -config path in order, with o taking precedence
// over all of them, the same left-to-right-then-flags precedence the
// teacher's loadConfigs implements.
func loadConfigs(paths []string, o *Config) (*Config, error) {
	finalC := DefaultConfig()

	for _, path := range paths {
		c, err := ParseConfig(path)
		if err != nil {
			return nil, err
		}
		finalC.Merge(c)
	}

	finalC.Merge(o)
	return finalC, nil
}

func logError(err error, status int) int {
	log.Printf("[ERR] (cli) %s", err)
	return status
}

const usage = `Usage: %s [options]

  Migrates key-value data from a source Redis-protocol instance to a target
  instance: an initial bulk snapshot followed by continuous change
  replication via keyspace notifications, until stopped.

Options:

  -config=<path>
      Sets the path to a configuration file. Can be specified multiple times;
      later files take precedence, and CLI flags take precedence over all of
      them.

  -migration-id=<string>
      Sets the migration ID passed to the engine. It is not included in log
      lines or in the health endpoint's output.

  -source-addr=<string>
  -source-port=<int>
  -source-password=<string>
  -source-tls
      Connection details for the source instance.

  -target-addr=<string>
  -target-port=<int>
  -target-password=<string>
  -target-tls
      Connection details for the target instance.

  -realtime-sync
      Enables the change subscriber, which is activated before the initial
      snapshot starts and keeps running after it completes. Defaults to true.

  -batch-size=<int>
      Scanner page size.

  -chunk-size=<int>
      Replication concurrency per scanner page.

  -metric-interval=<duration>
      Interval between metric snapshot emissions.

  -log-level=<level>
      Set the logging level - values are "DEBUG", "INFO", "WARN", and "ERR".

  -pid-file=<path>
      Path on disk to write the PID of the process.

  -health-port=<int>
      If set, serves a JSON progress/status snapshot on this port at /health.

  -v, -version
      Print the version of this binary.
`
