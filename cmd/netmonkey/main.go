package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/andrej220/netmonkey/internal/config"
	"github.com/andrej220/netmonkey/internal/lg"
	"github.com/andrej220/netmonkey/pkg/credential"
)

// set via -ldflags
var version = "dev"

const serviceName = "netmonkey"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(newApp()).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// app carries what every subcommand shares.
type app struct {
	loader     *config.Loader
	configPath string
	progress   bool

	cfg      *config.Config
	logger   lg.Logger
	prompter credential.Prompter

	stdout io.Writer
	stderr io.Writer
}

func newApp() *app {
	return &app{
		loader:   config.NewLoader(),
		logger:   lg.Discard,
		prompter: credential.NewTermPrompter(os.Stdin, os.Stderr),
		stdout:   os.Stdout,
		stderr:   os.Stderr,
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "netmonkey",
		Short: "Run CLI commands across a fleet of network devices",
		Long: `netmonkey runs one show command, configuration change or backup on many
Cisco devices at once, over SSH or Telnet, and reports one result per device.

Targets come from --host, a hosts file or an Orion inventory filter.
Credentials are read from NETMONKEY_USERNAME, NETMONKEY_PASSWORD,
NETMONKEY_FALLBACK_PASSWORD and NETMONKEY_SECRET, or prompted for once.`,
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) { _ = a.logger.Sync() },
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "config file (default netmonkey.yaml in ., ~/.config/netmonkey or /etc/netmonkey)")
	pf.BoolVar(&a.progress, "progress", true, "show a progress bar on stderr")
	pf.Int("concurrency", 40, "devices handled at once")
	pf.Duration("task-timeout", 2*time.Minute, "time limit per device")
	pf.Duration("batch-timeout", 0, "time limit for the whole batch, 0 for none")
	pf.Bool("ping", true, "probe reachability with ICMP before the port probe")
	pf.Bool("debug", false, "enable debug logging")
	pf.String("log-format", "console", "log format: console or json")
	pf.String("json", "", "also write results as JSON to this file")
	pf.String("metrics-textfile", "", "write prometheus metrics to this file after each batch")
	a.bind(pf, map[string]string{
		"concurrency":      "concurrency",
		"task-timeout":     "task_timeout",
		"batch-timeout":    "batch_timeout",
		"ping":             "probe.icmp",
		"debug":            "log.debug",
		"log-format":       "log.format",
		"json":             "output.json",
		"metrics-textfile": "metrics.textfile",
	})

	root.AddCommand(
		newShowCmd(a),
		newConfigCmd(a),
		newBackupCmd(a),
		newListenCmd(a),
		newEnqueueCmd(a),
		newInitConfigCmd(a),
	)
	return root
}

// bind maps flag names to config keys, so flags win over file and env.
func (a *app) bind(fs *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if err := a.loader.Viper().BindPFlag(key, fs.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := a.loader.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = lg.New(&lg.Config{ServiceName: serviceName, Debug: cfg.Log.Debug, Format: cfg.Log.Format})
	if f := a.loader.File(); f != "" {
		a.logger.Debug("config loaded", lg.String("file", f))
	}
	cmd.SetContext(lg.Attach(cmd.Context(), a.logger))
	return nil
}
