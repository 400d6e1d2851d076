package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andrej220/netmonkey/internal/lg"
	"github.com/andrej220/netmonkey/pkg/executor"
	"github.com/andrej220/netmonkey/pkg/metrics"
	"github.com/andrej220/netmonkey/pkg/sink"
	"github.com/andrej220/netmonkey/pkg/target"
)

var errNoTargets = errors.New("no targets: use --host, --hosts-file or an inventory filter")

type targetFlags struct {
	host      string
	hostsFile string
	filter    target.Filter
}

func (f *targetFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.host, "host", "", "device name or address, several separated by spaces")
	fs.StringVar(&f.hostsFile, "hosts-file", "", "file with one device per line")
	fs.StringVar(&f.filter.District, "district", "", "inventory district")
	fs.StringVar(&f.filter.Site, "site", "", "inventory site")
	fs.StringVar(&f.filter.Name, "name", "", "inventory device name, '*' matches anything")
	cmd.MarkFlagsMutuallyExclusive("host", "hosts-file")
}

func (f *targetFlags) source() (target.Source, error) {
	explicit := f.host != "" || f.hostsFile != ""
	if explicit && !f.filter.Empty() {
		return target.Source{}, errors.New("host lists cannot be combined with inventory filters")
	}
	switch {
	case f.host != "":
		return target.FromHost(f.host), nil
	case f.hostsFile != "":
		hosts, err := readLines(f.hostsFile)
		if err != nil {
			return target.Source{}, err
		}
		if len(hosts) == 0 {
			return target.Source{}, fmt.Errorf("%s: %w", f.hostsFile, errNoTargets)
		}
		return target.FromList(hosts), nil
	case !f.filter.Empty():
		return target.FromFilter(f.filter), nil
	}
	return target.Source{}, errNoTargets
}

// readLines returns the non-blank lines of path, skipping '#' comments.
func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return lines, nil
}

func newShowCmd(a *app) *cobra.Command {
	var tf targetFlags
	cmd := &cobra.Command{
		Use:   "show <command>",
		Short: "Run a show command on every target",
		Example: `  netmonkey show version --host "r1 r2"
  netmonkey show ip interface brief --district north --name "sw-*"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := tf.source()
			if err != nil {
				return err
			}
			return a.runBatch(cmd.Context(), src, func(*executor.Executor) executor.Command {
				return executor.Show(strings.Join(args, " "))
			})
		},
	}
	tf.register(cmd)
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	var (
		tf   targetFlags
		file string
	)
	cmd := &cobra.Command{
		Use:   "config [line...]",
		Short: "Apply configuration lines, save and back up every target",
		Long: `Each argument is one configuration line, entered in order in
configuration mode. The running configuration is then saved and backed up.`,
		Example: `  netmonkey config --host r1 "interface Gi0/1" "description uplink"
  netmonkey config --site lab --file changes.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			lines := args
			if file != "" {
				fromFile, err := readLines(file)
				if err != nil {
					return err
				}
				lines = append(lines, fromFile...)
			}
			if len(lines) == 0 {
				return errors.New("no configuration lines given")
			}
			src, err := tf.source()
			if err != nil {
				return err
			}
			return a.runBatch(cmd.Context(), src, func(*executor.Executor) executor.Command {
				return executor.Config(strings.Join(lines, "\n"))
			})
		},
	}
	tf.register(cmd)
	cmd.Flags().StringVarP(&file, "file", "f", "", "file with configuration lines")
	return cmd
}

func newBackupCmd(a *app) *cobra.Command {
	var tf targetFlags
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Run the backup alias on every target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := tf.source()
			if err != nil {
				return err
			}
			return a.runBatch(cmd.Context(), src, func(e *executor.Executor) executor.Command {
				return executor.Function(e.Backup())
			})
		},
	}
	tf.register(cmd)
	return cmd
}

// runBatch dispatches one command and delivers the results to stdout and
// every configured sink.
func (a *app) runBatch(ctx context.Context, src target.Source, command func(*executor.Executor) executor.Command) error {
	m := metrics.New(version)
	svc := a.build(a.cfg, a.credentials(), newOrionResolver(a.cfg.Inventory, a.prompter), m, a.progress)

	out, err := a.openSinks(ctx, m, sink.Printer{W: a.stdout})
	if err != nil {
		return err
	}
	defer func() {
		if err := out.Close(); err != nil {
			a.logger.Warn("close sinks", lg.Err(err))
		}
	}()

	coll, err := svc.dispatcher.Run(ctx, src, command(svc.executor))
	if err != nil {
		return err
	}
	return out.Write(ctx, coll)
}
