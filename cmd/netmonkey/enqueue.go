package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andrej220/netmonkey/internal/config"
	"github.com/andrej220/netmonkey/pkg/consumer"
	"github.com/andrej220/netmonkey/pkg/executor"
	"github.com/andrej220/netmonkey/pkg/request"
	"github.com/andrej220/netmonkey/pkg/target"
)

func newEnqueueCmd(a *app) *cobra.Command {
	var (
		tf   targetFlags
		kind string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <command>",
		Short: "Queue a request for a netmonkey listen process",
		Example: `  netmonkey enqueue --host "r1 r2" show version
  netmonkey enqueue --kind config --site lab "ntp server 10.0.0.5"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue := a.cfg.Listen.Kafka
			if !queue.Enabled() {
				return errNoQueue
			}
			req, err := buildRequest(executor.Kind(kind), args, tf)
			if err != nil {
				return err
			}

			producer := consumer.NewProducer[request.Request](consumer.Config{Brokers: queue.Brokers, Topic: queue.Topic})
			defer producer.Close()
			if err := producer.Publish(cmd.Context(), req.ID.String(), req); err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, req.ID)
			return nil
		},
	}
	tf.register(cmd)
	cmd.Flags().StringVar(&kind, "kind", string(executor.KindShow), "request kind: show or config")
	return cmd
}

// buildRequest turns command line arguments into a validated request.
// Config requests take one line per argument.
func buildRequest(kind executor.Kind, args []string, tf targetFlags) (request.Request, error) {
	sep := " "
	if kind == executor.KindConfig {
		sep = "\n"
	}
	text := strings.Join(args, sep)
	if kind == executor.KindShow {
		text = executor.Show(text).Text
	}

	src, err := tf.source()
	if err != nil {
		return request.Request{}, err
	}
	var (
		hosts  []string
		filter *target.Filter
	)
	if src.Kind == target.Query {
		f := src.Filter
		filter = &f
	} else {
		hosts = src.Hosts
	}

	req := request.New(kind, text, hosts, filter)
	if err := req.Validate(); err != nil {
		return request.Request{}, err
	}
	return req, nil
}

func newInitConfigCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write the effective configuration as YAML",
		Long: `init-config writes the configuration netmonkey would run with, defaults
included, so it can be edited. The file is created with mode 0600.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := config.FileName + ".yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists, use --force to replace it", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := config.Write(path, a.cfg); err != nil {
				return err
			}
			abs, _ := filepath.Abs(path)
			fmt.Fprintln(a.stdout, abs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing file")
	return cmd
}
