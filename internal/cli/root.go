// Package cli implements the rill operator command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/zoobzio/rill"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath  string
	DSN         string
	Principal   string
	Format      string // "json" | "text"
	MetricsAddr string

	cfg *Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the rill CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "rill",
		Short: "Inspect and follow live collections",
		Long: `rill runs live queries against a collection store, tails its change
feed, and installs the PostgreSQL trigger that feeds LISTEN/NOTIFY.

Configuration comes from a YAML file (--config, default rill.yaml), a .env
file in the working directory, and the RILL_DSN and RILL_PRINCIPAL
environment variables, in increasing order of precedence. Flags win over all.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			cfg, err := LoadConfig(opts.ConfigPath, cmd.Flags().Changed("config"))
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load configuration", err)
			}
			if opts.DSN != "" {
				cfg.DSN = opts.DSN
			}
			if opts.Principal != "" {
				cfg.Principal = opts.Principal
			}
			if opts.MetricsAddr != "" {
				cfg.Metrics.Addr = opts.MetricsAddr
			}
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "rill.yaml", "config file")
	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", "", "database DSN (postgres://, sqlite:<path>, memory:)")
	cmd.PersistentFlags().StringVar(&opts.Principal, "principal", "", "principal id for writes")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewTailCommand(opts))
	cmd.AddCommand(NewWriteCommands(opts)...)
	cmd.AddCommand(NewInstallTriggerCommand(opts))

	return cmd
}

// Execute runs the root command until it finishes or the process is
// interrupted, and returns the exit code.
func Execute() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := NewRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return GetExitCode(err)
	}
	return ExitSuccess
}

// session runs the shared setup of commands that use a Client: open the
// store, start the metrics endpoint, and build the client.
type session struct {
	backend *backend
	client  *rill.Client
	server  *http.Server
}

func (o *RootOptions) open(cmd *cobra.Command) (*session, error) {
	b, err := openStore(o.cfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	s := &session{backend: b}

	clientOpts := []rill.Option{
		rill.WithSession(rill.StaticSession(o.cfg.Principal)),
		rill.WithNotifier(rill.NotifierFunc(func(_ context.Context, n rill.Notice) {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", n.Title, n.Message)
		})),
	}
	if addr := o.cfg.Metrics.Addr; addr != "" {
		reg := prometheus.NewRegistry()
		m, err := rill.NewMetrics(reg)
		if err != nil {
			_ = b.close()
			return nil, err
		}
		clientOpts = append(clientOpts, rill.WithMetrics(m))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		s.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintln(cmd.ErrOrStderr(), "metrics:", err)
			}
		}()
	}

	client, err := rill.New(b.store, clientOpts...)
	if err != nil {
		_ = s.close()
		return nil, err
	}
	s.client = client
	return s, nil
}

func (s *session) close() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctx)
	}
	return s.backend.close()
}

func (o *RootOptions) printer(cmd *cobra.Command) *printer {
	return &printer{w: cmd.OutOrStdout(), format: o.Format}
}
