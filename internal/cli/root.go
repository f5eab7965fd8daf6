// Package cli implements the indexsync command line.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/syntrixbase/indexsync/internal/config"
	"github.com/syntrixbase/indexsync/internal/logging"
	"github.com/syntrixbase/indexsync/internal/services"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath  string
	MetricsAddr string
	Format      string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "indexsync",
		Short: "Keep a search index consistent with a primary database",
		Long: `indexsync reads the primary database's transaction log, works out every indexed
document affected by the committed changes and rewrites those documents.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default config/config.yml and config/config.local.yml)")
	cmd.PersistentFlags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this host:port")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewListenCommand(opts))
	cmd.AddCommand(NewWorkerCommand(opts))
	cmd.AddCommand(NewPurgeQueueCommand(opts))
	cmd.AddCommand(NewReindexCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// session is an initialized process: configuration, logging and components.
type session struct {
	cfg     *config.Config
	manager *services.Manager
}

func openSession(ctx context.Context, opts *RootOptions, svc services.Options) (*session, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.MetricsAddr != "" {
		if err := cfg.Server.SetAddr(opts.MetricsAddr); err != nil {
			return nil, fmt.Errorf("--metrics-addr: %w", err)
		}
		cfg.Server.Enabled = true
	}
	if err := logging.Initialize(cfg.Logging); err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, manager: services.NewManager(cfg, svc)}
	if err := s.manager.Init(ctx); err != nil {
		_ = logging.Shutdown()
		return nil, err
	}
	return s, nil
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.manager.Shutdown(ctx)
	_ = logging.Shutdown()
}
