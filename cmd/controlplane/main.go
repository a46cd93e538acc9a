package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/loomworks/controlplane/internal/config"
	"github.com/loomworks/controlplane/internal/logger"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// program carries the resolved configuration and logger shared by every
// subcommand.
type program struct {
	v      *viper.Viper
	opts   []config.Opt
	cfg    config.Config
	logger *zap.Logger
}

func newRootCommand() *cobra.Command {
	p := &program{v: config.NewViper()}
	p.opts = config.Options(&p.cfg)

	root := &cobra.Command{
		Use:           "controlplane",
		Short:         "Multi-tenant SaaS control plane",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			config.Resolve(p.v, p.opts)
			if err := p.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			log, err := logger.New(cmd.ErrOrStderr(), p.cfg.LogLevel, p.cfg.LogFormat)
			if err != nil {
				return err
			}
			p.logger = log
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if p.logger != nil {
				_ = p.logger.Sync()
			}
		},
	}
	config.BindOptions(p.v, root, p.opts)

	root.AddCommand(
		newServeCommand(p),
		newMigrateCommand(p),
		newRolloverCommand(p),
	)
	return root
}
