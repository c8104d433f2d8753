// Package cmd implements the lifehubctl administration commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"lifehub/internal/auth"
	"lifehub/internal/config"
	"lifehub/internal/platform"
	"lifehub/internal/repository/sqlite"
	"lifehub/internal/service"
)

// Env is what a command runs against.
type Env struct {
	Config      config.Config
	Users       *service.UserService
	Finance     *service.FinanceService
	Credentials *service.CredentialService
	Rotation    *service.RotationService

	closers []func() error
}

func (e *Env) Close() error {
	var first error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Opener builds an Env for one command invocation.
type Opener func(ctx context.Context, configPath string) (*Env, error)

// OpenEnv loads configuration, opens the database and the secret store and
// wires the services.
func OpenEnv(ctx context.Context, configPath string) (*Env, error) {
	var (
		cfg config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	logger := cfg.NewLogger()

	if dir := filepath.Dir(cfg.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	p, err := platform.Open(ctx, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	tokens, err := auth.NewTokenService(cfg.AuthSecretKey, cfg.TokenTTL)
	if err != nil {
		p.Close()
		db.Close()
		return nil, err
	}

	return &Env{
		Config:      cfg,
		Users:       service.NewUserService(db, p.Keys, auth.NewPasswordService(), tokens, cfg.EmailSecretKey, logger),
		Finance:     service.NewFinanceService(db, p.Keys, logger),
		Credentials: service.NewCredentialService(db, p.Keys, logger),
		Rotation:    service.NewRotationService(db, p.Keys, logger),
		closers:     []func() error{db.Close, p.Close},
	}, nil
}

// NewRootCommand creates the lifehubctl command tree. Each subcommand opens
// its Env through open.
func NewRootCommand(open Opener) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "lifehubctl",
		Short: "Administer lifehub users, keys and encrypted records",
		Long: `lifehubctl manages users, bank data and provider credentials directly
against the lifehub database and secret store.

Configuration is read from --config, or from the file named by
LIFEHUB_CONFIG, with LIFEHUB_* environment variables applied on top.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")

	withEnv := func(run func(cmd *cobra.Command, env *Env, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			env, err := open(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer env.Close()
			return run(cmd, env, args)
		}
	}

	root.AddCommand(
		newUserCommand(withEnv),
		newAccountCommand(withEnv),
		newTransactionCommand(withEnv),
		newCredentialCommand(withEnv),
		newKeysCommand(withEnv),
		newEmailHashCommand(withEnv),
	)
	return root
}

type envRunner func(run func(cmd *cobra.Command, env *Env, args []string) error) func(*cobra.Command, []string) error

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
