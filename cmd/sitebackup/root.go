package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/HerbHall/sitebackup/internal/backup"
	"github.com/HerbHall/sitebackup/internal/config"
	"github.com/HerbHall/sitebackup/internal/server"
	"github.com/HerbHall/sitebackup/internal/store"
)

// app carries state shared by every subcommand once PersistentPreRunE ran.
type app struct {
	cfgFile  string
	envFile  string
	dataRoot string
	logLevel string
	asJSON   bool

	v      *viper.Viper
	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "sitebackup",
		Short:        "Point-in-time backups of a site data directory",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "configuration file (default ./sitebackup.yaml, ./configs, /etc/sitebackup)")
	pf.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before configuration; missing is fine")
	pf.StringVar(&a.dataRoot, "data-root", "", "override backup.data_root")
	pf.StringVar(&a.logLevel, "log-level", "", "override logging.level")
	pf.BoolVar(&a.asJSON, "json", false, "print machine-readable JSON")

	root.AddCommand(
		newServeCmd(a),
		newCreateCmd(a),
		newListCmd(a),
		newDeleteCmd(a),
		newRestoreCmd(a),
		newCleanupCmd(a),
		newHistoryCmd(a),
		newEnsureConfigCmd(a),
		newTokenCmd(a),
		newHashKeyCmd(a),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", a.envFile, err)
		}
	}

	v, err := server.LoadConfig(a.cfgFile)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("data-root") {
		v.Set("backup.data_root", a.dataRoot)
	}
	if flags.Changed("log-level") {
		v.Set("logging.level", a.logLevel)
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(v)
	if err != nil {
		return err
	}

	a.v, a.cfg, a.logger = v, cfg, logger
	if f := v.ConfigFileUsed(); f != "" {
		logger.Debug("configuration loaded", zap.String("component", "config"), zap.String("source", f))
	}
	return nil
}

// openService opens the journal database and builds the backup service.
// The returned func closes the database.
func (a *app) openService(ctx context.Context, opts ...backup.Option) (*backup.Service, func(), error) {
	db, err := store.New(a.cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	journal, err := backup.NewJournal(ctx, db, a.logger.Named("journal"))
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	opts = append([]backup.Option{backup.WithJournal(journal)}, opts...)
	svc := backup.NewService(a.cfg.Backup, a.logger.Named("backup"), opts...)
	return svc, func() { db.Close() }, nil
}

func (a *app) printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
