package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cognicore/reviewbot/pkg/reviewbot"
	"github.com/cognicore/reviewbot/pkg/reviewbot/config"
	"github.com/cognicore/reviewbot/pkg/reviewbot/store/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries state shared by all subcommands.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	log     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "reviewbot",
		Short:         "Annotate uploaded trial reports with the robot pipeline",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWith(a.v, a.cfgFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = newLogger(cfg.DebugMode)
			slog.SetDefault(a.log)
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "Config file (YAML)")
	flags.String("db", "", "Database path")
	flags.Bool("debug", false, "Debug logging")
	flags.String("grobid", "", "GROBID base URL")
	a.v.BindPFlag("db_path", flags.Lookup("db"))
	a.v.BindPFlag("debug_mode", flags.Lookup("debug"))
	a.v.BindPFlag("extractor.grobid_url", flags.Lookup("grobid"))

	root.AddCommand(
		newEnqueueCmd(a),
		newAnnotateCmd(a),
		newServeCmd(a),
		newReportCmd(a),
		newRetainCmd(a),
		newConfigCmd(a),
	)
	return root
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildWorker opens the store and assembles a worker from the loaded config.
// The returned cleanup closes the store.
func (a *app) buildWorker(ctx context.Context) (*reviewbot.Worker, func(), error) {
	components, err := (&config.Loader{Config: a.cfg, Logger: a.log}).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}

	st, err := sqlite.OpenSQLite(ctx, a.cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	worker, err := reviewbot.New(reviewbot.Options{
		Store:     st,
		Extractor: components.Extractor,
		Tokenizer: components.Backend,
		Registry:  components.Registry,
		Config:    a.cfg,
		Logger:    a.log,
	})
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return worker, func() { worker.Close() }, nil
}
