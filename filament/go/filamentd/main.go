// filamentd runs the filament settlement engine: it ingests printer
// telemetry over MQTT, reconstructs print jobs from the event log and
// settles filament consumption against the material ledger.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"go.filafarm.org/infra/filament/go/config"
	"go.filafarm.org/infra/filament/go/crypto"
	"go.filafarm.org/infra/filament/go/estimate"
	"go.filafarm.org/infra/filament/go/ingest"
	"go.filafarm.org/infra/filament/go/processor"
	"go.filafarm.org/infra/filament/go/sql/expectedschema"
	"go.filafarm.org/infra/filament/go/store/sqlstore"
	"go.filafarm.org/infra/go/metrics2"
	"go.filafarm.org/infra/go/skerr"
	"go.filafarm.org/infra/go/sklog"
)

var cfg config.EngineConfig

func main() {
	cmd := cobra.Command{
		Use:          "filamentd [sub]",
		SilenceUsage: true,
		PersistentPreRunE: func(c *cobra.Command, args []string) error {
			var err error
			cfg, err = config.New()
			return err
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema and validate it against the expected one.",
		RunE:  migrateAction,
	}
	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run only the telemetry ingestor.",
		RunE: func(c *cobra.Command, args []string) error {
			return runServices(c.Context(), true, false)
		},
	}
	processCmd := &cobra.Command{
		Use:   "process",
		Short: "Run only the event processor.",
		RunE: func(c *cobra.Command, args []string) error {
			return runServices(c.Context(), false, true)
		},
	}
	allCmd := &cobra.Command{
		Use:   "all",
		Short: "Run the ingestor and the event processor in one process.",
		RunE: func(c *cobra.Command, args []string) error {
			return runServices(c.Context(), true, true)
		},
	}
	cmd.AddCommand(migrateCmd, ingestCmd, processCmd, allCmd)

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		sklog.Errorf("filamentd: %s", err)
		os.Exit(1)
	}
}

func migrateAction(c *cobra.Command, args []string) error {
	ctx := c.Context()
	db, err := pgxpool.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer db.Close()
	if err := expectedschema.Migrate(ctx, db); err != nil {
		return skerr.Wrap(err)
	}
	if err := expectedschema.Validate(ctx, db); err != nil {
		if errors.Is(err, expectedschema.ErrSchemaMismatch) {
			sklog.Errorf("Schema mismatch: %s", err)
			os.Exit(2)
		}
		return skerr.Wrap(err)
	}
	sklog.Info("Schema is up to date.")
	return nil
}

// runServices starts the selected engine services and blocks until SIGINT,
// SIGTERM or the first service failure.
func runServices(ctx context.Context, runIngest, runProcess bool) error {
	metrics2.InitPrometheus(cfg.PromPort)

	pool, err := pgxpool.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return skerr.Wrapf(err, "connecting to the database")
	}
	defer pool.Close()
	db := sqlstore.New(pool)

	sealer, err := crypto.NewSealer(cfg.AppSecretKey)
	if err != nil {
		return skerr.Wrap(err)
	}
	est := estimate.NewClient(estimate.DialFTPS(cfg.AllowInsecureMQTTTLS), cfg.EstimateTTL)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	if runIngest {
		i := ingest.New(db, est, sealer, cfg, nil)
		eg.Go(func() error {
			sklog.Info("Starting ingestor.")
			return i.Run(ctx)
		})
	}
	if runProcess {
		p := processor.New(db, est, cfg)
		eg.Go(func() error {
			sklog.Info("Starting event processor.")
			return p.Run(ctx)
		})
	}
	return eg.Wait()
}
