package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/escrow/pkg/finance"
	"github.com/Mindburn-Labs/escrow/pkg/metering"
	"github.com/Mindburn-Labs/escrow/pkg/store"

	_ "modernc.org/sqlite"
)

// setupLiteMode opens the single-file SQLite database under dataDir.
func setupLiteMode(ctx context.Context, dataDir string) (*sql.DB, store.ReportStore, metering.Meter, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "escrow.db")
	log.Printf("[escrow] lite mode: using sqlite at %s", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	reports, err := store.NewSQLiteReportStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("failed to init sqlite report store: %w", err)
	}
	meter := metering.NewSQLMeter(db, metering.DialectSQLite)
	if err := meter.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("failed to init sqlite meter: %w", err)
	}
	return db, reports, meter, nil
}

// setupPostgres connects to DATABASE_URL and creates the tables it needs.
func setupPostgres(ctx context.Context, dsn string) (*sql.DB, store.ReportStore, metering.Meter, *finance.PostgresTracker, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	reports := store.NewPostgresReportStore(db)
	meter := metering.NewSQLMeter(db, metering.DialectPostgres)
	tracker := finance.NewPostgresTracker(db)
	for name, setup := range map[string]func(context.Context) error{
		"report store": reports.Init,
		"meter":        meter.Init,
		"spend caps":   tracker.Init,
	} {
		if err := setup(ctx); err != nil {
			_ = db.Close()
			return nil, nil, nil, nil, fmt.Errorf("failed to init %s: %w", name, err)
		}
	}
	log.Printf("[escrow] postgres: connected")
	return db, reports, meter, tracker, nil
}
