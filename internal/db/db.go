// Package db opens the SQL database backing the store and the job queue.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/terraskye/eventhub/internal/sqlutil"
)

type Config struct {
	// Driver is a database/sql driver name: pgx, postgres, mysql or sqlite.
	Driver          string
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

// Open connects and pings the database, and returns the dialect matching the driver.
func Open(ctx context.Context, cfg Config) (*sql.DB, sqlutil.Dialect, error) {
	if cfg.DatabaseURL == "" {
		return nil, "", fmt.Errorf("DATABASE_URL is empty")
	}
	dialect, err := sqlutil.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, "", err
	}

	db, err := sql.Open(driverName(cfg.Driver), cfg.DatabaseURL)
	if err != nil {
		return nil, "", err
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 10
	}
	if dialect == sqlutil.SQLite {
		// one writer at a time
		cfg.MaxOpenConns = 1
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = cfg.MaxOpenConns
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = 3 * time.Second
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, "", err
	}

	return db, dialect, nil
}

func driverName(driver string) string {
	switch driver {
	case "postgresql", "pgx":
		return "pgx"
	case "pq":
		return "postgres"
	case "sqlite3":
		return "sqlite"
	case "mariadb":
		return "mysql"
	}
	return driver
}
