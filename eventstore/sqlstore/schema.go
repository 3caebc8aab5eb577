package sqlstore

import (
	"fmt"

	"github.com/terraskye/eventhub/internal/sqlutil"
)

// Schema returns the DDL statements creating the store's tables for dialect.
// Every statement is idempotent.
func Schema(dialect sqlutil.Dialect, cfg Config) []string {
	switch dialect {
	case sqlutil.Postgres:
		return postgresSchema(cfg)
	case sqlutil.MySQL:
		return mysqlSchema(cfg)
	default:
		return sqliteSchema(cfg)
	}
}

func postgresSchema(cfg Config) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    position BIGSERIAL PRIMARY KEY,
    event_id VARCHAR(36) NOT NULL UNIQUE,
    event_type VARCHAR(255) NOT NULL,
    aggregate_id VARCHAR(255) NOT NULL,
    aggregate_type VARCHAR(255) NOT NULL,
    aggregate_version BIGINT NOT NULL,
    data JSONB NOT NULL,
    metadata JSONB NOT NULL,
    correlation_id VARCHAR(255),
    causation_id VARCHAR(255),
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (aggregate_type, aggregate_id, aggregate_version)
)`, cfg.EventsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_event_type ON %[1]s (event_type, position)`, cfg.EventsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_created_at ON %[1]s (created_at)`, cfg.EventsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_correlation ON %[1]s (correlation_id) WHERE correlation_id IS NOT NULL`, cfg.EventsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    aggregate_type VARCHAR(255) NOT NULL,
    aggregate_id VARCHAR(255) NOT NULL,
    aggregate_version BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (aggregate_type, aggregate_id)
)`, cfg.AggregateHeadsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    aggregate_type VARCHAR(255) NOT NULL,
    aggregate_id VARCHAR(255) NOT NULL,
    version BIGINT NOT NULL,
    data JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (aggregate_type, aggregate_id)
)`, cfg.SnapshotsTable),
	}
}

func mysqlSchema(cfg Config) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
    position BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
    event_id VARCHAR(36) NOT NULL,
    event_type VARCHAR(255) NOT NULL,
    aggregate_id VARCHAR(255) NOT NULL,
    aggregate_type VARCHAR(255) NOT NULL,
    aggregate_version BIGINT NOT NULL,
    data JSON NOT NULL,
    metadata JSON NOT NULL,
    correlation_id VARCHAR(255) NULL,
    causation_id VARCHAR(255) NULL,
    created_at DATETIME(6) NOT NULL,
    UNIQUE KEY uq_%[1]s_event_id (event_id),
    UNIQUE KEY uq_%[1]s_aggregate_version (aggregate_type, aggregate_id, aggregate_version),
    INDEX idx_%[1]s_event_type (event_type, position),
    INDEX idx_%[1]s_created_at (created_at),
    INDEX idx_%[1]s_correlation (correlation_id)
) ENGINE=InnoDB`, cfg.EventsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    aggregate_type VARCHAR(255) NOT NULL,
    aggregate_id VARCHAR(255) NOT NULL,
    aggregate_version BIGINT NOT NULL,
    updated_at DATETIME(6) NOT NULL,
    PRIMARY KEY (aggregate_type, aggregate_id)
) ENGINE=InnoDB`, cfg.AggregateHeadsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    aggregate_type VARCHAR(255) NOT NULL,
    aggregate_id VARCHAR(255) NOT NULL,
    version BIGINT NOT NULL,
    data JSON NOT NULL,
    created_at DATETIME(6) NOT NULL,
    PRIMARY KEY (aggregate_type, aggregate_id)
) ENGINE=InnoDB`, cfg.SnapshotsTable),
	}
}

func sqliteSchema(cfg Config) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    position INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    aggregate_type TEXT NOT NULL,
    aggregate_version INTEGER NOT NULL,
    data TEXT NOT NULL,
    metadata TEXT NOT NULL,
    correlation_id TEXT,
    causation_id TEXT,
    created_at TEXT NOT NULL,
    UNIQUE (aggregate_type, aggregate_id, aggregate_version)
)`, cfg.EventsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_event_type ON %[1]s (event_type, position)`, cfg.EventsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_created_at ON %[1]s (created_at)`, cfg.EventsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    aggregate_type TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    aggregate_version INTEGER NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (aggregate_type, aggregate_id)
)`, cfg.AggregateHeadsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    aggregate_type TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    data TEXT NOT NULL,
    created_at TEXT NOT NULL,
    PRIMARY KEY (aggregate_type, aggregate_id)
)`, cfg.SnapshotsTable),
	}
}
