// Package sqlstore is a database/sql event store for PostgreSQL, SQLite and MySQL.
//
// Appends read the aggregate's row in the heads table (row locked where the
// dialect supports it), check the expected version and insert the events in one
// transaction. The unique (aggregate_type, aggregate_id, aggregate_version)
// constraint catches writers that raced past the check.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/terraskye/eventhub"
	"github.com/terraskye/eventhub/internal/sqlutil"
)

// Config contains configuration for the SQL event store.
type Config struct {
	EventsTable         string
	AggregateHeadsTable string
	SnapshotsTable      string
	Logger              *logrus.Entry
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		EventsTable:         "events",
		AggregateHeadsTable: "aggregate_heads",
		SnapshotsTable:      "snapshots",
	}
}

// Option is a functional option for configuring a Store.
type Option func(*Config)

// WithLogger sets a logger for the store.
func WithLogger(logger *logrus.Entry) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithEventsTable sets a custom events table name.
func WithEventsTable(name string) Option {
	return func(c *Config) { c.EventsTable = name }
}

// WithAggregateHeadsTable sets a custom aggregate heads table name.
func WithAggregateHeadsTable(name string) Option {
	return func(c *Config) { c.AggregateHeadsTable = name }
}

// WithSnapshotsTable sets a custom snapshots table name.
func WithSnapshotsTable(name string) Option {
	return func(c *Config) { c.SnapshotsTable = name }
}

// Store is a database/sql backed eventhub.EventStore. The caller owns db; Close
// only stops the store from accepting calls.
type Store struct {
	db      *sql.DB
	dialect sqlutil.Dialect
	config  Config
	log     *logrus.Entry
	closed  atomic.Bool
	now     func() time.Time
}

var _ eventhub.EventStore = (*Store)(nil)

// New creates a store over db speaking dialect.
func New(db *sql.DB, dialect sqlutil.Dialect, opts ...Option) *Store {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	return &Store{
		db:      db,
		dialect: dialect,
		config:  cfg,
		log:     log.WithField("component", "sqlstore"),
		now:     time.Now,
	}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range Schema(s.dialect, s.config) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s store: %w", s.dialect, err)
		}
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) q(query string) string {
	return s.dialect.Rebind(query)
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return eventhub.ErrStoreClosed
	}
	return nil
}

func (s *Store) AppendEvents(ctx context.Context, aggregateID, aggregateType string, events []eventhub.DomainEvent, opts ...eventhub.AppendOption) ([]eventhub.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, eventhub.ErrNoEvents
	}
	for i, ev := range events {
		if ev.AggregateID() != aggregateID || ev.AggregateType() != aggregateType {
			return nil, fmt.Errorf(
				"append to %s %q: %w: event %d belongs to %s %q",
				aggregateType, aggregateID, eventhub.ErrInvalidEventBatch, i, ev.AggregateType(), ev.AggregateID(),
			)
		}
	}
	options := eventhub.NewAppendOptions(opts...)

	log := s.log.WithFields(logrus.Fields{
		"aggregate_type": aggregateType,
		"aggregate_id":   aggregateID,
	})
	log.WithFields(logrus.Fields{
		"event_count":      len(events),
		"expected_version": options.ExpectedVersion.String(),
	}).Debug("append starting")

	var records []eventhub.Record
	var current int64
	err := sqlutil.InTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		var err error
		current, err = s.lockHead(ctx, tx, aggregateID, aggregateType)
		if err != nil {
			return err
		}
		if !options.ExpectedVersion.Check(current) {
			return &eventhub.ConcurrencyConflictError{
				AggregateID:   aggregateID,
				AggregateType: aggregateType,
				Expected:      options.ExpectedVersion,
				Actual:        current,
			}
		}

		records = make([]eventhub.Record, 0, len(events))
		for i, ev := range events {
			rec, err := eventhub.NewRecord(ev, current+int64(i)+1)
			if err != nil {
				return err
			}
			if rec.Position, err = s.insertEvent(ctx, tx, rec); err != nil {
				return err
			}
			records = append(records, rec)
		}

		return s.upsertHead(ctx, tx, aggregateID, aggregateType, current+int64(len(events)))
	})
	if err != nil {
		// Only the per-aggregate version constraint means another writer got there first.
		if sqlutil.IsUniqueViolationOn(err, "event_id") {
			log.WithError(err).Error("duplicate event id")
			return nil, eventhub.WrapEventStoreError("append", fmt.Errorf("%w: %w", eventhub.ErrDuplicateEventID, err))
		}
		if sqlutil.IsUniqueViolation(err) {
			log.WithError(err).Warn("optimistic concurrency conflict")
			return nil, &eventhub.ConcurrencyConflictError{
				AggregateID:   aggregateID,
				AggregateType: aggregateType,
				Expected:      options.ExpectedVersion,
				Actual:        current,
			}
		}
		if errors.Is(err, eventhub.ErrConcurrencyConflict) {
			log.WithError(err).Info("expected version mismatch")
			return nil, err
		}
		log.WithError(err).Error("append failed")
		return nil, eventhub.WrapEventStoreError("append", err)
	}

	log.WithFields(logrus.Fields{
		"version_range": fmt.Sprintf("%d-%d", records[0].EventVersion, records[len(records)-1].EventVersion),
		"position":      records[len(records)-1].Position,
	}).Debug("events appended")
	return records, nil
}

func (s *Store) lockHead(ctx context.Context, tx *sql.Tx, aggregateID, aggregateType string) (int64, error) {
	query := fmt.Sprintf(
		`SELECT aggregate_version FROM %s WHERE aggregate_type = ? AND aggregate_id = ?%s`,
		s.config.AggregateHeadsTable, s.dialect.ForUpdate(),
	)
	var version int64
	err := tx.QueryRowContext(ctx, s.q(query), aggregateType, aggregateID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read aggregate head: %w", err)
	}
	return version, nil
}

func (s *Store) insertEvent(ctx context.Context, tx *sql.Tx, rec eventhub.Record) (int64, error) {
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return 0, fmt.Errorf("encode metadata: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (
    event_id, event_type, aggregate_id, aggregate_type, aggregate_version,
    data, metadata, correlation_id, causation_id, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.config.EventsTable)
	args := []any{
		rec.EventID.String(), rec.EventType, rec.AggregateID, rec.AggregateType, rec.EventVersion,
		string(rec.Data), string(metadata), sqlutil.NullString(rec.CorrelationID), sqlutil.NullString(rec.CausationID),
		s.dialect.TimeArg(rec.Timestamp),
	}

	if s.dialect == sqlutil.Postgres {
		var position int64
		if err := tx.QueryRowContext(ctx, s.q(query+" RETURNING position"), args...).Scan(&position); err != nil {
			return 0, fmt.Errorf("insert event %s: %w", rec.EventID, err)
		}
		return position, nil
	}

	res, err := tx.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", rec.EventID, err)
	}
	position, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read position of %s: %w", rec.EventID, err)
	}
	return position, nil
}

func (s *Store) upsertHead(ctx context.Context, tx *sql.Tx, aggregateID, aggregateType string, version int64) error {
	var query string
	if s.dialect == sqlutil.MySQL {
		query = fmt.Sprintf(`INSERT INTO %s (aggregate_type, aggregate_id, aggregate_version, updated_at)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE aggregate_version = VALUES(aggregate_version), updated_at = VALUES(updated_at)`,
			s.config.AggregateHeadsTable)
	} else {
		query = fmt.Sprintf(`INSERT INTO %s (aggregate_type, aggregate_id, aggregate_version, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (aggregate_type, aggregate_id)
DO UPDATE SET aggregate_version = excluded.aggregate_version, updated_at = excluded.updated_at`,
			s.config.AggregateHeadsTable)
	}
	if _, err := tx.ExecContext(ctx, s.q(query), aggregateType, aggregateID, version, s.dialect.TimeArg(s.now())); err != nil {
		return fmt.Errorf("update aggregate head: %w", err)
	}
	return nil
}

const selectColumns = `position, event_id, event_type, aggregate_id, aggregate_type, aggregate_version,
    data, metadata, correlation_id, causation_id, created_at`

func (s *Store) GetEvents(ctx context.Context, aggregateID, aggregateType string, fromVersion int64) ([]eventhub.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE aggregate_type = ? AND aggregate_id = ? AND aggregate_version >= ?
ORDER BY aggregate_version ASC`, selectColumns, s.config.EventsTable)
	return s.queryRecords(ctx, "get events", query, aggregateType, aggregateID, fromVersion)
}

func (s *Store) GetEventStream(ctx context.Context, aggregateID, aggregateType string) (eventhub.EventStream, error) {
	events, err := s.GetEvents(ctx, aggregateID, aggregateType, 0)
	if err != nil {
		return eventhub.EventStream{}, err
	}
	stream := eventhub.EventStream{AggregateID: aggregateID, AggregateType: aggregateType, Events: events}
	if n := len(events); n > 0 {
		stream.Version = events[n-1].EventVersion
	}
	return stream, nil
}

func (s *Store) QueryEvents(ctx context.Context, q eventhub.Query) ([]eventhub.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	where, args := s.where(q)
	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY position ASC`, selectColumns, s.config.EventsTable, where)

	switch {
	case q.Limit > 0:
		query += " LIMIT ?"
		args = append(args, q.Limit)
	case q.Offset > 0 && s.dialect == sqlutil.SQLite:
		query += " LIMIT -1"
	case q.Offset > 0 && s.dialect == sqlutil.MySQL:
		query += " LIMIT 18446744073709551615"
	}
	if q.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, q.Offset)
	}
	return s.queryRecords(ctx, "query events", query, args...)
}

func (s *Store) CountEvents(ctx context.Context, q eventhub.Query) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	where, args := s.where(q)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, s.config.EventsTable, where)

	var n int
	if err := s.db.QueryRowContext(ctx, s.q(query), args...).Scan(&n); err != nil {
		return 0, eventhub.WrapEventStoreError("count events", err)
	}
	return n, nil
}

func (s *Store) GetAllEvents(ctx context.Context, fromPosition int64, limit int) ([]eventhub.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE position >= ? ORDER BY position ASC`, selectColumns, s.config.EventsTable)
	args := []any{fromPosition}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryRecords(ctx, "get all events", query, args...)
}

func (s *Store) GetAggregateVersion(ctx context.Context, aggregateID, aggregateType string) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`SELECT aggregate_version FROM %s WHERE aggregate_type = ? AND aggregate_id = ?`, s.config.AggregateHeadsTable)

	var version int64
	err := s.db.QueryRowContext(ctx, s.q(query), aggregateType, aggregateID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, eventhub.WrapEventStoreError("get aggregate version", err)
	}
	return version, nil
}

func (s *Store) AggregateExists(ctx context.Context, aggregateID, aggregateType string) (bool, error) {
	v, err := s.GetAggregateVersion(ctx, aggregateID, aggregateType)
	return v > 0, err
}

func (s *Store) CreateSnapshot(ctx context.Context, snapshot eventhub.Snapshot) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = s.now()
	}
	data := snapshot.Data
	if len(data) == 0 {
		data = []byte("null")
	}

	var query string
	if s.dialect == sqlutil.MySQL {
		query = fmt.Sprintf(`INSERT INTO %s (aggregate_type, aggregate_id, version, data, created_at)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE version = VALUES(version), data = VALUES(data), created_at = VALUES(created_at)`,
			s.config.SnapshotsTable)
	} else {
		query = fmt.Sprintf(`INSERT INTO %s (aggregate_type, aggregate_id, version, data, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (aggregate_type, aggregate_id)
DO UPDATE SET version = excluded.version, data = excluded.data, created_at = excluded.created_at`,
			s.config.SnapshotsTable)
	}

	err := sqlutil.InTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		current, err := s.lockHead(ctx, tx, snapshot.AggregateID, snapshot.AggregateType)
		if err != nil {
			return err
		}
		if snapshot.Version < 0 || snapshot.Version > current {
			return fmt.Errorf("snapshot %s %q at version %d (aggregate at %d): %w",
				snapshot.AggregateType, snapshot.AggregateID, snapshot.Version, current, eventhub.ErrSnapshotVersion)
		}
		_, err = tx.ExecContext(ctx, s.q(query),
			snapshot.AggregateType, snapshot.AggregateID, snapshot.Version, string(data), s.dialect.TimeArg(snapshot.CreatedAt))
		return err
	})
	if errors.Is(err, eventhub.ErrSnapshotVersion) {
		return err
	}
	return eventhub.WrapEventStoreError("create snapshot", err)
}

func (s *Store) GetSnapshot(ctx context.Context, aggregateID, aggregateType string) (eventhub.Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return eventhub.Snapshot{}, err
	}
	query := fmt.Sprintf(`SELECT version, data, created_at FROM %s WHERE aggregate_type = ? AND aggregate_id = ?`, s.config.SnapshotsTable)

	snap := eventhub.Snapshot{AggregateID: aggregateID, AggregateType: aggregateType}
	var data []byte
	var createdAt sqlutil.Time
	err := s.db.QueryRowContext(ctx, s.q(query), aggregateType, aggregateID).Scan(&snap.Version, &data, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return eventhub.Snapshot{}, fmt.Errorf("snapshot %s %q: %w", aggregateType, aggregateID, eventhub.ErrSnapshotNotFound)
	}
	if err != nil {
		return eventhub.Snapshot{}, eventhub.WrapEventStoreError("get snapshot", err)
	}
	snap.Data = data
	snap.CreatedAt = createdAt.Time
	return snap, nil
}

// Close stops the store. It does not close the underlying *sql.DB.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Store) where(q eventhub.Query) (string, []any) {
	var conds []string
	var args []any

	add := func(cond string, values ...any) {
		conds = append(conds, cond)
		args = append(args, values...)
	}
	in := func(column string, values []string) {
		vals := make([]any, len(values))
		for i, v := range values {
			vals[i] = v
		}
		add(fmt.Sprintf("%s IN (%s)", column, sqlutil.Placeholders(len(values))), vals...)
	}

	if q.AggregateID != "" {
		add("aggregate_id = ?", q.AggregateID)
	}
	if q.AggregateType != "" {
		add("aggregate_type = ?", q.AggregateType)
	}
	if len(q.AggregateIDs) > 0 {
		in("aggregate_id", q.AggregateIDs)
	}
	if len(q.AggregateTypes) > 0 {
		in("aggregate_type", q.AggregateTypes)
	}
	if len(q.EventTypes) > 0 {
		in("event_type", q.EventTypes)
	}
	if q.FromVersion > 0 {
		add("aggregate_version >= ?", q.FromVersion)
	}
	if q.ToVersion > 0 {
		add("aggregate_version <= ?", q.ToVersion)
	}
	if !q.FromTimestamp.IsZero() {
		add("created_at >= ?", s.dialect.TimeArg(q.FromTimestamp))
	}
	if !q.ToTimestamp.IsZero() {
		add("created_at <= ?", s.dialect.TimeArg(q.ToTimestamp))
	}
	if q.FromPosition > 0 {
		add("position >= ?", q.FromPosition)
	}
	if q.ToPosition > 0 {
		add("position <= ?", q.ToPosition)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *Store) queryRecords(ctx context.Context, op, query string, args ...any) ([]eventhub.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, eventhub.WrapEventStoreError(op, err)
	}
	defer rows.Close()

	records := []eventhub.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, eventhub.WrapEventStoreError(op, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, eventhub.WrapEventStoreError(op, err)
	}
	return records, nil
}

func scanRecord(rows *sql.Rows) (eventhub.Record, error) {
	var (
		rec                    eventhub.Record
		eventID                string
		data, metadata         []byte
		correlation, causation sql.NullString
		createdAt              sqlutil.Time
	)
	err := rows.Scan(
		&rec.Position, &eventID, &rec.EventType, &rec.AggregateID, &rec.AggregateType, &rec.EventVersion,
		&data, &metadata, &correlation, &causation, &createdAt,
	)
	if err != nil {
		return rec, fmt.Errorf("scan event: %w", err)
	}
	if rec.EventID, err = uuid.Parse(eventID); err != nil {
		return rec, fmt.Errorf("parse event id %q: %w", eventID, err)
	}
	rec.Data = data
	rec.Metadata = eventhub.Metadata{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return rec, fmt.Errorf("decode metadata of %s: %w", eventID, err)
		}
	}
	if rec.Metadata == nil {
		rec.Metadata = eventhub.Metadata{}
	}
	rec.CorrelationID = correlation.String
	rec.CausationID = causation.String
	rec.Timestamp = createdAt.Time
	return rec, nil
}
