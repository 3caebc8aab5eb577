package sqlutil

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

func TestRebind(t *testing.T) {
	query := "SELECT * FROM events WHERE a = ? AND b IN (?, ?)"

	if got := Postgres.Rebind(query); got != "SELECT * FROM events WHERE a = $1 AND b IN ($2, $3)" {
		t.Errorf("postgres rebind: %q", got)
	}
	if got := SQLite.Rebind(query); got != query {
		t.Errorf("sqlite must keep ? placeholders: %q", got)
	}
	if got := MySQL.Rebind(query); got != query {
		t.Errorf("mysql must keep ? placeholders: %q", got)
	}
}

func TestParseDialect(t *testing.T) {
	tests := map[string]Dialect{"pgx": Postgres, "postgres": Postgres, "sqlite": SQLite, "mysql": MySQL}
	for driver, want := range tests {
		got, err := ParseDialect(driver)
		if err != nil || got != want {
			t.Errorf("ParseDialect(%q) = %q, %v", driver, got, err)
		}
	}
	if _, err := ParseDialect("oracle"); err == nil {
		t.Error("expected an error for an unsupported driver")
	}
}

func TestTimeScan(t *testing.T) {
	want := time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.UTC)

	for name, src := range map[string]any{
		"native": want.In(time.FixedZone("CET", 3600)),
		"string": want.Format(TimeFormat),
		"bytes":  []byte(want.Format(TimeFormat)),
		"mysql":  []byte("2024-05-06 07:08:09.123456789"),
	} {
		t.Run(name, func(t *testing.T) {
			var got Time
			if err := got.Scan(src); err != nil {
				t.Fatalf("scan failed: %v", err)
			}
			if !got.Valid || !got.Time.Equal(want) {
				t.Errorf("got %v, want %v", got.Time, want)
			}
		})
	}

	var null Time
	if err := null.Scan(nil); err != nil || null.Valid {
		t.Errorf("nil must scan to an invalid time, got %+v %v", null, err)
	}
	if err := null.Scan(42); err == nil {
		t.Error("expected an error scanning an int")
	}
}

func TestSQLiteTimeArgSortsLexically(t *testing.T) {
	early := SQLite.TimeArg(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)).(string)
	late := SQLite.TimeArg(time.Date(2024, 1, 1, 10, 0, 0, 5, time.UTC)).(string)
	if early >= late {
		t.Errorf("expected %q < %q", early, late)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"pq", fmt.Errorf("insert: %w", &pq.Error{Code: "23505"}), true},
		{"pq other", &pq.Error{Code: "23503"}, false},
		{"pgx", &pgconn.PgError{Code: "23505"}, true},
		{"mysql", &mysql.MySQLError{Number: 1062}, true},
		{"mysql other", &mysql.MySQLError{Number: 1213}, false},
		{"sqlite", errors.New("constraint failed: UNIQUE constraint failed: events.event_id (2067)"), true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUniqueViolation(tt.err); got != tt.want {
				t.Errorf("IsUniqueViolation(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsUniqueViolationOn(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"pq event id", &pq.Error{Code: "23505", Constraint: "events_event_id_key"}, true},
		{"pq version", &pq.Error{Code: "23505", Constraint: "events_aggregate_type_aggregate_id_aggregate_version_key"}, false},
		{"pgx detail", &pgconn.PgError{Code: "23505", Detail: "Key (event_id)=(abc) already exists."}, true},
		{"mysql event id", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'abc' for key 'events.uq_events_event_id'"}, true},
		{"mysql version", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'x-1-2' for key 'events.uq_events_aggregate_version'"}, false},
		{"sqlite event id", errors.New("UNIQUE constraint failed: events.event_id (2067)"), true},
		{"sqlite version", errors.New("UNIQUE constraint failed: events.aggregate_type, events.aggregate_id, events.aggregate_version (2067)"), false},
		{"not unique", &pq.Error{Code: "23503", Constraint: "events_event_id_key"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUniqueViolationOn(tt.err, "event_id"); got != tt.want {
				t.Errorf("IsUniqueViolationOn(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
