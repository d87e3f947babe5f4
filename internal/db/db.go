package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tphummel/lab_power/internal/models"
	"github.com/tphummel/lab_power/internal/outlet"
	_ "modernc.org/sqlite"
)

// timeLayout has a fixed-width fraction so stored timestamps sort
// lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps a SQLite connection holding operation history and energy
// samples. The configuration document lives elsewhere; nothing here is
// needed to power a server.
type DB struct {
	conn *sql.DB
}

// New opens the SQLite database at path, enables WAL mode, and runs migrations.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Every connection to :memory: is a separate database.
	if path == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrate(conn); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &DB{conn: conn}, nil
}

func migrate(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS operations (
			id          TEXT PRIMARY KEY,
			server      TEXT NOT NULL,
			action      TEXT NOT NULL,
			success     INTEGER NOT NULL,
			message     TEXT NOT NULL DEFAULT '',
			logs        TEXT NOT NULL DEFAULT '[]',
			started_at  TEXT NOT NULL,
			finished_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_operations_server ON operations(server);
		CREATE INDEX IF NOT EXISTS idx_operations_started ON operations(started_at);

		CREATE TABLE IF NOT EXISTS energy_samples (
			outlet_ip TEXT NOT NULL,
			at_ms     INTEGER NOT NULL,
			total_wh  REAL NOT NULL,
			power_w   REAL NOT NULL,
			relay_on  INTEGER NOT NULL,
			PRIMARY KEY (outlet_ip, at_ms)
		);
	`)
	return err
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Ping verifies the database connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

// RecordOperation inserts a finished power operation.
func (d *DB) RecordOperation(ctx context.Context, op *models.OperationRecord) error {
	logs := op.Logs
	if logs == nil {
		logs = []string{}
	}
	logsJSON, err := json.Marshal(logs)
	if err != nil {
		return err
	}
	_, err = d.conn.ExecContext(ctx, `
		INSERT INTO operations (id, server, action, success, message, logs, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.Server, string(op.Action), op.Success, op.Message, string(logsJSON),
		op.StartedAt.UTC().Format(timeLayout),
		op.FinishedAt.UTC().Format(timeLayout),
	)
	return err
}

// GetOperation returns the operation with the given ID, or sql.ErrNoRows if not found.
func (d *DB) GetOperation(ctx context.Context, id string) (*models.OperationRecord, error) {
	row := d.conn.QueryRowContext(ctx, `
		SELECT id, server, action, success, message, logs, started_at, finished_at
		FROM operations WHERE id = ?`, id)
	return scanOperation(row)
}

// ListOperations returns the most recent operations first, optionally
// filtered by server. A limit of zero or less means 50.
func (d *DB) ListOperations(ctx context.Context, server string, limit int) ([]*models.OperationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if server != "" {
		rows, err = d.conn.QueryContext(ctx, `
			SELECT id, server, action, success, message, logs, started_at, finished_at
			FROM operations WHERE server = ? ORDER BY started_at DESC LIMIT ?`, server, limit)
	} else {
		rows, err = d.conn.QueryContext(ctx, `
			SELECT id, server, action, success, message, logs, started_at, finished_at
			FROM operations ORDER BY started_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ops := []*models.OperationRecord{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// OperationCount is the number of recorded operations for one
// action/outcome pair.
type OperationCount struct {
	Action  string
	Outcome string
	Count   int
}

// CountOperations groups the history by action and outcome.
func (d *DB) CountOperations() ([]OperationCount, error) {
	rows, err := d.conn.Query(`
		SELECT action, success, COUNT(*) FROM operations GROUP BY action, success`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []OperationCount
	for rows.Next() {
		var c OperationCount
		var success bool
		if err := rows.Scan(&c.Action, &success, &c.Count); err != nil {
			return nil, err
		}
		c.Outcome = "failure"
		if success {
			c.Outcome = "success"
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// RecordEnergySample stores one reading of an outlet's lifetime counter.
// A second sample for the same outlet and millisecond replaces the first.
func (d *DB) RecordEnergySample(ctx context.Context, s outlet.EnergySample) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO energy_samples (outlet_ip, at_ms, total_wh, power_w, relay_on)
		VALUES (?, ?, ?, ?, ?)`,
		s.OutletIP, s.At.UnixMilli(), s.TotalWh, s.PowerW, s.On)
	return err
}

// EnergySince sums counter growth and relay-on time for outletIP from
// since until the latest sample. The last sample before since, if any,
// is the baseline. A counter that goes backwards was reset by the device,
// and the new value is counted from zero.
func (d *DB) EnergySince(ctx context.Context, outletIP string, since time.Time) (outlet.EnergyTotals, error) {
	var samples []outlet.EnergySample

	baseline, err := d.conn.QueryContext(ctx, `
		SELECT at_ms, total_wh, power_w, relay_on FROM energy_samples
		WHERE outlet_ip = ? AND at_ms < ? ORDER BY at_ms DESC LIMIT 1`,
		outletIP, since.UnixMilli())
	if err != nil {
		return outlet.EnergyTotals{}, err
	}
	samples, err = appendSamples(samples, baseline)
	if err != nil {
		return outlet.EnergyTotals{}, err
	}

	window, err := d.conn.QueryContext(ctx, `
		SELECT at_ms, total_wh, power_w, relay_on FROM energy_samples
		WHERE outlet_ip = ? AND at_ms >= ? ORDER BY at_ms`,
		outletIP, since.UnixMilli())
	if err != nil {
		return outlet.EnergyTotals{}, err
	}
	samples, err = appendSamples(samples, window)
	if err != nil {
		return outlet.EnergyTotals{}, err
	}

	var totals outlet.EnergyTotals
	for i := 1; i < len(samples); i++ {
		prev, cur := samples[i-1], samples[i]
		if cur.TotalWh >= prev.TotalWh {
			totals.EnergyWh += cur.TotalWh - prev.TotalWh
		} else {
			totals.EnergyWh += cur.TotalWh
		}
		if prev.On {
			start := prev.At
			if start.Before(since) {
				start = since
			}
			totals.Runtime += cur.At.Sub(start)
		}
	}
	return totals, nil
}

// PruneEnergySamples deletes samples taken before cutoff and returns how
// many were removed.
func (d *DB) PruneEnergySamples(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.conn.ExecContext(ctx, `DELETE FROM energy_samples WHERE at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func appendSamples(dst []outlet.EnergySample, rows *sql.Rows) ([]outlet.EnergySample, error) {
	defer rows.Close()
	for rows.Next() {
		var s outlet.EnergySample
		var atMS int64
		if err := rows.Scan(&atMS, &s.TotalWh, &s.PowerW, &s.On); err != nil {
			return nil, err
		}
		s.At = time.UnixMilli(atMS)
		dst = append(dst, s)
	}
	return dst, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(row scanner) (*models.OperationRecord, error) {
	var op models.OperationRecord
	var action, logs, startedAt, finishedAt string
	if err := row.Scan(
		&op.ID, &op.Server, &action, &op.Success, &op.Message, &logs,
		&startedAt, &finishedAt,
	); err != nil {
		return nil, err
	}
	op.Action = models.Action(action)
	if err := json.Unmarshal([]byte(logs), &op.Logs); err != nil {
		return nil, fmt.Errorf("parse logs: %w", err)
	}
	var err error
	op.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at %q: %w", startedAt, err)
	}
	op.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt)
	if err != nil {
		return nil, fmt.Errorf("parse finished_at %q: %w", finishedAt, err)
	}
	return &op, nil
}
