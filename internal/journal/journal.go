// Package journal keeps an in-memory SQLite record of the current session:
// events, current readings, target output and operator log lines. It backs
// the pulse and success counters, the current statistics and the debug SQL
// console. Nothing outlives the process.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	_ "modernc.org/sqlite"

	"github.com/lfi-playground/lfi-demo/internal/dispatch"
	"github.com/lfi-playground/lfi-demo/internal/telemetry"
)

// Journal is a session journal. It is safe for concurrent use.
type Journal struct {
	db   *sql.DB
	keep int
}

// Open creates an empty journal keeping at most keep current readings.
func Open(keep int) (*Journal, error) {
	if keep < 1 {
		return nil, fmt.Errorf("journal must keep at least one reading, got %d", keep)
	}
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	for _, pragma := range []string{
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	j := &Journal{db: db, keep: keep}
	if err := j.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// DB exposes the database for the debug SQL console.
func (j *Journal) DB() *sql.DB { return j.db }

// Close discards the journal.
func (j *Journal) Close() error { return j.db.Close() }

// Run records every item of sub until it is released or ctx ends.
func (j *Journal) Run(ctx context.Context, sub *dispatch.Subscription[telemetry.Item]) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case it, ok := <-sub.C():
			if !ok {
				return
			}
			if err := j.Record(ctx, it); err != nil {
				log.Printf("[Journal] failed to record %s: %v", telemetry.Kind(it), err)
			}
		}
	}
}

// Record stores one telemetry item.
func (j *Journal) Record(ctx context.Context, it telemetry.Item) error {
	switch v := it.(type) {
	case telemetry.EventRecord:
		_, err := j.db.ExecContext(ctx,
			`INSERT INTO events (event, time_unix_nanos) VALUES (?, ?)`,
			v.Event.String(), v.Time.UnixNano())
		return err
	case telemetry.Reading:
		return j.recordReading(ctx, v)
	case telemetry.SerialData:
		_, err := j.db.ExecContext(ctx,
			`INSERT INTO serial_lines (class, line, time_unix_nanos) VALUES (?, ?, ?)`,
			v.Class.String(), v.Text(), v.Time.UnixNano())
		return err
	case telemetry.LogMessage:
		_, err := j.db.ExecContext(ctx,
			`INSERT INTO logs (level, message, time_unix_nanos) VALUES (?, ?, ?)`,
			v.Level.String(), v.Message, v.Timestamp.UnixNano())
		return err
	default:
		return fmt.Errorf("unsupported telemetry item %T", it)
	}
}

func (j *Journal) recordReading(ctx context.Context, r telemetry.Reading) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO readings (shunt_voltage, bus_voltage, current, power, overflow, time_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ShuntVoltage, r.BusVoltage, nullFloat(r.Current), nullFloat(r.Power), r.Overflow, r.Time.UnixNano(),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM readings
		WHERE reading_id <= (SELECT MAX(reading_id) FROM readings) - ?`, j.keep,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// Counters summarizes the session.
type Counters struct {
	Pulses      int64            `json:"pulses"`
	Successes   int64            `json:"successes"`
	PowerCycles int64            `json:"power_cycles"`
	SerialLines int64            `json:"serial_lines"`
	Events      map[string]int64 `json:"events"`
}

// Counters returns how many times each event was seen.
func (j *Journal) Counters(ctx context.Context) (Counters, error) {
	c := Counters{Events: make(map[string]int64)}
	rows, err := j.db.QueryContext(ctx, `SELECT event, n FROM event_counts`)
	if err != nil {
		return c, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			return c, err
		}
		c.Events[name] = n
	}
	if err := rows.Err(); err != nil {
		return c, err
	}
	c.Pulses = c.Events[telemetry.Pulse.String()]
	c.Successes = c.Events[telemetry.GlitchSuccess.String()]
	c.PowerCycles = c.Events[telemetry.TargetPowerDisabled.String()]

	err = j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM serial_lines`).Scan(&c.SerialLines)
	return c, err
}

// RecentReadings returns up to n of the latest readings, oldest first.
func (j *Journal) RecentReadings(ctx context.Context, n int) ([]telemetry.Reading, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT shunt_voltage, bus_voltage, current, power, overflow, time_unix_nanos
		FROM (SELECT * FROM readings ORDER BY reading_id DESC LIMIT ?)
		ORDER BY reading_id ASC`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []telemetry.Reading
	for rows.Next() {
		var r telemetry.Reading
		var current, power sql.NullFloat64
		var nanos int64
		if err := rows.Scan(&r.ShuntVoltage, &r.BusVoltage, &current, &power, &r.Overflow, &nanos); err != nil {
			return nil, err
		}
		if current.Valid {
			r.Current = telemetry.Float(current.Float64)
		}
		if power.Valid {
			r.Power = telemetry.Float(power.Float64)
		}
		r.Time = time.Unix(0, nanos).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// LogEntry is a journaled operator log line.
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// RecentLogs returns up to n of the latest log lines, newest first.
func (j *Journal) RecentLogs(ctx context.Context, n int) ([]LogEntry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT level, message, time_unix_nanos FROM logs
		ORDER BY log_id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var nanos int64
		if err := rows.Scan(&e.Level, &e.Message, &nanos); err != nil {
			return nil, err
		}
		e.Time = time.Unix(0, nanos).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// ErrNoReadings is returned by CurrentStats before the first valid reading.
var ErrNoReadings = errors.New("no current readings")

// CurrentStats describes the recent target supply current, in mA.
type CurrentStats struct {
	Samples   int     `json:"samples"`
	Overflows int     `json:"overflows"`
	Mean      float64 `json:"mean_ma"`
	StdDev    float64 `json:"std_dev_ma"`
	Min       float64 `json:"min_ma"`
	Max       float64 `json:"max_ma"`
	Median    float64 `json:"median_ma"`
	P95       float64 `json:"p95_ma"`
}

// CurrentStats computes statistics over the last n readings. Overflowed
// readings are counted but carry no value.
func (j *Journal) CurrentStats(ctx context.Context, n int) (CurrentStats, error) {
	readings, err := j.RecentReadings(ctx, n)
	if err != nil {
		return CurrentStats{}, err
	}
	return Stats(readings)
}

// Stats computes CurrentStats over readings.
func Stats(readings []telemetry.Reading) (CurrentStats, error) {
	var st CurrentStats
	values := make([]float64, 0, len(readings))
	for _, r := range readings {
		if r.Overflow || r.Current == nil {
			st.Overflows++
			continue
		}
		values = append(values, *r.Current*1e3)
	}
	st.Samples = len(values)
	if len(values) == 0 {
		return st, ErrNoReadings
	}

	sort.Float64s(values)
	st.Mean, st.StdDev = stat.MeanStdDev(values, nil)
	if len(values) == 1 {
		st.StdDev = 0
	}
	st.Min = floats.Min(values)
	st.Max = floats.Max(values)
	st.Median = stat.Quantile(0.5, stat.Empirical, values, nil)
	st.P95 = stat.Quantile(0.95, stat.Empirical, values, nil)
	return st, nil
}
