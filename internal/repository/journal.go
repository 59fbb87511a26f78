package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"TrapLine/internal/domain/models"
	domrepo "TrapLine/internal/domain/repository"
	pkgch "TrapLine/pkg/clickhouse"
	applogger "TrapLine/pkg/logger"
)

// ClickHouseJournal implements Journal backed by ClickHouse. Every
// pipeline event is stored as its full JSON payload next to the columns
// the ops queries filter on.
type ClickHouseJournal struct {
	db    *sql.DB
	table string
	l     *applogger.Logger
}

var _ domrepo.Journal = (*ClickHouseJournal)(nil)

// NewClickHouseJournal creates the ClickHouse event journal.
func NewClickHouseJournal(ch *pkgch.Client, table string) *ClickHouseJournal {
	return &ClickHouseJournal{db: ch.DB(), table: table}
}

// SetLogger injects a structured logger.
func (j *ClickHouseJournal) SetLogger(l *applogger.Logger) { j.l = l }

// Init creates the events table if it does not exist.
func (j *ClickHouseJournal) Init(ctx context.Context) error {
	ddl := fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS %s (
            ts      DateTime64(3),
            type    LowCardinality(String),
            symbol  LowCardinality(String),
            payload String
        ) ENGINE = MergeTree()
        ORDER BY (type, symbol, ts)
        TTL toDateTime(ts) + INTERVAL 30 DAY
    `, j.table)
	if _, err := j.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init journal: %w", err)
	}
	return nil
}

// Append stores a single event.
func (j *ClickHouseJournal) Append(ctx context.Context, e *models.Event) error {
	if e == nil {
		return nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	q := fmt.Sprintf("INSERT INTO %s (ts, type, symbol, payload) VALUES (?, ?, ?, ?)", j.table)
	_, err = j.db.ExecContext(ctx, q, e.Timestamp, string(e.Type), e.Symbol, string(payload))
	return err
}

// AppendBatch stores events using multi-row VALUES to reduce
// round-trips. Chunk size tuned to 2000 rows per batch.
func (j *ClickHouseJournal) AppendBatch(ctx context.Context, events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}
	const chunkSize = 2000
	for start := 0; start < len(events); start += chunkSize {
		end := start + chunkSize
		if end > len(events) {
			end = len(events)
		}

		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*4)
		for _, e := range events[start:end] {
			if e == nil || e.Type == "" {
				continue
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			values = append(values, "(?, ?, ?, ?)")
			args = append(args, e.Timestamp, string(e.Type), e.Symbol, string(payload))
		}
		if len(values) == 0 {
			continue
		}
		q := fmt.Sprintf("INSERT INTO %s (ts, type, symbol, payload) VALUES %s", j.table, strings.Join(values, ","))
		if _, err := j.db.ExecContext(ctx, q, args...); err != nil {
			return err
		}
	}
	return nil
}

// Query returns events in ascending time order. Empty symbol or
// eventType matches everything; zero from/to leave that bound open.
func (j *ClickHouseJournal) Query(ctx context.Context, symbol, eventType string, from, to time.Time, limit int) ([]*models.Event, error) {
	start := time.Now()

	conds := make([]string, 0, 4)
	args := make([]interface{}, 0, 5)
	if symbol != "" {
		conds = append(conds, "symbol = ?")
		args = append(args, symbol)
	}
	if eventType != "" {
		conds = append(conds, "type = ?")
		args = append(args, eventType)
	}
	if !from.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, from)
	}
	if !to.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, to)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	q := fmt.Sprintf("SELECT payload FROM %s%s ORDER BY ts DESC LIMIT ?", j.table, where)
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		if j.l != nil {
			j.l.Error("clickhouse journal query error",
				applogger.String("symbol", symbol),
				applogger.String("type", eventType),
				applogger.Error(err),
			)
		}
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	tmp := make([]*models.Event, 0, limit)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			if j.l != nil {
				j.l.Error("clickhouse journal scan error",
					applogger.String("symbol", symbol),
					applogger.String("type", eventType),
					applogger.Error(err),
				)
			}
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var e models.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			continue
		}
		tmp = append(tmp, &e)
	}
	if err := rows.Err(); err != nil {
		if j.l != nil {
			j.l.Error("clickhouse journal rows error",
				applogger.String("symbol", symbol),
				applogger.String("type", eventType),
				applogger.Error(err),
			)
		}
		return nil, fmt.Errorf("rows: %w", err)
	}
	// reverse to ASC
	for i, k := 0, len(tmp)-1; i < k; i, k = i+1, k-1 {
		tmp[i], tmp[k] = tmp[k], tmp[i]
	}
	if j.l != nil {
		j.l.Info("clickhouse journal query ok",
			applogger.String("symbol", symbol),
			applogger.String("type", eventType),
			applogger.Int("rows", len(tmp)),
			applogger.Duration("duration_ms", time.Since(start)),
		)
	}
	return tmp, nil
}

// Health performs a health check against the pool.
func (j *ClickHouseJournal) Health(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Close is a no-op, the pool is managed by the clickhouse client.
func (j *ClickHouseJournal) Close() error {
	return nil
}
