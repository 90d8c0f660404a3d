package data

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/atlas-desktop/fx-trader/pkg/types"
	"go.uber.org/zap"
)

var clickHouseSchema = []string{
	`CREATE TABLE IF NOT EXISTS candles (
		ts DateTime64(3), symbol String,
		open Float64, high Float64, low Float64, close Float64, volume Float64
	) ENGINE = ReplacingMergeTree ORDER BY (symbol, ts)`,
	`CREATE TABLE IF NOT EXISTS trade_outcomes (
		id String, order_id String, symbol String, direction Int8, lots Float64,
		entry_price Float64, exit_price Float64, profit Float64,
		opened_at DateTime64(3), closed_at DateTime64(3)
	) ENGINE = ReplacingMergeTree ORDER BY (closed_at, id)`,
}

// batchSize caps rows per INSERT statement.
const batchSize = 2000

// ClickHouseStore persists candles and outcomes in ClickHouse. It offers
// the same methods as Store.
type ClickHouseStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// OpenClickHouse connects, pings and ensures the schema exists.
func OpenClickHouse(ctx context.Context, logger *zap.Logger, dsn string) (*ClickHouseStore, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}

	s := NewClickHouseStore(logger, db)
	for _, stmt := range clickHouseSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}
	return s, nil
}

// NewClickHouseStore wraps an existing connection pool.
func NewClickHouseStore(logger *zap.Logger, db *sql.DB) *ClickHouseStore {
	return &ClickHouseStore{logger: logger.Named("clickhouse"), db: db}
}

// AppendCandles inserts candles in batches.
func (s *ClickHouseStore) AppendCandles(ctx context.Context, candles []types.Candle) error {
	for start := 0; start < len(candles); start += batchSize {
		end := start + batchSize
		if end > len(candles) {
			end = len(candles)
		}
		values := make([]string, 0, end-start)
		args := make([]any, 0, (end-start)*7)
		for _, c := range candles[start:end] {
			values = append(values, "(?, ?, ?, ?, ?, ?, ?)")
			args = append(args, c.Time, c.Symbol, c.Open, c.High, c.Low, c.Close, c.Volume)
		}
		q := "INSERT INTO candles (ts, symbol, open, high, low, close, volume) VALUES " + strings.Join(values, ",")
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return types.NewTransientError("insert candles", err)
		}
	}
	return nil
}

// QueryCandles returns candles in [start, end] ordered by time.
func (s *ClickHouseStore) QueryCandles(ctx context.Context, symbol string, start, end time.Time) ([]types.Candle, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT ts, symbol, open, high, low, close, volume FROM candles FINAL WHERE symbol = ? AND ts >= ? AND ts <= ? ORDER BY ts",
		symbol, start, end)
	if err != nil {
		return nil, types.NewTransientError("query candles", err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

// LatestCandles returns up to n most recent candles in time order.
func (s *ClickHouseStore) LatestCandles(ctx context.Context, symbol string, n int) ([]types.Candle, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT ts, symbol, open, high, low, close, volume FROM (SELECT * FROM candles FINAL WHERE symbol = ? ORDER BY ts DESC LIMIT ?) ORDER BY ts",
		symbol, n)
	if err != nil {
		return nil, types.NewTransientError("query candles", err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

func scanCandles(rows *sql.Rows) ([]types.Candle, error) {
	var out []types.Candle
	for rows.Next() {
		var c types.Candle
		if err := rows.Scan(&c.Time, &c.Symbol, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendOutcomes inserts closed trades.
func (s *ClickHouseStore) AppendOutcomes(ctx context.Context, outcomes []types.TradeOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	values := make([]string, 0, len(outcomes))
	args := make([]any, 0, len(outcomes)*10)
	for _, o := range outcomes {
		values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, o.ID, o.OrderID, o.Symbol, int8(o.Direction), o.Lots,
			o.EntryPrice, o.ExitPrice, o.Profit, o.OpenedAt, o.ClosedAt)
	}
	q := "INSERT INTO trade_outcomes (id, order_id, symbol, direction, lots, entry_price, exit_price, profit, opened_at, closed_at) VALUES " +
		strings.Join(values, ",")
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return types.NewTransientError("insert outcomes", err)
	}
	return nil
}

// QueryOutcomes returns trades closed at or after since.
func (s *ClickHouseStore) QueryOutcomes(ctx context.Context, since time.Time) ([]types.TradeOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, order_id, symbol, direction, lots, entry_price, exit_price, profit, opened_at, closed_at FROM trade_outcomes FINAL WHERE closed_at >= ? ORDER BY closed_at",
		since)
	if err != nil {
		return nil, types.NewTransientError("query outcomes", err)
	}
	defer rows.Close()

	var out []types.TradeOutcome
	for rows.Next() {
		var o types.TradeOutcome
		var dir int8
		if err := rows.Scan(&o.ID, &o.OrderID, &o.Symbol, &dir, &o.Lots,
			&o.EntryPrice, &o.ExitPrice, &o.Profit, &o.OpenedAt, &o.ClosedAt); err != nil {
			return nil, err
		}
		o.Direction = types.Direction(dir)
		out = append(out, o)
	}
	return out, rows.Err()
}

// Health pings the server.
func (s *ClickHouseStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *ClickHouseStore) Close() error {
	return s.db.Close()
}
