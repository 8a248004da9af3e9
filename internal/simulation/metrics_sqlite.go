package simulation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"quantforge/internal/clock"
	"quantforge/internal/types"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

var tableIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var closeDateLayouts = []string{
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
}

// SQLiteSource 从执行器维护的 SQLite 交易库（freqtrade trades 表结构）读取已平仓交易。
// 数据库尚未创建时视为没有交易。
type SQLiteSource struct {
	table string
	clock clock.Clock
}

func NewSQLiteSource(table string, clk clock.Clock) (*SQLiteSource, error) {
	table = strings.TrimSpace(table)
	if table == "" {
		table = "trades"
	}
	if !tableIdent.MatchString(table) {
		return nil, fmt.Errorf("invalid trades table name %q", table)
	}
	return &SQLiteSource{table: table, clock: clock.Or(clk)}, nil
}

func (s *SQLiteSource) Read(ctx context.Context, run types.SimulationRun) (types.RollingMetrics, error) {
	trades, err := s.Trades(ctx, run.MetricsPath)
	if err != nil {
		return types.RollingMetrics{}, err
	}
	return ComputeMetrics(trades, run.Config.StartingBalance, s.clock.Now()), nil
}

// Trades 以只读方式打开交易库并返回全部已平仓交易。
func (s *SQLiteSource) Trades(ctx context.Context, path string) ([]Trade, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("trades db path is empty")
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	var exists int
	err = db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name=?`, s.table).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("inspect trades db %s: %w", path, err)
	}
	if exists == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT id, pair, close_profit_abs, close_date FROM %s
		WHERE is_open = 0 AND close_date IS NOT NULL ORDER BY close_date, id`, s.table)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query trades %s: %w", path, err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var (
			tr     Trade
			profit sql.NullFloat64
			closed sql.NullString
		)
		if err := rows.Scan(&tr.ID, &tr.Pair, &profit, &closed); err != nil {
			return nil, err
		}
		at, ok := parseCloseDate(closed.String)
		if !ok {
			continue
		}
		tr.ClosedAt = at
		tr.ProfitAbs = decimal.NewFromFloat(profit.Float64)
		out = append(out, tr)
	}
	return out, rows.Err()
}

func parseCloseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range closeDateLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
