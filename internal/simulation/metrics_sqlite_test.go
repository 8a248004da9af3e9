package simulation

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"quantforge/internal/clock"
	"quantforge/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTradesDB(t *testing.T, path string, rows [][]any) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE trades (
		id INTEGER PRIMARY KEY,
		pair TEXT NOT NULL,
		is_open INTEGER NOT NULL,
		close_profit_abs REAL,
		close_date TEXT
	)`)
	require.NoError(t, err)
	for _, r := range rows {
		_, err = db.Exec(`INSERT INTO trades (id, pair, is_open, close_profit_abs, close_date) VALUES (?, ?, ?, ?, ?)`, r...)
		require.NoError(t, err)
	}
}

func TestSQLiteSourceReadsClosedTrades(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.sqlite")
	writeTradesDB(t, path, [][]any{
		{1, "BTC/USDT", 0, 50.0, "2024-04-01 10:00:00.123456"},
		{2, "ETH/USDT", 0, -20.0, "2024-04-01 12:00:00"},
		{3, "ETH/USDT", 1, nil, nil},
		{4, "SOL/USDT", 0, -10.0, "not a date"},
	})
	clk := clock.Fake(time.Date(2024, 4, 1, 18, 0, 0, 0, time.UTC))
	src, err := NewSQLiteSource("trades", clk)
	require.NoError(t, err)

	trades, err := src.Trades(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, int64(1), trades[0].ID)
	assert.Equal(t, "ETH/USDT", trades[1].Pair)

	m, err := src.Read(context.Background(), types.SimulationRun{
		MetricsPath: path,
		Config:      types.RunConfig{StartingBalance: 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, m.TradeCount)
	assert.Equal(t, 1, m.Wins)
	assert.InDelta(t, 0.03, m.CumulativeReturn, 1e-9)
	assert.InDelta(t, 20.0/1050.0, m.MaxDrawdown, 1e-9)
	assert.Equal(t, 1, m.ConsecutiveLosses)
}

func TestSQLiteSourceMissingDatabase(t *testing.T) {
	src, err := NewSQLiteSource("", nil)
	require.NoError(t, err)
	trades, err := src.Trades(context.Background(), filepath.Join(t.TempDir(), "absent.sqlite"))
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestSQLiteSourceMissingTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.sqlite")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE other (id INTEGER)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	src, err := NewSQLiteSource("trades", nil)
	require.NoError(t, err)
	trades, err := src.Trades(context.Background(), path)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestSQLiteSourceRejectsBadTableName(t *testing.T) {
	_, err := NewSQLiteSource("trades; DROP TABLE x", nil)
	assert.Error(t, err)
}
