package gormstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"quantforge/internal/store"
	storemodel "quantforge/internal/store/model"
	"quantforge/internal/types"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormStore implements strategy and simulation storage using Gorm + SQLite.
type GormStore struct {
	db *gorm.DB
}

var _ store.Store = (*GormStore)(nil)

// NewGormStore initializes a new GormStore instance.
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: 数据库路径不能为空")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	models := []interface{}{
		&storemodel.StrategyModel{},
		&storemodel.SimulationRunModel{},
		&storemodel.PromotionRecordModel{},
		&storemodel.StrategyEventModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: allow a small amount of parallelism for concurrent HTTP reads
	// while keeping lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GormDB exposes the underlying *gorm.DB (read-only reference).
func (s *GormStore) GormDB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// --------------------- Strategies -------------------------

func (s *GormStore) ListStrategyRows(ctx context.Context) ([]storemodel.StrategyModel, error) {
	var rows []storemodel.StrategyModel
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *GormStore) SaveStrategy(ctx context.Context, st types.Strategy) error {
	row := storemodel.NewStrategyModel(st)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
}

func (s *GormStore) DeleteStrategy(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&storemodel.StrategyModel{}).Error
}

// --------------------- Promotions & history -------------------------

func (s *GormStore) AppendPromotion(ctx context.Context, rec *types.PromotionRecord) error {
	if rec == nil {
		return nil
	}
	row := storemodel.NewPromotionRecordModel(*rec)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	rec.ID = row.ID
	return nil
}

func (s *GormStore) ListPromotions(ctx context.Context, strategyID string) ([]types.PromotionRecord, error) {
	var rows []storemodel.PromotionRecordModel
	q := s.db.WithContext(ctx).Order("promoted_at ASC, id ASC")
	if strategyID != "" {
		q = q.Where("strategy_id = ?", strategyID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.PromotionRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Decode())
	}
	return out, nil
}

func (s *GormStore) AppendEvent(ctx context.Context, evt *types.HistoryEvent) error {
	if evt == nil {
		return nil
	}
	row := storemodel.NewStrategyEventModel(*evt)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	evt.ID = row.ID
	return nil
}

func (s *GormStore) ListEvents(ctx context.Context, strategyID string, limit int) ([]types.HistoryEvent, error) {
	var rows []storemodel.StrategyEventModel
	q := s.db.WithContext(ctx).Where("strategy_id = ?", strategyID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.HistoryEvent, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		out = append(out, rows[i].Decode())
	}
	return out, nil
}

// --------------------- Simulation runs -------------------------

func (s *GormStore) InsertRun(ctx context.Context, run types.SimulationRun) error {
	row := storemodel.NewSimulationRunModel(run)
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *GormStore) SaveRun(ctx context.Context, run types.SimulationRun) error {
	row := storemodel.NewSimulationRunModel(run)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
}

func (s *GormStore) GetRun(ctx context.Context, id string) (types.SimulationRun, error) {
	var row storemodel.SimulationRunModel
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.SimulationRun{}, fmt.Errorf("simulation run %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return types.SimulationRun{}, err
	}
	return row.Decode()
}

func (s *GormStore) ListRuns(ctx context.Context, q store.RunQuery) ([]types.SimulationRun, error) {
	var rows []storemodel.SimulationRunModel
	tx := s.db.WithContext(ctx).Order("started_at DESC, id ASC")
	if q.StrategyID != "" {
		tx = tx.Where("strategy_id = ?", q.StrategyID)
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, 0, len(q.Statuses))
		for _, st := range q.Statuses {
			statuses = append(statuses, string(st))
		}
		tx = tx.Where("status IN ?", statuses)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.SimulationRun, 0, len(rows))
	for _, row := range rows {
		run, err := row.Decode()
		if err != nil {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
