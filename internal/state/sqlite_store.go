package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"linkroute/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ruleSetRecord is one persisted account rule set row.
type ruleSetRecord struct {
	AccountID string    `gorm:"column:account_id;primaryKey"`
	Version   uint64    `gorm:"column:version;not null"`
	Payload   string    `gorm:"column:payload;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName pins table name independent of gorm naming strategy.
func (ruleSetRecord) TableName() string {
	return "account_rule_sets"
}

// SQLiteStore persists rule sets in a local SQLite file through gorm.
// Params: gorm handle bound to a pure-Go SQLite driver.
// Returns: durable single-node backend.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens or creates database file and migrates schema.
// Params: database path and logger for slow or failed statements (nil silences SQL logging).
// Returns: initialized store or open/migrate error.
func NewSQLiteStore(path string, log *slog.Logger) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite store: path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: create dir %q: %w", dir, err)
		}
	}

	var gormLog logger.Interface = logger.Default.LogMode(logger.Silent)
	if log != nil {
		gormLog = newGormLogger(log)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open %q: %w", path, err)
	}
	if err := db.AutoMigrate(&ruleSetRecord{}); err != nil {
		closeGorm(db)
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

// Load reads one account row.
// Params: account id.
// Returns: decoded rule set or ErrNotFound.
func (s *SQLiteStore) Load(ctx context.Context, accountID string) (domain.AccountRuleSet, error) {
	var record ruleSetRecord
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.AccountRuleSet{}, ErrNotFound
	}
	if err != nil {
		return domain.AccountRuleSet{}, fmt.Errorf("load account %q: %w", accountID, err)
	}
	return domain.DecodeRuleSet([]byte(record.Payload))
}

// LoadAll reads every row ordered by account id.
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]domain.AccountRuleSet, error) {
	var records []ruleSetRecord
	if err := s.db.WithContext(ctx).Order("account_id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("load rule sets: %w", err)
	}
	out := make([]domain.AccountRuleSet, 0, len(records))
	for _, record := range records {
		set, err := domain.DecodeRuleSet([]byte(record.Payload))
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", record.AccountID, err)
		}
		out = append(out, set)
	}
	return out, nil
}

// Save writes whole rule set row when it follows the stored version.
// Params: context bounding the write and rule set.
// Returns: encode, write, or ErrConflict error.
func (s *SQLiteStore) Save(ctx context.Context, set domain.AccountRuleSet) error {
	body, err := domain.EncodeRuleSet(set)
	if err != nil {
		return err
	}
	db := s.db.WithContext(ctx)
	if set.Version > 0 {
		updated := db.Model(&ruleSetRecord{}).
			Where("account_id = ? AND version = ?", set.AccountID, set.Version-1).
			Updates(map[string]any{
				"version":    set.Version,
				"payload":    string(body),
				"updated_at": set.UpdatedAt,
			})
		if updated.Error != nil {
			return fmt.Errorf("save account %q: %w", set.AccountID, updated.Error)
		}
		if updated.RowsAffected == 1 {
			return nil
		}
	}

	record := ruleSetRecord{
		AccountID: set.AccountID,
		Version:   set.Version,
		Payload:   string(body),
		UpdatedAt: set.UpdatedAt,
	}
	created := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoNothing: true,
	}).Create(&record)
	if created.Error != nil {
		return fmt.Errorf("save account %q: %w", set.AccountID, created.Error)
	}
	if created.RowsAffected == 0 {
		var stored ruleSetRecord
		if err := db.Select("version").Where("account_id = ?", set.AccountID).Take(&stored).Error; err != nil {
			return fmt.Errorf("save account %q: %w: %w", set.AccountID, ErrConflict, err)
		}
		return conflictError(set.AccountID, stored.Version, set.Version)
	}
	return nil
}

// Close closes underlying database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func closeGorm(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// gormLogger forwards gorm diagnostics to slog.
type gormLogger struct {
	log   *slog.Logger
	level logger.LogLevel
	slow  time.Duration
}

func newGormLogger(log *slog.Logger) *gormLogger {
	return &gormLogger{log: log.With("component", "sqlite"), level: logger.Warn, slow: 200 * time.Millisecond}
}

// LogMode returns copy with new level.
func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	next := *l
	next.level = level
	return &next
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Info {
		l.log.InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Warn {
		l.log.WarnContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Error {
		l.log.ErrorContext(ctx, fmt.Sprintf(msg, data...))
	}
}

// Trace logs failed and slow statements; record-not-found is expected on first load.
func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= logger.Error:
		sql, rows := fc()
		l.log.ErrorContext(ctx, "sql failed", "sql", sql, "rows", rows, "elapsed_ms", elapsed.Milliseconds(), "err", err)
	case elapsed > l.slow && l.level >= logger.Warn:
		sql, rows := fc()
		l.log.WarnContext(ctx, "slow sql", "sql", sql, "rows", rows, "elapsed_ms", elapsed.Milliseconds())
	case l.level >= logger.Info:
		sql, rows := fc()
		l.log.DebugContext(ctx, "sql", "sql", sql, "rows", rows, "elapsed_ms", elapsed.Milliseconds())
	}
}
