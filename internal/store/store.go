// Package store is the persistence layer. Every state-modifying core
// operation is a method here; callers never see storage-engine idioms.
package store

// ═══════════════════════════════════════════════════════════════════════════════
// PERSISTENCE - Single relational store, serialized writes
// ═══════════════════════════════════════════════════════════════════════════════
//
// SQLite by default (WAL mode so readers never block the writer),
// Postgres when the DSN says so. All writes funnel through one
// internal mutex + transaction; the RiskState lockdown flag is read
// under the same serialization as trade-result writes, so an approval
// can never race ahead of a lockdown-triggering close.
//
// ═══════════════════════════════════════════════════════════════════════════════

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ricaherr/aethelgard/internal/asset"
	"github.com/ricaherr/aethelgard/internal/coherence"
	"github.com/ricaherr/aethelgard/internal/signal"
)

// Sentinel errors callers branch on.
var (
	ErrNotFound        = errors.New("record not found")
	ErrDuplicateTicket = errors.New("ticket already recorded")
	ErrBadTransition   = errors.New("illegal signal status transition")
)

// Module names used for toggles and activity cross-checks.
const (
	ModuleScanner         = "scanner"
	ModuleSignalFactory   = "signal_factory"
	ModuleJury            = "jury"
	ModuleRisk            = "risk"
	ModuleExecutor        = "executor"
	ModulePositionManager = "position_manager"
	ModuleClosure         = "closure"
	ModuleTuner           = "tuner"
)

// AllModules lists every toggleable module, seeded enabled.
var AllModules = []string{
	ModuleScanner, ModuleSignalFactory, ModuleJury, ModuleRisk,
	ModuleExecutor, ModulePositionManager, ModuleClosure, ModuleTuner,
}

type Store struct {
	db *gorm.DB
	mu sync.Mutex // serializes every write
}

// Open connects, applies pragmas and runs the idempotent migrations.
// A postgres:// DSN selects Postgres; anything else is a SQLite path.
func Open(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA synchronous=NORMAL",
		} {
			if err := db.Exec(pragma).Error; err != nil {
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
		log.Info().Str("path", dsn).Msg("💾 Database initialized (SQLite, WAL)")
	}

	if err := db.AutoMigrate(
		&asset.Profile{},
		&signal.Signal{},
		&coherence.Event{},
		&Position{},
		&PositionMetadata{},
		&TradeResult{},
		&VirtualTrade{},
		&RiskState{},
		&ParamsVersion{},
		&TuningLog{},
		&ModuleToggle{},
		&RegimeSample{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// withWrite serializes a write transaction. Never nest calls.
func (s *Store) withWrite(ctx context.Context, fn func(tx *gorm.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Transaction(fn)
}

// read returns a context-scoped read handle. Reads never take the
// writer mutex; WAL keeps them consistent.
func (s *Store) read(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
