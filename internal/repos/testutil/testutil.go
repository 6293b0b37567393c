package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/lumenlearn/lumen-backend/internal/logger"
	"github.com/lumenlearn/lumen-backend/internal/types"
)

var (
	logOnce sync.Once
	logg    *logger.Logger
	logErr  error
)

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	logOnce.Do(func() {
		logg, logErr = logger.New("test")
	})
	if logErr != nil {
		tb.Fatalf("failed to init logger: %v", logErr)
	}
	return logg
}

// DB returns a migrated database private to the test: in-memory-style sqlite
// under the test's temp dir, or postgres when TEST_POSTGRES_DSN is set.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()

	cfg := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLogger.Default.LogMode(gormLogger.Silent),
	}

	var db *gorm.DB
	var err error
	if dsn := os.Getenv("TEST_POSTGRES_DSN"); dsn != "" {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	} else {
		path := filepath.Join(tb.TempDir(), "test.db")
		db, err = gorm.Open(sqlite.Open("file:"+path+"?_busy_timeout=5000&_txlock=immediate"), cfg)
	}
	if err != nil {
		tb.Fatalf("failed to open test db: %v", err)
	}

	if err := autoMigrateAll(db); err != nil {
		tb.Fatalf("failed to migrate test db: %v", err)
	}
	return db
}

func Tx(tb testing.TB, db *gorm.DB) *gorm.DB {
	tb.Helper()
	tx := db.Begin()
	if tx.Error != nil {
		tb.Fatalf("begin tx: %v", tx.Error)
	}
	tb.Cleanup(func() {
		_ = tx.Rollback().Error
	})
	return tx
}

func autoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Curriculum{},
		&types.CurriculumNode{},
		&types.ContentCacheEntry{},
		&types.CompletionCallLog{},
	)
}

func SeedCurriculum(tb testing.TB, db *gorm.DB, name string) *types.Curriculum {
	tb.Helper()
	now := time.Now()
	c := &types.Curriculum{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Name:      name,
		Rationale: "seeded for tests",
		Level:     "intermediate",
		Mode:      "self_paced",
		Language:  "en",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(context.Background()).Create(c).Error; err != nil {
		tb.Fatalf("seed curriculum: %v", err)
	}
	return c
}

func SeedNode(tb testing.TB, db *gorm.DB, curriculumID uuid.UUID, title, kind string, layer int) *types.CurriculumNode {
	tb.Helper()
	now := time.Now()
	n := &types.CurriculumNode{
		ID:               uuid.New(),
		CurriculumID:     curriculumID,
		Title:            title,
		Description:      "about " + title,
		Kind:             kind,
		Layer:            layer,
		EstimatedMinutes: 10,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := db.WithContext(context.Background()).Create(n).Error; err != nil {
		tb.Fatalf("seed node: %v", err)
	}
	return n
}
