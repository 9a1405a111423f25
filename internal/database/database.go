package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"droptracker/internal/logging"
	"droptracker/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Options struct {
	URL      string
	ReadURLs []string
	Timeout  time.Duration
	LogLevel logger.LogLevel
}

type DBManager struct {
	WriteDB      *gorm.DB
	ReadDBs      []*gorm.DB
	CurrentShard int
	shardMutex   sync.Mutex
	timeout      time.Duration
	log          *slog.Logger
}

// New wraps already opened handles. With no read handles every read goes to writeDB.
func New(writeDB *gorm.DB, readDBs []*gorm.DB, timeout time.Duration) *DBManager {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DBManager{
		WriteDB: writeDB,
		ReadDBs: readDBs,
		timeout: timeout,
		log:     logging.Component("database"),
	}
}

// Open connects to the write database and any read replicas, then migrates the schema.
func Open(opts Options) (*DBManager, error) {
	if opts.LogLevel == 0 {
		opts.LogLevel = logger.Warn
	}

	writeDB, err := openDB(opts.URL, opts.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("connect to write database: %w", err)
	}

	// Set up connection pool
	if sqlDB, err := writeDB.DB(); err == nil {
		if isSQLite(opts.URL) {
			sqlDB.SetMaxOpenConns(1)
		} else {
			sqlDB.SetMaxIdleConns(10)
			sqlDB.SetMaxOpenConns(100)
			sqlDB.SetConnMaxLifetime(time.Hour)
		}
	}

	m := New(writeDB, nil, opts.Timeout)

	for i, url := range opts.ReadURLs {
		readDB, err := openDB(url, opts.LogLevel)
		if err != nil {
			m.log.Warn("failed to connect to read replica", "replica", i, "error", err)
			continue
		}
		m.ReadDBs = append(m.ReadDBs, readDB)
	}

	if err := m.Migrate(); err != nil {
		return nil, err
	}

	m.log.Info("database connection established", "read_replicas", len(m.ReadDBs))
	return m, nil
}

func isSQLite(url string) bool {
	return strings.HasPrefix(url, "sqlite:")
}

func openDB(url string, level logger.LogLevel) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if isSQLite(url) {
		dialector = sqlite.Open(strings.TrimPrefix(url, "sqlite:"))
	} else {
		dialector = mysql.Open(url)
	}
	return gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
}

func (m *DBManager) Migrate() error {
	err := m.WriteDB.AutoMigrate(
		&models.Client{},
		&models.Player{},
		&models.Drop{},
		&models.NPC{},
	)
	if err != nil {
		return fmt.Errorf("auto-migrate database: %w", err)
	}
	return nil
}

// GetReadDB returns a read replica using round-robin
func (m *DBManager) GetReadDB() *gorm.DB {
	m.shardMutex.Lock()
	defer m.shardMutex.Unlock()

	if len(m.ReadDBs) == 0 {
		return m.WriteDB
	}

	db := m.ReadDBs[m.CurrentShard]
	m.CurrentShard = (m.CurrentShard + 1) % len(m.ReadDBs)
	return db
}

func (m *DBManager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

func (m *DBManager) Close() error {
	var firstErr error
	for _, db := range append([]*gorm.DB{m.WriteDB}, m.ReadDBs...) {
		sqlDB, err := db.DB()
		if err != nil {
			continue
		}
		if err := sqlDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
