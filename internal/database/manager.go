package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	dbconfig "learnsync/pkg/database"
	"learnsync/pkg/interfaces"
)

const writeTimeout = 30 * time.Second

var _ interfaces.OfflineStore = (*Manager)(nil)

// Manager is the local durable store. Reads go straight to the pool; every
// write is funnelled through one goroutine so SQLite sees a single writer and
// each write has committed by the time its call returns.
type Manager struct {
	db     *sqlx.DB
	dbMu   sync.RWMutex // guards the db pointer, swapped by Reset
	config *dbconfig.Config
	logger *zap.Logger

	writeChannel chan writeOperation
	shutdown     chan struct{}
	stopped      chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex

	now func() time.Time
}

type writeOperation struct {
	ctx       context.Context
	operation func(*sqlx.DB) error
	result    chan error
}

// NewManager opens (creating if needed) the SQLite file, applies the embedded
// migrations and starts the writer.
func NewManager(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	if config == nil {
		config = dbconfig.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := openAndMigrate(config)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		db:           db,
		config:       config,
		logger:       logger.Named("store"),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		stopped:      make(chan struct{}),
		now:          time.Now,
	}

	m.wg.Add(1)
	go m.writeLoop()

	return m, nil
}

func openAndMigrate(config *dbconfig.Config) (*sqlx.DB, error) {
	if dir := filepath.Dir(config.DatabasePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := dbconfig.NewMigrationManager(db, dbconfig.Migrations()).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	return db, nil
}

// DB returns the current connection pool.
func (m *Manager) DB() *sqlx.DB {
	m.dbMu.RLock()
	defer m.dbMu.RUnlock()
	return m.db
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()
	defer close(m.stopped)

	for {
		select {
		case op := <-m.writeChannel:
			m.runWrite(op)

		case <-m.shutdown:
			// Fail anything still buffered so no caller waits forever.
			for {
				select {
				case op := <-m.writeChannel:
					op.result <- ErrManagerShuttingDown
				default:
					m.logger.Debug("write loop stopped")
					return
				}
			}
		}
	}
}

// runWrite executes op, retrying once after the configured delay.
func (m *Manager) runWrite(op writeOperation) {
	err := op.operation(m.DB())
	if err != nil && op.ctx.Err() == nil {
		m.logger.Warn("database write failed, retrying",
			zap.Duration("delay", m.config.WriteRetryDelay), zap.Error(err))

		timer := time.NewTimer(m.config.WriteRetryDelay)
		select {
		case <-timer.C:
			err = op.operation(m.DB())
			if err != nil {
				m.logger.Error("database write failed after retry", zap.Error(err))
			}
		case <-op.ctx.Done():
			timer.Stop()
			err = op.ctx.Err()
		case <-m.shutdown:
			timer.Stop()
		}
	}
	op.result <- err
}

// executeWrite queues a write and waits for it to commit.
func (m *Manager) executeWrite(ctx context.Context, operation func(*sqlx.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	op := writeOperation{ctx: ctx, operation: operation, result: result}

	timer := time.NewTimer(writeTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerShuttingDown
	}

	select {
	case err := <-result:
		return err
	case <-m.stopped:
		select {
		case err := <-result:
			return err
		default:
			return ErrManagerShuttingDown
		}
	}
}

// degrade turns a read failure into an empty result. Cancellation by the
// caller is still reported.
func (m *Manager) degrade(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	m.logger.Warn("store read failed, treating as empty", zap.String("op", op), zap.Error(err))
	return nil
}

// HealthCheck pings the database and runs a trivial read.
func (m *Manager) HealthCheck(ctx context.Context) error {
	db := m.DB()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := db.GetContext(ctx, &n, "SELECT COUNT(*) FROM offline_attempts"); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// ClearAll empties every data table, leaving the schema in place.
func (m *Manager) ClearAll(ctx context.Context) error {
	return m.executeWrite(ctx, func(db *sqlx.DB) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, table := range []string{"lessons", "quizzes", "offline_attempts", "user_data"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return tx.Commit()
	})
}

// Reset deletes the database file and recreates an empty store. All cached
// lessons, queued attempts and user data are lost.
func (m *Manager) Reset(ctx context.Context) error {
	err := m.executeWrite(ctx, func(*sqlx.DB) error {
		return m.recreate()
	})
	if err != nil {
		return fmt.Errorf("failed to reset database: %w", err)
	}
	m.logger.Warn("local database reset, cached and queued data discarded",
		zap.String("path", m.config.DatabasePath))
	return nil
}

// recreate runs on the writer goroutine, so no write is in flight.
func (m *Manager) recreate() error {
	m.dbMu.Lock()
	defer m.dbMu.Unlock()

	if m.db != nil {
		_ = m.db.Close()
	}
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(m.config.DatabasePath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", m.config.DatabasePath+suffix, err)
		}
	}

	db, err := openAndMigrate(m.config)
	if err != nil {
		return err
	}
	m.db = db
	return nil
}

// Close stops the writer and closes the pool. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.DB().Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
