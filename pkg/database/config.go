package database

import (
	"errors"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// DriverName is the database/sql driver registered by go-sqlite3.
const DriverName = "sqlite3"

// Config holds local store settings.
type Config struct {
	DatabasePath    string        `json:"database_path" yaml:"database_path"`
	MaxConnections  int           `json:"max_connections" yaml:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	BusyTimeout     time.Duration `json:"busy_timeout" yaml:"busy_timeout"`
	// WriteRetryDelay is how long the writer waits before its single retry.
	WriteRetryDelay time.Duration `json:"write_retry_delay" yaml:"write_retry_delay"`
}

// DefaultConfig returns settings suited to a single-user local agent.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "./data/learnsync.db",
		MaxConnections:  4,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		BusyTimeout:     5 * time.Second,
		WriteRetryDelay: 500 * time.Millisecond,
	}
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	if c.BusyTimeout < 0 {
		return errors.New("busy timeout cannot be negative")
	}
	if c.WriteRetryDelay < 0 {
		return errors.New("write retry delay cannot be negative")
	}
	return nil
}

// DSN builds the go-sqlite3 connection string with WAL and busy timeout.
func (c *Config) DSN() string {
	return c.DatabasePath + "?_busy_timeout=" + strconv.Itoa(int(c.BusyTimeout/time.Millisecond)) +
		"&_journal_mode=WAL&_foreign_keys=on&_synchronous=NORMAL"
}

// Open connects to the SQLite file and applies pool limits and pragmas.
func Open(c *Config) (*sqlx.DB, error) {
	db, err := sqlx.Open(DriverName, c.DSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(c.MaxConnections)
	db.SetConnMaxLifetime(c.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Per-connection pragmas not expressible in the DSN.
const sqliteOptimizations = `
	PRAGMA cache_size = -16000;
	PRAGMA temp_store = MEMORY;
`

func applySQLiteOptimizations(db *sqlx.DB) error {
	_, err := db.Exec(sqliteOptimizations)
	return err
}
