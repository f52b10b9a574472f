// Package dbconn contains connection setup and retry utilities shared by
// the source (MySQL) extractor and the target (PostgreSQL) loader. It is
// adapted from the teacher's MySQL-only connection package: the
// retryable-transaction idiom is generalized to work against either
// driver, with the actual "is this retryable" decision supplied by the
// caller since the two drivers report errors differently.
package dbconn

import (
	"context"
	"database/sql"
	"time"
)

const (
	maxConnLifetime = 3 * time.Minute
	maxIdleConns    = 10
)

// Config bounds connection pool and retry behavior. Mirrors the teacher's
// DBConfig, narrowed to what both drivers need in this engine.
type Config struct {
	MaxOpenConns    int
	LockWaitTimeout time.Duration
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
}

// NewConfig returns sane defaults, same shape as the teacher's NewDBConfig.
func NewConfig() *Config {
	return &Config{
		MaxOpenConns:    10,
		LockWaitTimeout: 30 * time.Second,
		MaxRetries:      3,
		BaseDelay:       2 * time.Second,
		MaxDelay:        8 * time.Second,
	}
}

// Open opens a *sql.DB with pool limits applied and verifies connectivity.
func Open(driverName, dsn string, cfg *Config) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(maxConnLifetime)
	db.SetMaxIdleConns(maxIdleConns)
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Classifier decides whether a driver error is transient (connectivity,
// deadlock, lock timeout) and therefore worth retrying. The classification
// itself is driver-specific: MySQL reports numeric error codes, Postgres
// reports SQLSTATE strings.
type Classifier func(err error) bool
