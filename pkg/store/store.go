package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Driver names a supported database backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverMySQL    Driver = "mysql"
	DriverPostgres Driver = "postgres"
)

var dialectors = map[Driver]func(dsn string) gorm.Dialector{
	DriverSQLite:   sqlite.Open,
	DriverMySQL:    mysql.Open,
	DriverPostgres: postgres.Open,
}

// Config configures the relational store.
type Config struct {
	Driver        Driver
	DSN           string
	Logger        *zap.Logger
	SlowThreshold time.Duration
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.Logger == nil {
		result = multierror.Append(result, fmt.Errorf("logger is required"))
	}
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
	if _, ok := dialectors[c.Driver]; !ok {
		result = multierror.Append(result, fmt.Errorf("unsupported store driver %q", c.Driver))
	}
	if c.DSN == "" {
		result = multierror.Append(result, fmt.Errorf("store DSN is required"))
	}
	if c.SlowThreshold == 0 {
		c.SlowThreshold = 500 * time.Millisecond
	}
	return result.ErrorOrNil()
}

// Store owns the database handle shared by the coordinator services.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to the configured database and migrates the schema.
func Open(config Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}

	logger := config.Logger.With(zap.String("component", "store"))
	logger.Info("Opening store", zap.String("driver", string(config.Driver)))

	db, err := gorm.Open(dialectors[config.Driver](config.DSN), &gorm.Config{
		Logger: gormlogger.New(zapWriter{logger.Sugar()}, gormlogger.Config{
			SlowThreshold:             config.SlowThreshold,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", config.Driver, err)
	}

	if config.Driver == DriverSQLite {
		// SQLite allows a single writer; serialise through one connection.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&Device{}, &Task{}, &Execution{}, &MetricSample{}, &Command{}, &Software{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// DB returns a handle bound to ctx.
func (s *Store) DB(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// Transaction runs fn inside one database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	s.logger.Info("Closing store")
	return sqlDB.Close()
}

type zapWriter struct {
	sugar *zap.SugaredLogger
}

func (w zapWriter) Printf(format string, args ...interface{}) {
	w.sugar.Warnf(strings.TrimSpace(format), args...)
}
