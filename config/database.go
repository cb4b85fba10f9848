package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mmdatafocus/cashrecon_backend/utils"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// sqlitePragmas are applied to every embedded store connection.
var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// OpenDatabase opens a gorm connection for the configured driver.
// The embedded store is opened once; hosted stores are retried with exponential backoff.
func OpenDatabase(s Settings) (*gorm.DB, error) {
	switch s.StoreDriver {
	case StoreDriverSQLite:
		return OpenSQLite(s.SQLitePath)
	case StoreDriverPostgres, StoreDriverMySQL:
		return ConnectDatabaseWithRetry(s.StoreDriver, s.DatabaseDSN, utils.IntFromEnv("DB_CONNECT_ATTEMPTS", 8))
	default:
		return nil, fmt.Errorf("unsupported store driver %q", s.StoreDriver)
	}
}

// OpenSQLite opens (creating if needed) the embedded single-file store.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), initConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite only supports one writer at a time; every in-process caller shares this handle.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	for _, pragma := range sqlitePragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	installPlugins(db)
	return db, nil
}

// ConnectDatabaseWithRetry connects to a hosted relational service.
// maxAttempts <= 0 retries forever.
func ConnectDatabaseWithRetry(driver string, dsn string, maxAttempts int) (*gorm.DB, error) {
	var attempt int
	for {
		attempt++
		db, err := gorm.Open(dialectorFor(driver, dsn), initConfig())
		if err == nil {
			if sqlDB, derr := db.DB(); derr == nil && sqlDB != nil {
				maxOpen := utils.IntFromEnv("DB_MAX_OPEN_CONNS", 50)
				maxIdle := utils.IntFromEnv("DB_MAX_IDLE_CONNS", 25)
				connMaxLife := time.Duration(utils.IntFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second
				connMaxIdle := time.Duration(utils.IntFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second

				if maxOpen > 0 {
					sqlDB.SetMaxOpenConns(maxOpen)
				}
				if maxIdle >= 0 {
					sqlDB.SetMaxIdleConns(maxIdle)
				}
				if connMaxLife > 0 {
					sqlDB.SetConnMaxLifetime(connMaxLife)
				}
				if connMaxIdle > 0 {
					sqlDB.SetConnMaxIdleTime(connMaxIdle)
				}
			}
			installPlugins(db)
			log.Printf("connected to %s database (attempt=%d)", driver, attempt)
			return db, nil
		}

		if maxAttempts > 0 && attempt >= maxAttempts {
			return nil, fmt.Errorf("failed to connect %s database after %d attempts: %w", driver, attempt, err)
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		log.Printf("failed to connect database (attempt=%d): %v; retrying in %s", attempt, err, sleep)
		time.Sleep(sleep)
	}
}

func dialectorFor(driver string, dsn string) gorm.Dialector {
	if driver == StoreDriverMySQL {
		return mysql.Open(dsn)
	}
	return postgres.Open(dsn)
}

func installPlugins(db *gorm.DB) {
	if pluginErr := db.Use(otelgorm.NewPlugin()); pluginErr != nil {
		log.Printf("db connected but failed to install otelgorm plugin: %v", pluginErr)
	}
	if pluginErr := db.Use(NewOriginStampPlugin()); pluginErr != nil {
		log.Printf("db connected but failed to install origin_stamp plugin: %v", pluginErr)
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// InitConfig Initialize Config
func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         initLog(),
		NamingStrategy: initNamingStrategy(),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// InitLog Connection Log Configuration
func initLog() logger.Interface {
	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags), // Output to standard output
		logger.Config{
			Colorful:                  false,
			LogLevel:                  logger.Error,
			SlowThreshold:             time.Second,
			IgnoreRecordNotFoundError: true,
		},
	)
	return newLogger
}

// InitNamingStrategy Init NamingStrategy
func initNamingStrategy() *schema.NamingStrategy {
	return &schema.NamingStrategy{
		SingularTable: false,
		TablePrefix:   "",
	}
}
