package db

import (
	"fmt"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Driver names the dialect picked for a DSN.
type Driver string

const (
	DriverMySQL    Driver = "mysql"
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

// DetectDriver maps a DSN to a dialect:
//
//	postgres://... or postgresql://...  -> postgres
//	sqlite:<path>, file:<path>, :memory: -> sqlite
//	anything else                        -> mysql (the default deployment)
func DetectDriver(dsn string) Driver {
	d := strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(d, "postgres://"), strings.HasPrefix(d, "postgresql://"):
		return DriverPostgres
	case strings.HasPrefix(d, "sqlite:"), strings.HasPrefix(d, "file:"), d == ":memory:":
		return DriverSQLite
	default:
		return DriverMySQL
	}
}

func dialector(dsn string) gorm.Dialector {
	switch DetectDriver(dsn) {
	case DriverPostgres:
		return postgres.Open(dsn)
	case DriverSQLite:
		return gormsqlite.Open(strings.TrimPrefix(dsn, "sqlite:"))
	default:
		return mysql.Open(dsn)
	}
}

// Connect opens the store. TranslateError is on so unique violations surface
// as gorm.ErrDuplicatedKey where the dialect supports it.
func Connect(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(dialector(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", DetectDriver(dsn), err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if DetectDriver(dsn) == DriverSQLite {
		// one writer; also keeps a :memory: database alive on a single connection
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	} else {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	return gdb, nil
}
