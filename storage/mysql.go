package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eddielth/crane-telemetry/logger"
	"github.com/go-sql-driver/mysql"
)

// MySQLStorage is the MySQL backend
type MySQLStorage struct {
	*sqlStore
	dsn      string
	database string
}

// NewMySQLStorage connects to MySQL, creating the database and tables when missing
func NewMySQLStorage(dsn string) (*MySQLStorage, error) {
	dsn = withParseTime(dsn)

	database, serverDSN, err := parseMySQLDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MySQL DSN: %w", err)
	}

	// connect to the server first, without the target database
	serverDB, err := sql.Open("mysql", serverDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL server: %w", err)
	}
	defer serverDB.Close()

	_, err = serverDB.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", database))
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	logger.Info("ensured MySQL database %s exists", database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("MySQL ping failed: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Minute * 5)

	storage := newMySQLStorage(db)
	storage.dsn = dsn
	storage.database = database

	if err := storage.InitDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize MySQL database: %w", err)
	}

	logger.Info("MySQL storage initialized")
	return storage, nil
}

// ER_DUP_ENTRY
const mysqlDuplicateEntry = 1062

func isMySQLDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}

func newMySQLStorage(db *sql.DB) *MySQLStorage {
	return &MySQLStorage{sqlStore: newSQLStore(db, mysqlDialect)}
}

// withParseTime makes the driver return DATETIME columns as time.Time
func withParseTime(dsn string) string {
	if strings.Contains(dsn, "parseTime=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&parseTime=true"
	}
	return dsn + "?parseTime=true"
}

// parseMySQLDSN extracts the database name and a DSN without it
func parseMySQLDSN(dsn string) (database string, serverDSN string, err error) {
	parts := strings.Split(dsn, "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("invalid DSN, no database name")
	}

	dbParts := strings.Split(parts[len(parts)-1], "?")
	database = dbParts[0]
	if database == "" {
		return "", "", fmt.Errorf("invalid DSN, no database name")
	}

	serverDSN = strings.Join(parts[:len(parts)-1], "/") + "/"
	if len(dbParts) > 1 {
		serverDSN += "?" + dbParts[1]
	}

	return database, serverDSN, nil
}

// InitDatabase creates the tables and indexes
func (ms *MySQLStorage) InitDatabase() error {
	deviceTableSQL := `
	CREATE TABLE IF NOT EXISTS devices (
		device_id VARCHAR(64) PRIMARY KEY,
		tenant_id VARCHAR(64),
		name VARCHAR(255) NOT NULL,
		safe_working_load DOUBLE NOT NULL DEFAULT 0,
		last_seen DATETIME(3) NULL,
		online BOOLEAN NOT NULL DEFAULT FALSE,
		last_status TEXT,
		latitude DOUBLE NULL,
		longitude DOUBLE NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME(3) NOT NULL,
		updated_at DATETIME(3) NOT NULL,
		INDEX idx_devices_tenant (tenant_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`

	telemetryTableSQL := `
	CREATE TABLE IF NOT EXISTS telemetry_readings (
		id VARCHAR(36) PRIMARY KEY,
		device_id VARCHAR(64) NOT NULL,
		ts DATETIME(3) NOT NULL,
		data JSON,
		raw TEXT NOT NULL,
		received_at DATETIME(3) NOT NULL,
		FOREIGN KEY (device_id) REFERENCES devices(device_id),
		INDEX idx_telemetry_device_ts (device_id, ts)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`

	alertTableSQL := `
	CREATE TABLE IF NOT EXISTS alerts (
		id VARCHAR(36) PRIMARY KEY,
		device_id VARCHAR(64) NOT NULL,
		category VARCHAR(50) NOT NULL,
		severity VARCHAR(20) NOT NULL,
		message TEXT NOT NULL,
		status VARCHAR(20) NOT NULL,
		occurrences INT NOT NULL DEFAULT 1,
		created_at DATETIME(3) NOT NULL,
		updated_at DATETIME(3) NOT NULL,
		resolved_at DATETIME(3) NULL,
		FOREIGN KEY (device_id) REFERENCES devices(device_id),
		INDEX idx_alerts_device_category (device_id, category, created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`

	// devices first, the other tables reference it
	for _, table := range []struct{ name, stmt string }{
		{"devices", deviceTableSQL},
		{"telemetry_readings", telemetryTableSQL},
		{"alerts", alertTableSQL},
	} {
		if _, err := ms.db.Exec(table.stmt); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table.name, err)
		}
	}

	logger.Info("MySQL tables initialized")
	return nil
}
