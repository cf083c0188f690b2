package storage

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/eddielth/crane-telemetry/decoder"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockPostgres(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgreSQLStorage) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, newPostgreSQLStorage(db)
}

func setupMockMySQL(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *MySQLStorage) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, newMySQLStorage(db)
}

var deviceRowColumns = []string{
	"device_id", "tenant_id", "name", "safe_working_load", "last_seen", "online",
	"last_status", "latitude", "longitude", "active", "created_at", "updated_at",
}

var alertRowColumns = []string{
	"id", "device_id", "category", "severity", "message", "status",
	"occurrences", "created_at", "updated_at", "resolved_at",
}

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y IN (?, ?)"
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)", postgresDialect.rebind(q))
	assert.Equal(t, q, mysqlDialect.rebind(q))
}

func TestGetDevice_Success(t *testing.T) {
	db, mock, store := setupMockPostgres(t)
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows(deviceRowColumns).AddRow(
		"TC-001", "acme", "Tower 1", 100.0, now, true,
		`{"load":85}`, 51.5, -0.12, true, now, now,
	)
	mock.ExpectQuery(`SELECT .+ FROM devices WHERE device_id = \$1`).
		WithArgs("TC-001").
		WillReturnRows(rows)

	d, err := store.GetDevice(context.Background(), "TC-001")
	require.NoError(t, err)
	assert.Equal(t, "TC-001", d.DeviceID)
	assert.Equal(t, "acme", d.TenantID)
	assert.Equal(t, 100.0, d.SafeWorkingLoad)
	assert.True(t, d.Online)
	require.NotNil(t, d.Location)
	assert.Equal(t, 51.5, d.Location.Latitude)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDevice_NullColumns(t *testing.T) {
	db, mock, store := setupMockPostgres(t)
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows(deviceRowColumns).AddRow(
		"TC-002", nil, "TC-002", 80.0, nil, false,
		nil, nil, nil, true, now, now,
	)
	mock.ExpectQuery(`SELECT .+ FROM devices`).WithArgs("TC-002").WillReturnRows(rows)

	d, err := store.GetDevice(context.Background(), "TC-002")
	require.NoError(t, err)
	assert.Empty(t, d.TenantID)
	assert.True(t, d.LastSeen.IsZero())
	assert.Nil(t, d.Location)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDevice_NotFound(t *testing.T) {
	db, mock, store := setupMockPostgres(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT .+ FROM devices`).
		WithArgs("NOPE").
		WillReturnRows(sqlmock.NewRows(deviceRowColumns))

	_, err := store.GetDevice(context.Background(), "NOPE")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDevice(t *testing.T) {
	db, mock, store := setupMockMySQL(t)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO devices (")).
		WithArgs("TC-003", "acme", "Tower 3", 120.0, sqlmock.AnyArg(), true,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.CreateDevice(context.Background(), &Device{
		DeviceID:        "TC-003",
		TenantID:        "acme",
		Name:            "Tower 3",
		SafeWorkingLoad: 120,
		LastSeen:        time.Now(),
		Online:          true,
		Active:          true,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDevice_Duplicate(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) (*sql.DB, sqlmock.Sqlmock, DeviceStore)
		err   error
	}{
		{
			name: "postgresql",
			setup: func(t *testing.T) (*sql.DB, sqlmock.Sqlmock, DeviceStore) {
				db, mock, store := setupMockPostgres(t)
				return db, mock, store
			},
			err: &pq.Error{Code: "23505"},
		},
		{
			name: "mysql",
			setup: func(t *testing.T) (*sql.DB, sqlmock.Sqlmock, DeviceStore) {
				db, mock, store := setupMockMySQL(t)
				return db, mock, store
			},
			err: &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := tt.setup(t)
			defer db.Close()

			mock.ExpectExec(regexp.QuoteMeta("INSERT INTO devices (")).WillReturnError(tt.err)

			err := store.CreateDevice(context.Background(), &Device{DeviceID: "TC-003", Name: "Tower 3", Active: true})
			assert.True(t, errors.Is(err, ErrAlreadyExists))
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestUpdateDevice_NotFound(t *testing.T) {
	db, mock, store := setupMockPostgres(t)
	defer db.Close()

	mock.ExpectExec(`(?s)UPDATE devices SET .+ WHERE device_id = \$11`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateDevice(context.Background(), &Device{DeviceID: "GONE"})
	assert.True(t, errors.Is(err, ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTelemetry(t *testing.T) {
	db, mock, store := setupMockPostgres(t)
	defer db.Close()

	rec := decoder.NewTelemetry("raw", decoder.FormatKeyValue)
	rec.DeviceID = "TC-004"
	reading := &TelemetryReading{
		ID:         uuid.New().String(),
		DeviceID:   "TC-004",
		Timestamp:  time.Date(2025, 9, 9, 12, 5, 10, 0, time.UTC),
		Data:       rec,
		Raw:        "raw",
		ReceivedAt: time.Now(),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO telemetry_readings (id, device_id, ts, data, raw, received_at) VALUES ($1, $2, $3, $4, $5, $6)")).
		WithArgs(reading.ID, "TC-004", reading.Timestamp, sqlmock.AnyArg(), "raw", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.SaveTelemetry(context.Background(), reading))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTelemetry_Error(t *testing.T) {
	db, mock, store := setupMockPostgres(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO telemetry_readings`).WillReturnError(errors.New("connection reset"))

	err := store.SaveTelemetry(context.Background(), &TelemetryReading{ID: "x", DeviceID: "TC-004"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TC-004")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListTelemetry(t *testing.T) {
	db, mock, store := setupMockMySQL(t)
	defer db.Close()

	ts := time.Date(2025, 9, 9, 12, 5, 10, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "device_id", "ts", "data", "raw", "received_at"}).
		AddRow("r1", "TC-001", ts, `{"device_id":"TC-001","load":85}`, "raw", ts)
	mock.ExpectQuery(regexp.QuoteMeta("FROM telemetry_readings WHERE device_id = ? ORDER BY ts DESC LIMIT ?")).
		WithArgs("TC-001", 10).
		WillReturnRows(rows)

	out, err := store.ListTelemetry(context.Background(), "TC-001", 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].Data)
	assert.Equal(t, 85.0, out[0].Data.Load)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindRecentAlert(t *testing.T) {
	db, mock, store := setupMockPostgres(t)
	defer db.Close()

	now := time.Now().UTC()
	since := now.Add(-5 * time.Minute)
	rows := sqlmock.NewRows(alertRowColumns).AddRow(
		"a1", "TC-001", "overload", "critical", "load 120 exceeds SWL 100", "open",
		2, now, now, nil,
	)
	mock.ExpectQuery(`SELECT .+ FROM alerts\s+WHERE device_id = \$1 AND category = \$2 AND status IN \(\$3, \$4\) AND created_at >= \$5`).
		WithArgs("TC-001", "overload", "open", "in-progress", sqlmock.AnyArg()).
		WillReturnRows(rows)

	a, err := store.FindRecentAlert(context.Background(), "TC-001", "overload", since)
	require.NoError(t, err)
	assert.Equal(t, "a1", a.ID)
	assert.Equal(t, AlertOpen, a.Status)
	assert.Equal(t, 2, a.Occurrences)
	assert.Nil(t, a.ResolvedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindRecentAlert_NotFound(t *testing.T) {
	db, mock, store := setupMockMySQL(t)
	defer db.Close()

	mock.ExpectQuery(`FROM alerts`).WillReturnRows(sqlmock.NewRows(alertRowColumns))

	_, err := store.FindRecentAlert(context.Background(), "TC-001", "overload", time.Now())
	assert.True(t, errors.Is(err, ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAndUpdateAlert(t *testing.T) {
	db, mock, store := setupMockMySQL(t)
	defer db.Close()

	now := time.Now()
	a := &Alert{
		ID: "a2", DeviceID: "TC-001", Category: "overload", Severity: "critical",
		Message: "m", Status: AlertOpen, Occurrences: 1, CreatedAt: now, UpdatedAt: now,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO alerts (")).
		WithArgs("a2", "TC-001", "overload", "critical", "m", "open", 1, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE alerts SET")).
		WithArgs("critical", "m2", "resolved", 1, sqlmock.AnyArg(), sqlmock.AnyArg(), "a2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.CreateAlert(context.Background(), a))

	a.Message = "m2"
	a.Status = AlertResolved
	resolved := now
	a.ResolvedAt = &resolved
	require.NoError(t, store.UpdateAlert(context.Background(), a))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestParsePostgreSQLDSN(t *testing.T) {
	db, server, err := parsePostgreSQLDSN("postgres://crane:pw@localhost:5432/telemetry?sslmode=disable")
	require.NoError(t, err)
	assert.Equal(t, "telemetry", db)
	assert.Equal(t, "postgres://crane:pw@localhost:5432/postgres?sslmode=disable", server)

	db, server, err = parsePostgreSQLDSN("host=localhost port=5432 user=crane dbname=telemetry")
	require.NoError(t, err)
	assert.Equal(t, "telemetry", db)
	assert.Equal(t, "host=localhost port=5432 user=crane dbname=postgres", server)

	_, _, err = parsePostgreSQLDSN("host=localhost user=crane")
	assert.Error(t, err)
}

func TestParseMySQLDSN(t *testing.T) {
	dsn := withParseTime("crane:pw@tcp(localhost:3306)/telemetry")
	assert.Equal(t, "crane:pw@tcp(localhost:3306)/telemetry?parseTime=true", dsn)

	db, server, err := parseMySQLDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "telemetry", db)
	assert.Equal(t, "crane:pw@tcp(localhost:3306)/?parseTime=true", server)

	assert.Equal(t, "u@tcp(h)/d?charset=utf8&parseTime=true", withParseTime("u@tcp(h)/d?charset=utf8"))
	assert.Equal(t, "u@tcp(h)/d?parseTime=false", withParseTime("u@tcp(h)/d?parseTime=false"))

	_, _, err = parseMySQLDSN("nodb")
	assert.Error(t, err)
}

func TestNewDatabaseStorage_Memory(t *testing.T) {
	s, err := NewDatabaseStorage("memory", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, s)

	_, err = NewDatabaseStorage("oracle", "")
	assert.Error(t, err)
}
