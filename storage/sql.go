package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/eddielth/crane-telemetry/decoder"
)

// dialect captures the differences between the SQL backends
type dialect struct {
	name string
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
	// duplicate reports a unique key violation
	duplicate func(err error) bool
}

var (
	postgresDialect = dialect{name: "postgresql", numbered: true, duplicate: isPostgreSQLDuplicate}
	mysqlDialect    = dialect{name: "mysql", duplicate: isMySQLDuplicate}
)

// rebind rewrites ? placeholders for dialects with numbered parameters
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlStore implements Store on database/sql. Queries are written with ?
// placeholders and rebound per dialect.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

func newSQLStore(db *sql.DB, d dialect) *sqlStore {
	return &sqlStore{db: db, dialect: d}
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

const deviceColumns = `device_id, tenant_id, name, safe_working_load, last_seen, online, last_status, latitude, longitude, active, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row scanner) (*Device, error) {
	var (
		d          Device
		tenantID   sql.NullString
		lastSeen   sql.NullTime
		lastStatus sql.NullString
		lat, lon   sql.NullFloat64
	)
	err := row.Scan(&d.DeviceID, &tenantID, &d.Name, &d.SafeWorkingLoad, &lastSeen, &d.Online,
		&lastStatus, &lat, &lon, &d.Active, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.TenantID = tenantID.String
	d.LastStatus = lastStatus.String
	if lastSeen.Valid {
		d.LastSeen = lastSeen.Time
	}
	if lat.Valid && lon.Valid {
		d.Location = &decoder.Location{Latitude: lat.Float64, Longitude: lon.Float64}
	}
	return &d, nil
}

func deviceArgs(d *Device) []interface{} {
	var lat, lon sql.NullFloat64
	if d.Location != nil {
		lat = sql.NullFloat64{Float64: d.Location.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: d.Location.Longitude, Valid: true}
	}
	return []interface{}{
		nullString(d.TenantID), d.Name, d.SafeWorkingLoad, nullTime(d.LastSeen), d.Online,
		nullString(d.LastStatus), lat, lon, d.Active,
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

func (s *sqlStore) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	row := s.queryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, deviceID)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device %s: %w", deviceID, err)
	}
	return d, nil
}

func (s *sqlStore) CreateDevice(ctx context.Context, device *Device) error {
	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	args := append([]interface{}{device.DeviceID}, deviceArgs(device)...)
	args = append(args, device.CreatedAt, device.UpdatedAt)

	_, err := s.exec(ctx, `INSERT INTO devices (`+deviceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil && s.dialect.duplicate != nil && s.dialect.duplicate(err) {
		return fmt.Errorf("device %s: %w", device.DeviceID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert device %s: %w", device.DeviceID, err)
	}
	return nil
}

func (s *sqlStore) UpdateDevice(ctx context.Context, device *Device) error {
	device.UpdatedAt = time.Now().UTC()

	args := append(deviceArgs(device), device.UpdatedAt, device.DeviceID)
	res, err := s.exec(ctx, `UPDATE devices SET tenant_id = ?, name = ?, safe_working_load = ?, last_seen = ?, online = ?,
		last_status = ?, latitude = ?, longitude = ?, active = ?, updated_at = ? WHERE device_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update device %s: %w", device.DeviceID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("device %s: %w", device.DeviceID, ErrNotFound)
	}
	return nil
}

func (s *sqlStore) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := s.query(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqlStore) SaveTelemetry(ctx context.Context, reading *TelemetryReading) error {
	data, err := json.Marshal(reading.Data)
	if err != nil {
		return fmt.Errorf("failed to serialize telemetry: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO telemetry_readings (id, device_id, ts, data, raw, received_at) VALUES (?, ?, ?, ?, ?, ?)`,
		reading.ID, reading.DeviceID, reading.Timestamp.UTC(), string(data), reading.Raw, reading.ReceivedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert telemetry for %s: %w", reading.DeviceID, err)
	}
	return nil
}

func (s *sqlStore) ListTelemetry(ctx context.Context, deviceID string, limit int) ([]*TelemetryReading, error) {
	query := `SELECT id, device_id, ts, data, raw, received_at FROM telemetry_readings WHERE device_id = ? ORDER BY ts DESC`
	args := []interface{}{deviceID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list telemetry for %s: %w", deviceID, err)
	}
	defer rows.Close()

	var out []*TelemetryReading
	for rows.Next() {
		var (
			r    TelemetryReading
			data []byte
		)
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Timestamp, &data, &r.Raw, &r.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan telemetry: %w", err)
		}
		if len(data) > 0 {
			r.Data = &decoder.Telemetry{}
			if err := json.Unmarshal(data, r.Data); err != nil {
				return nil, fmt.Errorf("failed to parse telemetry data %s: %w", r.ID, err)
			}
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

const alertColumns = `id, device_id, category, severity, message, status, occurrences, created_at, updated_at, resolved_at`

func scanAlert(row scanner) (*Alert, error) {
	var (
		a          Alert
		status     string
		resolvedAt sql.NullTime
	)
	err := row.Scan(&a.ID, &a.DeviceID, &a.Category, &a.Severity, &a.Message, &status,
		&a.Occurrences, &a.CreatedAt, &a.UpdatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	a.Status = AlertStatus(status)
	if resolvedAt.Valid {
		ts := resolvedAt.Time
		a.ResolvedAt = &ts
	}
	return &a, nil
}

func resolvedArg(a *Alert) sql.NullTime {
	if a.ResolvedAt == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: a.ResolvedAt.UTC(), Valid: true}
}

func (s *sqlStore) CreateAlert(ctx context.Context, alert *Alert) error {
	_, err := s.exec(ctx, `INSERT INTO alerts (`+alertColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.DeviceID, alert.Category, alert.Severity, alert.Message, string(alert.Status),
		alert.Occurrences, alert.CreatedAt.UTC(), alert.UpdatedAt.UTC(), resolvedArg(alert))
	if err != nil {
		return fmt.Errorf("failed to insert alert for %s: %w", alert.DeviceID, err)
	}
	return nil
}

func (s *sqlStore) UpdateAlert(ctx context.Context, alert *Alert) error {
	res, err := s.exec(ctx, `UPDATE alerts SET severity = ?, message = ?, status = ?, occurrences = ?, updated_at = ?, resolved_at = ? WHERE id = ?`,
		alert.Severity, alert.Message, string(alert.Status), alert.Occurrences, alert.UpdatedAt.UTC(), resolvedArg(alert), alert.ID)
	if err != nil {
		return fmt.Errorf("failed to update alert %s: %w", alert.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("alert %s: %w", alert.ID, ErrNotFound)
	}
	return nil
}

func (s *sqlStore) GetAlert(ctx context.Context, id string) (*Alert, error) {
	a, err := scanAlert(s.queryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query alert %s: %w", id, err)
	}
	return a, nil
}

func (s *sqlStore) FindRecentAlert(ctx context.Context, deviceID, category string, since time.Time) (*Alert, error) {
	row := s.queryRow(ctx, `SELECT `+alertColumns+` FROM alerts
		WHERE device_id = ? AND category = ? AND status IN (?, ?) AND created_at >= ?
		ORDER BY created_at DESC LIMIT 1`,
		deviceID, category, string(AlertOpen), string(AlertInProgress), since.UTC())
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %s/%s: %w", deviceID, category, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query recent alert for %s: %w", deviceID, err)
	}
	return a, nil
}

func (s *sqlStore) ListAlerts(ctx context.Context, deviceID string) ([]*Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts`
	var args []interface{}
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close %s connection: %w", s.dialect.name, err)
	}
	return nil
}
