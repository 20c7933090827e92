package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"sunmeter/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// --- device directory ---

func scanDevice(row *sql.Row) (domain.Device, error) {
	var d domain.Device
	var alias, simNo, lastLog sql.NullString
	err := row.Scan(&d.ID, &d.Serial, &alias, &simNo, &d.LogStatus, &lastLog, &d.ClientID)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Alias = alias.String
	d.SimNo = simNo.String
	if lastLog.Valid {
		d.LastLog = &lastLog.String
	}
	return d, nil
}

func (r Repo) GetDevice(ctx context.Context, id int64) (domain.Device, error) {
	return scanDevice(r.DB.QueryRowContext(ctx,
		`SELECT id,serial,alias,sim_no,log_status,last_log,user FROM devices WHERE id=?`, id))
}

func (r Repo) GetDeviceBySerial(ctx context.Context, serial string) (domain.Device, error) {
	return scanDevice(r.DB.QueryRowContext(ctx,
		`SELECT id,serial,alias,sim_no,log_status,last_log,user FROM devices WHERE serial=?`, serial))
}

// ListClientDevices returns every device owned by the client.
func (r Repo) ListClientDevices(ctx context.Context, clientID int64) ([]domain.Device, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,serial,alias,sim_no,log_status,last_log,user FROM devices WHERE user=? ORDER BY serial`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Device
	for rows.Next() {
		var d domain.Device
		var alias, simNo, lastLog sql.NullString
		if err := rows.Scan(&d.ID, &d.Serial, &alias, &simNo, &d.LogStatus, &lastLog, &d.ClientID); err != nil {
			return nil, err
		}
		d.Alias = alias.String
		d.SimNo = simNo.String
		if lastLog.Valid {
			d.LastLog = &lastLog.String
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// GetClientName returns "first last" for the client, or ErrNotFound.
func (r Repo) GetClientName(ctx context.Context, clientID int64) (string, error) {
	var first, last string
	err := r.DB.QueryRowContext(ctx, `SELECT first_name,last_name FROM users WHERE id=?`, clientID).
		Scan(&first, &last)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return first + " " + last, nil
}

func (r Repo) InsertClient(ctx context.Context, c domain.Client) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO users(first_name,last_name,country) VALUES (?,?,?)`,
		c.FirstName, c.LastName, nullable(c.Country))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) InsertDevice(ctx context.Context, d domain.Device) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO devices(serial,alias,sim_no,log_status,last_log,user) VALUES (?,?,?,?,?,?)`,
		d.Serial, nullable(d.Alias), nullable(d.SimNo), d.LogStatus, lastLogArg(d.LastLog), d.ClientID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func lastLogArg(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

// DevicesByIdentifiers resolves devices by serial or SIM number, preserving
// the order of the requested identifiers.
func (r Repo) DevicesByIdentifiers(ctx context.Context, identifiers []string) ([]domain.Device, []domain.Client, error) {
	if len(identifiers) == 0 {
		return nil, nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(identifiers)), ",")
	args := make([]any, 0, 2*len(identifiers))
	for _, id := range identifiers {
		args = append(args, id)
	}
	for _, id := range identifiers {
		args = append(args, id)
	}
	query := fmt.Sprintf(`SELECT d.id,d.serial,d.alias,d.sim_no,d.log_status,d.last_log,d.user,
u.id,u.first_name,u.last_name,COALESCE(u.country,'')
FROM devices d JOIN users u ON d.user=u.id
WHERE d.serial IN (%s) OR d.sim_no IN (%s)`, placeholders, placeholders)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	byKey := map[string]int{}
	var devices []domain.Device
	var owners []domain.Client
	for rows.Next() {
		var d domain.Device
		var c domain.Client
		var alias, simNo, lastLog sql.NullString
		if err := rows.Scan(&d.ID, &d.Serial, &alias, &simNo, &d.LogStatus, &lastLog, &d.ClientID,
			&c.ID, &c.FirstName, &c.LastName, &c.Country); err != nil {
			return nil, nil, err
		}
		d.Alias = alias.String
		d.SimNo = simNo.String
		if lastLog.Valid {
			d.LastLog = &lastLog.String
		}
		byKey[d.Serial] = len(devices)
		if d.SimNo != "" {
			byKey[d.SimNo] = len(devices)
		}
		devices = append(devices, d)
		owners = append(owners, c)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	// Reorder to match the request.
	var outD []domain.Device
	var outC []domain.Client
	seen := map[int64]bool{}
	for _, id := range identifiers {
		idx, ok := byKey[id]
		if !ok || seen[devices[idx].ID] {
			continue
		}
		seen[devices[idx].ID] = true
		outD = append(outD, devices[idx])
		outC = append(outC, owners[idx])
	}
	return outD, outC, nil
}

// --- fleet stats ---

// ClientStats aggregates device counts and online/offline split per client,
// skipping the excluded (internal) account ids.
func (r Repo) ClientStats(ctx context.Context, excluded []int64) ([]domain.ClientDeviceStats, error) {
	query := `SELECT u.id, COALESCE(u.country,''), u.first_name, u.last_name,
COUNT(d.id),
SUM(CASE WHEN d.log_status != '0' THEN 1 ELSE 0 END),
SUM(CASE WHEN d.log_status = '0' THEN 1 ELSE 0 END)
FROM users u JOIN devices d ON d.user=u.id`
	var args []any
	if len(excluded) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(excluded)), ",")
		query += fmt.Sprintf(" WHERE u.id NOT IN (%s)", placeholders)
		for _, id := range excluded {
			args = append(args, id)
		}
	}
	query += ` GROUP BY u.id, u.country, u.first_name, u.last_name ORDER BY u.id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ClientDeviceStats
	for rows.Next() {
		var s domain.ClientDeviceStats
		if err := rows.Scan(&s.ClientID, &s.Country, &s.FirstName, &s.LastName, &s.NoOfDevices, &s.Online, &s.Offline); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- time-series store ---

// QueryDaySamples returns the ordered samples for one device-day.
func (r Repo) QueryDaySamples(ctx context.Context, serial string, year, month, day int) ([]domain.RawSample, error) {
	start := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)
	rows, err := r.DB.QueryContext(ctx,
		`SELECT r.time_stamp, r.supply_voltage, r.panel_current
FROM records r JOIN devices d ON r.device_id=d.id
WHERE d.serial=? AND r.time_stamp >= ? AND r.time_stamp < ?
ORDER BY r.time_stamp ASC`,
		serial, start.Format(time.RFC3339), end.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RawSample
	for rows.Next() {
		s := domain.RawSample{DeviceSerial: serial}
		var v, c sql.NullFloat64
		if err := rows.Scan(&s.Timestamp, &v, &c); err != nil {
			return nil, err
		}
		if v.Valid {
			s.PanelVoltage = &v.Float64
		}
		if c.Valid {
			s.PanelCurrent = &c.Float64
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertSample(ctx context.Context, deviceID int64, ts string, voltage, current *float64, extras string) error {
	// Timestamps are stored as UTC RFC3339 so the day-window queries can
	// compare them lexically.
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return fmt.Errorf("parse sample timestamp %q: %w", ts, err)
	}
	ts = parsed.UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO records(device_id,time_stamp,supply_voltage,panel_current,extras) VALUES (?,?,?,?,?)`,
		deviceID, ts, floatArg(voltage), floatArg(current), nullable(extras))
	return err
}

func floatArg(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// LatestReadings returns the most recent n readings for a device.
func (r Repo) LatestReadings(ctx context.Context, deviceID int64, n int) ([]domain.RawSample, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT d.serial, r.time_stamp, r.supply_voltage, r.panel_current
FROM records r JOIN devices d ON r.device_id=d.id
WHERE r.device_id=? ORDER BY r.time_stamp DESC LIMIT ?`, deviceID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RawSample
	for rows.Next() {
		var s domain.RawSample
		var v, c sql.NullFloat64
		if err := rows.Scan(&s.DeviceSerial, &s.Timestamp, &v, &c); err != nil {
			return nil, err
		}
		if v.Valid {
			s.PanelVoltage = &v.Float64
		}
		if c.Valid {
			s.PanelCurrent = &c.Float64
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// QueryDayExtras returns the ordered extras payloads for one device-day.
func (r Repo) QueryDayExtras(ctx context.Context, serial string, year, month, day int) ([]string, error) {
	start := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)
	rows, err := r.DB.QueryContext(ctx,
		`SELECT COALESCE(r.extras,'')
FROM records r JOIN devices d ON r.device_id=d.id
WHERE d.serial=? AND r.time_stamp >= ? AND r.time_stamp < ?
ORDER BY r.time_stamp ASC`,
		serial, start.Format(time.RFC3339), end.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var extras string
		if err := rows.Scan(&extras); err != nil {
			return nil, err
		}
		res = append(res, extras)
	}
	return res, rows.Err()
}
