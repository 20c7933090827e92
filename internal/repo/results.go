package repo

import (
	"context"
	"database/sql"
	"time"

	"sunmeter/internal/domain"
)

// Results store and dedup ledger. Both are append-mostly multi-writer
// tables; unit-of-work tasks never collide because each (device, day) key
// is written by at most one task per batch.

func (r Repo) InsertDailyResult(ctx context.Context, res domain.DailyEnergyResult) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO daily_energy(unique_key,client_id,client_name,serial,site_name,year,month,day,energy_kwh,co2_kg,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		res.UniqueKey, res.ClientID, res.ClientName, res.DeviceSerial, nullable(res.SiteName),
		res.Year, res.Month, res.Day, res.EnergyKWh, res.CO2Kg,
		time.Now().UTC().Format(time.RFC3339))
	return err
}

// FindMonthlyResults returns every daily result of the client for the period.
func (r Repo) FindMonthlyResults(ctx context.Context, clientID int64, year, month int) ([]domain.DailyEnergyResult, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT unique_key,client_id,client_name,serial,COALESCE(site_name,''),year,month,day,energy_kwh,co2_kg
FROM daily_energy WHERE client_id=? AND year=? AND month=? ORDER BY serial, day`,
		clientID, year, month)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DailyEnergyResult
	for rows.Next() {
		var d domain.DailyEnergyResult
		if err := rows.Scan(&d.UniqueKey, &d.ClientID, &d.ClientName, &d.DeviceSerial, &d.SiteName,
			&d.Year, &d.Month, &d.Day, &d.EnergyKWh, &d.CO2Kg); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// AnnualEnergyTotals sums daily energy per (client, year), sorted by client
// then year. CO2 for the aggregate is computed by the caller with the
// annual tariff.
func (r Repo) AnnualEnergyTotals(ctx context.Context) ([]domain.AnnualCO2, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT client_id, year, SUM(energy_kwh) FROM daily_energy
GROUP BY client_id, year ORDER BY client_id, year`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AnnualCO2
	for rows.Next() {
		var a domain.AnnualCO2
		if err := rows.Scan(&a.ClientID, &a.Year, &a.TotalEnergy); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// LedgerExists reports whether the idempotency key was already logged.
func (r Repo) LedgerExists(ctx context.Context, uniqueKey string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM logged_keys WHERE unique_key=?`, uniqueKey).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LedgerInsert records the idempotency key. Write-once: the key is never
// updated or deleted afterwards.
func (r Repo) LedgerInsert(ctx context.Context, uniqueKey string) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO logged_keys(unique_key,created_at) VALUES (?,?)`,
		uniqueKey, time.Now().UTC().Format(time.RFC3339))
	return err
}
