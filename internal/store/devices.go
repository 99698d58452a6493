package store

import (
	"database/sql"
	"time"
)

// DeviceRepo persists Appliance records (spec §3 "Appliance").
type DeviceRepo struct{ db *sql.DB }

type Device struct {
	RowID        int64
	DeviceID     string
	FriendlyName string
	BaseURL      string
	StorageURL   string
	DeviceAuth   string
	TunerCount   int
	TotalSpace   int64
	FreeSpace    int64
	Online       bool
	LastSeen     time.Time
}

// Upsert inserts or updates a device row, touching last_seen on every
// sync per spec §4.5.
func (r *DeviceRepo) Upsert(d *Device) (int64, error) {
	res, err := r.db.Exec(`
		INSERT INTO devices (device_id, friendly_name, base_url, storage_url, device_auth, tuner_count, total_space, free_space, online, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (device_id) DO UPDATE SET
			friendly_name = excluded.friendly_name,
			base_url      = excluded.base_url,
			storage_url   = excluded.storage_url,
			device_auth   = excluded.device_auth,
			tuner_count   = excluded.tuner_count,
			total_space   = excluded.total_space,
			free_space    = excluded.free_space,
			online        = 1,
			last_seen     = excluded.last_seen
	`, d.DeviceID, d.FriendlyName, d.BaseURL, d.StorageURL, d.DeviceAuth, d.TunerCount, d.TotalSpace, d.FreeSpace, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	if id, err := res.LastInsertId(); err == nil && id != 0 {
		return id, nil
	}
	var id int64
	err = r.db.QueryRow(`SELECT id FROM devices WHERE device_id = ?`, d.DeviceID).Scan(&id)
	return id, err
}

// MarkOffline soft-deletes devices not observed in the current pass
// (spec §3: "soft-deleted (marked offline) when not observed").
func (r *DeviceRepo) MarkOffline(deviceID string) error {
	_, err := r.db.Exec(`UPDATE devices SET online = 0 WHERE device_id = ?`, deviceID)
	return err
}

func (r *DeviceRepo) ByDeviceID(deviceID string) (*Device, error) {
	row := r.db.QueryRow(`
		SELECT id, device_id, friendly_name, base_url, storage_url, device_auth, tuner_count, total_space, free_space, online, last_seen
		FROM devices WHERE device_id = ?`, deviceID)
	return scanDevice(row)
}

func (r *DeviceRepo) All() ([]*Device, error) {
	rows, err := r.db.Query(`
		SELECT id, device_id, friendly_name, base_url, storage_url, device_auth, tuner_count, total_space, free_space, online, last_seen
		FROM devices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Device
	for rows.Next() {
		d, err := scanDeviceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(s scanner) (*Device, error) {
	var d Device
	var online int
	var lastSeen int64
	if err := s.Scan(&d.RowID, &d.DeviceID, &d.FriendlyName, &d.BaseURL, &d.StorageURL, &d.DeviceAuth, &d.TunerCount, &d.TotalSpace, &d.FreeSpace, &online, &lastSeen); err != nil {
		return nil, err
	}
	d.Online = online != 0
	d.LastSeen = time.Unix(lastSeen, 0)
	return &d, nil
}

func scanDeviceRows(rows *sql.Rows) (*Device, error) { return scanDevice(rows) }
