package store

import "database/sql"

// TunerRepo is the durable mirror of the allocator's tuner map (spec
// §4.2: "The tuner table is mirrored to the relational store for
// cross-restart visibility").
type TunerRepo struct{ db *sql.DB }

type TunerRow struct {
	ID           string
	DeviceID     string
	TunerIndex   int
	State        string
	Channel      string
	ViewerCount  int
	LastAccessed int64
}

func (r *TunerRepo) Upsert(t *TunerRow) error {
	_, err := r.db.Exec(`
		INSERT INTO live_tuners (id, device_id, tuner_index, state, channel, viewer_count, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state, channel = excluded.channel,
			viewer_count = excluded.viewer_count, last_accessed = excluded.last_accessed
	`, t.ID, t.DeviceID, t.TunerIndex, t.State, t.Channel, t.ViewerCount, t.LastAccessed)
	return err
}

func (r *TunerRepo) All() ([]*TunerRow, error) {
	rows, err := r.db.Query(`SELECT id, device_id, tuner_index, state, channel, viewer_count, last_accessed FROM live_tuners`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*TunerRow
	for rows.Next() {
		var t TunerRow
		if err := rows.Scan(&t.ID, &t.DeviceID, &t.TunerIndex, &t.State, &t.Channel, &t.ViewerCount, &t.LastAccessed); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// ResetAfterRestart forces every row that is not Offline (Active,
// Cooldown, Claiming) to Idle with viewer_count 0, since no worker
// survives a restart; Offline rows are left unchanged.
func (r *TunerRepo) ResetAfterRestart() error {
	_, err := r.db.Exec(`UPDATE live_tuners SET state = 'idle', viewer_count = 0 WHERE state != 'offline'`)
	return err
}
