package store

import "database/sql"

// ViewerRepo is the durable mirror of the viewer table (spec §3 "Viewer").
type ViewerRepo struct{ db *sql.DB }

type ViewerRow struct {
	ClientID      string
	TunerID       string
	Channel       string
	LastHeartbeat int64
}

func (r *ViewerRepo) Upsert(v *ViewerRow) error {
	_, err := r.db.Exec(`
		INSERT INTO live_viewers (client_id, tuner_id, channel, last_heartbeat) VALUES (?, ?, ?, ?)
		ON CONFLICT (client_id) DO UPDATE SET tuner_id = excluded.tuner_id, channel = excluded.channel, last_heartbeat = excluded.last_heartbeat
	`, v.ClientID, v.TunerID, v.Channel, v.LastHeartbeat)
	return err
}

func (r *ViewerRepo) Touch(clientID string, ts int64) (bool, error) {
	res, err := r.db.Exec(`UPDATE live_viewers SET last_heartbeat = ? WHERE client_id = ?`, ts, clientID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *ViewerRepo) Delete(clientID string) error {
	_, err := r.db.Exec(`DELETE FROM live_viewers WHERE client_id = ?`, clientID)
	return err
}

func (r *ViewerRepo) ByTuner(tunerID string) ([]*ViewerRow, error) {
	rows, err := r.db.Query(`SELECT client_id, tuner_id, channel, last_heartbeat FROM live_viewers WHERE tuner_id = ?`, tunerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ViewerRow
	for rows.Next() {
		var v ViewerRow
		if err := rows.Scan(&v.ClientID, &v.TunerID, &v.Channel, &v.LastHeartbeat); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (r *ViewerRepo) Stale(before int64) ([]*ViewerRow, error) {
	rows, err := r.db.Query(`SELECT client_id, tuner_id, channel, last_heartbeat FROM live_viewers WHERE last_heartbeat < ?`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ViewerRow
	for rows.Next() {
		var v ViewerRow
		if err := rows.Scan(&v.ClientID, &v.TunerID, &v.Channel, &v.LastHeartbeat); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}
