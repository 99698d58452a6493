package store

import "database/sql"

// SeriesRepo persists Series records (spec §3 "Series"). episode_count
// and total_duration are maintained entirely by the schema's triggers;
// this repo never writes them directly.
type SeriesRepo struct{ db *sql.DB }

type Series struct {
	RowID         int64
	DeviceRowID   int64
	SeriesID      string
	Title         string
	Category      string
	ArtworkURL    string
	EpisodesURL   string
	EpisodeCount  int
	TotalDuration int64
	FirstRecorded int64
	LastRecorded  int64
}

func (r *SeriesRepo) Upsert(s *Series) (int64, error) {
	res, err := r.db.Exec(`
		INSERT INTO series (device_row_id, series_id, title, category, artwork_url, episodes_url)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_row_id, series_id) DO UPDATE SET
			title = excluded.title, category = excluded.category,
			artwork_url = excluded.artwork_url, episodes_url = excluded.episodes_url
	`, s.DeviceRowID, s.SeriesID, s.Title, s.Category, s.ArtworkURL, s.EpisodesURL)
	if err != nil {
		return 0, err
	}
	if id, err := res.LastInsertId(); err == nil && id != 0 {
		return id, nil
	}
	var id int64
	err = r.db.QueryRow(`SELECT id FROM series WHERE device_row_id = ? AND series_id = ?`, s.DeviceRowID, s.SeriesID).Scan(&id)
	return id, err
}

// ByTitleSorted returns all series for a device sorted by title, per
// spec §4.5 "sort series by title".
func (r *SeriesRepo) ByTitleSorted(deviceRowID int64) ([]*Series, error) {
	rows, err := r.db.Query(`
		SELECT id, device_row_id, series_id, title, category, artwork_url, episodes_url, episode_count, total_duration, first_recorded, last_recorded
		FROM series WHERE device_row_id = ? ORDER BY title ASC`, deviceRowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Series
	for rows.Next() {
		var s Series
		if err := rows.Scan(&s.RowID, &s.DeviceRowID, &s.SeriesID, &s.Title, &s.Category, &s.ArtworkURL, &s.EpisodesURL, &s.EpisodeCount, &s.TotalDuration, &s.FirstRecorded, &s.LastRecorded); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
