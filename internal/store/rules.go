package store

import "database/sql"

// RuleRepo mirrors RecordingRule records (spec §3 "RecordingRule"). The
// cloud is the owner of record; this table is a cache reconciled by
// full-list refresh per spec §4.6.
type RuleRepo struct{ db *sql.DB }

type Rule struct {
	RowID                  int64
	RecordingRuleID        string
	SeriesID               string
	Title                  string
	Synopsis               string
	ArtworkURL             string
	ChannelOnly            string
	TeamOnly               string
	RecentOnly             bool
	AfterOriginalAirdate   int64
	DateTimeOnly           int64
	Priority               int
	StartPadding           int
	EndPadding             int
}

func (r *RuleRepo) Upsert(rule *Rule) error {
	_, err := r.db.Exec(`
		INSERT INTO recording_rules (recording_rule_id, series_id, title, synopsis, artwork_url, channel_only, team_only,
			recent_only, after_original_airdate, date_time_only, priority, start_padding, end_padding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (recording_rule_id) DO UPDATE SET
			series_id = excluded.series_id, title = excluded.title, synopsis = excluded.synopsis,
			artwork_url = excluded.artwork_url, channel_only = excluded.channel_only, team_only = excluded.team_only,
			recent_only = excluded.recent_only, after_original_airdate = excluded.after_original_airdate,
			date_time_only = excluded.date_time_only, priority = excluded.priority,
			start_padding = excluded.start_padding, end_padding = excluded.end_padding
	`, rule.RecordingRuleID, rule.SeriesID, rule.Title, rule.Synopsis, rule.ArtworkURL, rule.ChannelOnly, rule.TeamOnly,
		boolToInt(rule.RecentOnly), rule.AfterOriginalAirdate, rule.DateTimeOnly, rule.Priority, rule.StartPadding, rule.EndPadding)
	return err
}

func (r *RuleRepo) Delete(recordingRuleID string) error {
	_, err := r.db.Exec(`DELETE FROM recording_rules WHERE recording_rule_id = ?`, recordingRuleID)
	return err
}

func (r *RuleRepo) All() ([]*Rule, error) {
	rows, err := r.db.Query(`
		SELECT id, recording_rule_id, series_id, title, synopsis, artwork_url, channel_only, team_only,
			recent_only, after_original_airdate, date_time_only, priority, start_padding, end_padding
		FROM recording_rules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Rule
	for rows.Next() {
		var rule Rule
		var recentOnly int
		if err := rows.Scan(&rule.RowID, &rule.RecordingRuleID, &rule.SeriesID, &rule.Title, &rule.Synopsis, &rule.ArtworkURL,
			&rule.ChannelOnly, &rule.TeamOnly, &recentOnly, &rule.AfterOriginalAirdate, &rule.DateTimeOnly,
			&rule.Priority, &rule.StartPadding, &rule.EndPadding); err != nil {
			return nil, err
		}
		rule.RecentOnly = recentOnly != 0
		out = append(out, &rule)
	}
	return out, rows.Err()
}

// ReplaceAll implements spec §4.6's "list" reconciliation: full replace
// against the returned set, deleting any local rule whose id is not
// present in current.
func (r *RuleRepo) ReplaceAll(current []*Rule) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	keep := make(map[string]bool, len(current))
	for _, rule := range current {
		keep[rule.RecordingRuleID] = true
		if _, err := tx.Exec(`
			INSERT INTO recording_rules (recording_rule_id, series_id, title, synopsis, artwork_url, channel_only, team_only,
				recent_only, after_original_airdate, date_time_only, priority, start_padding, end_padding)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (recording_rule_id) DO UPDATE SET
				series_id = excluded.series_id, title = excluded.title, synopsis = excluded.synopsis,
				artwork_url = excluded.artwork_url, channel_only = excluded.channel_only, team_only = excluded.team_only,
				recent_only = excluded.recent_only, after_original_airdate = excluded.after_original_airdate,
				date_time_only = excluded.date_time_only, priority = excluded.priority,
				start_padding = excluded.start_padding, end_padding = excluded.end_padding
		`, rule.RecordingRuleID, rule.SeriesID, rule.Title, rule.Synopsis, rule.ArtworkURL, rule.ChannelOnly, rule.TeamOnly,
			boolToInt(rule.RecentOnly), rule.AfterOriginalAirdate, rule.DateTimeOnly, rule.Priority, rule.StartPadding, rule.EndPadding); err != nil {
			return err
		}
	}

	rows, err := tx.Query(`SELECT recording_rule_id FROM recording_rules`)
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	rows.Close()
	for _, id := range stale {
		if _, err := tx.Exec(`DELETE FROM recording_rules WHERE recording_rule_id = ?`, id); err != nil {
			return err
		}
	}

	return tx.Commit()
}
