package store

// schema implements spec §6's relational layout: devices, series,
// episodes, guide_channels, guide_programs, recording_rules,
// live_tuners, live_viewers, with the three episode-aggregate triggers
// on series required by spec §3/§8.
const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id     TEXT NOT NULL UNIQUE,
	friendly_name TEXT NOT NULL DEFAULT '',
	base_url      TEXT NOT NULL DEFAULT '',
	storage_url   TEXT NOT NULL DEFAULT '',
	device_auth   TEXT NOT NULL DEFAULT '',
	tuner_count   INTEGER NOT NULL DEFAULT 0,
	total_space   INTEGER NOT NULL DEFAULT 0,
	free_space    INTEGER NOT NULL DEFAULT 0,
	online        INTEGER NOT NULL DEFAULT 1,
	last_seen     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS series (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	device_row_id   INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
	series_id       TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	category        TEXT NOT NULL DEFAULT '',
	artwork_url     TEXT NOT NULL DEFAULT '',
	episodes_url    TEXT NOT NULL DEFAULT '',
	episode_count   INTEGER NOT NULL DEFAULT 0,
	total_duration  INTEGER NOT NULL DEFAULT 0,
	first_recorded  INTEGER NOT NULL DEFAULT 0,
	last_recorded   INTEGER NOT NULL DEFAULT 0,
	UNIQUE (device_row_id, series_id)
);

CREATE TABLE IF NOT EXISTS episodes (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	series_row_id    INTEGER NOT NULL REFERENCES series(id) ON DELETE CASCADE,
	program_id       TEXT NOT NULL,
	title            TEXT NOT NULL DEFAULT '',
	episode_title    TEXT NOT NULL DEFAULT '',
	season_episode   TEXT NOT NULL DEFAULT '',
	season           INTEGER NOT NULL DEFAULT 0,
	episode          INTEGER NOT NULL DEFAULT 0,
	synopsis         TEXT NOT NULL DEFAULT '',
	channel_name     TEXT NOT NULL DEFAULT '',
	channel_number   TEXT NOT NULL DEFAULT '',
	start_time       INTEGER NOT NULL,
	end_time         INTEGER NOT NULL,
	duration         INTEGER NOT NULL,
	original_airdate INTEGER NOT NULL DEFAULT 0,
	record_start     INTEGER NOT NULL DEFAULT 0,
	record_end       INTEGER NOT NULL DEFAULT 0,
	filename         TEXT NOT NULL DEFAULT '',
	play_url         TEXT NOT NULL DEFAULT '',
	cmd_url          TEXT NOT NULL DEFAULT '',
	resume_position  INTEGER NOT NULL DEFAULT 0,
	watched          INTEGER NOT NULL DEFAULT 0,
	record_success   INTEGER NOT NULL DEFAULT 1,
	artwork_url      TEXT NOT NULL DEFAULT '',
	updated_at       INTEGER NOT NULL DEFAULT 0,
	UNIQUE (series_row_id, program_id),
	CHECK (end_time >= start_time),
	CHECK (duration = end_time - start_time),
	CHECK (resume_position >= 0)
);

CREATE TABLE IF NOT EXISTS guide_channels (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	guide_number TEXT NOT NULL UNIQUE,
	guide_name   TEXT NOT NULL DEFAULT '',
	last_updated INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS guide_programs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_row INTEGER NOT NULL REFERENCES guide_channels(id) ON DELETE CASCADE,
	series_id   TEXT NOT NULL DEFAULT '',
	title       TEXT NOT NULL DEFAULT '',
	episode_title TEXT NOT NULL DEFAULT '',
	synopsis    TEXT NOT NULL DEFAULT '',
	start_time  INTEGER NOT NULL,
	end_time    INTEGER NOT NULL,
	UNIQUE (channel_row, series_id, start_time)
);

CREATE TABLE IF NOT EXISTS recording_rules (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	recording_rule_id     TEXT NOT NULL UNIQUE,
	series_id             TEXT NOT NULL DEFAULT '',
	title                 TEXT NOT NULL DEFAULT '',
	synopsis              TEXT NOT NULL DEFAULT '',
	artwork_url           TEXT NOT NULL DEFAULT '',
	channel_only          TEXT NOT NULL DEFAULT '',
	team_only             TEXT NOT NULL DEFAULT '',
	recent_only           INTEGER NOT NULL DEFAULT 0,
	after_original_airdate INTEGER NOT NULL DEFAULT 0,
	date_time_only        INTEGER NOT NULL DEFAULT 0,
	priority              INTEGER NOT NULL DEFAULT 0,
	start_padding         INTEGER NOT NULL DEFAULT 0,
	end_padding           INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS live_tuners (
	id            TEXT PRIMARY KEY,
	device_id     TEXT NOT NULL,
	tuner_index   INTEGER NOT NULL,
	state         TEXT NOT NULL DEFAULT 'idle',
	channel       TEXT NOT NULL DEFAULT '',
	viewer_count  INTEGER NOT NULL DEFAULT 0,
	last_accessed INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS live_viewers (
	client_id     TEXT PRIMARY KEY,
	tuner_id      TEXT NOT NULL REFERENCES live_tuners(id) ON DELETE CASCADE,
	channel       TEXT NOT NULL DEFAULT '',
	last_heartbeat INTEGER NOT NULL DEFAULT 0
);

-- Derived-aggregate maintenance (spec §3, §4.5, §8): episode_count,
-- total_duration, first_recorded, last_recorded on series must always
-- equal the counted/summed values across that series' current episodes.
CREATE TRIGGER IF NOT EXISTS trg_episodes_ai AFTER INSERT ON episodes BEGIN
	UPDATE series SET
		episode_count  = (SELECT COUNT(*) FROM episodes WHERE series_row_id = NEW.series_row_id),
		total_duration = (SELECT COALESCE(SUM(duration), 0) FROM episodes WHERE series_row_id = NEW.series_row_id),
		first_recorded = (SELECT COALESCE(MIN(record_start), 0) FROM episodes WHERE series_row_id = NEW.series_row_id),
		last_recorded  = (SELECT COALESCE(MAX(record_start), 0) FROM episodes WHERE series_row_id = NEW.series_row_id)
	WHERE id = NEW.series_row_id;
END;

CREATE TRIGGER IF NOT EXISTS trg_episodes_au AFTER UPDATE ON episodes BEGIN
	UPDATE series SET
		episode_count  = (SELECT COUNT(*) FROM episodes WHERE series_row_id = NEW.series_row_id),
		total_duration = (SELECT COALESCE(SUM(duration), 0) FROM episodes WHERE series_row_id = NEW.series_row_id),
		first_recorded = (SELECT COALESCE(MIN(record_start), 0) FROM episodes WHERE series_row_id = NEW.series_row_id),
		last_recorded  = (SELECT COALESCE(MAX(record_start), 0) FROM episodes WHERE series_row_id = NEW.series_row_id)
	WHERE id = NEW.series_row_id;
END;

CREATE TRIGGER IF NOT EXISTS trg_episodes_ad AFTER DELETE ON episodes BEGIN
	UPDATE series SET
		episode_count  = (SELECT COUNT(*) FROM episodes WHERE series_row_id = OLD.series_row_id),
		total_duration = (SELECT COALESCE(SUM(duration), 0) FROM episodes WHERE series_row_id = OLD.series_row_id),
		first_recorded = (SELECT COALESCE(MIN(record_start), 0) FROM episodes WHERE series_row_id = OLD.series_row_id),
		last_recorded  = (SELECT COALESCE(MAX(record_start), 0) FROM episodes WHERE series_row_id = OLD.series_row_id)
	WHERE id = OLD.series_row_id;
END;
`

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}
	// One-shot reconciliation for rows whose triggers pre-dated
	// creation (spec §4.5): force a recalculation over every series.
	_, err = s.db.Exec(`
		UPDATE series SET
			episode_count  = (SELECT COUNT(*) FROM episodes WHERE series_row_id = series.id),
			total_duration = (SELECT COALESCE(SUM(duration), 0) FROM episodes WHERE series_row_id = series.id),
			first_recorded = (SELECT COALESCE(MIN(record_start), 0) FROM episodes WHERE series_row_id = series.id),
			last_recorded  = (SELECT COALESCE(MAX(record_start), 0) FROM episodes WHERE series_row_id = series.id)
	`)
	return err
}
