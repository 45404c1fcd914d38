package incident

import (
	"github.com/BurntSushi/migration"
	"github.com/centinelacam/centinela/pkg/dbh"
	"github.com/centinelacam/centinela/pkg/log"
)

func Migrations(log log.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE camera(
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			location TEXT NOT NULL,
			enabled INT NOT NULL DEFAULT 1
		);

		CREATE TABLE incident(
			id INTEGER PRIMARY KEY,
			camera_id INT NOT NULL,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			probability REAL NOT NULL,
			persons INT NOT NULL,
			location TEXT NOT NULL,
			start_time INT NOT NULL,
			end_time INT,
			created_at INT NOT NULL,
			video BLOB,
			video_path TEXT,
			video_meta BLOB,
			video_too_large INT NOT NULL DEFAULT 0,
			video_reason TEXT
		);

		CREATE TABLE user(
			id INTEGER PRIMARY KEY,
			username TEXT NOT NULL,
			email TEXT,
			role TEXT
		);
	`))

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE notification(
			id INTEGER PRIMARY KEY,
			incident_id INT NOT NULL,
			camera_id INT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT,
			created_at INT NOT NULL
		);
	`))

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE INDEX idx_incident_camera_id ON incident(camera_id);
		CREATE INDEX idx_incident_start_time ON incident(start_time);
		CREATE INDEX idx_notification_incident_id ON notification(incident_id);
	`))

	return migs
}
