package store

import "time"

type Profile struct {
	ID          string
	Email       string
	DisplayName string
	// Preferences is the raw column value; nil when the column is NULL.
	Preferences []byte
	// PreferencesVersion counts preference writes to the row.
	PreferencesVersion int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PreferencesWrite is the outcome of a committed preference update.
type PreferencesWrite struct {
	Preferences []byte
	Version     int64
	UpdatedAt   time.Time
}

// RawPreferences is one row of a full-table preference scan.
type RawPreferences struct {
	UserID      string
	Preferences []byte
}
