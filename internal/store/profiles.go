package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MutateFunc receives the current raw preference column (nil for NULL) and
// returns the bytes to store in its place.
type MutateFunc func(current []byte) ([]byte, error)

type ProfileStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewProfileStore(db *sql.DB, dialect Dialect) *ProfileStore {
	return &ProfileStore{db: db, dialect: dialect, now: time.Now}
}

func (s *ProfileStore) DB() *sql.DB {
	return s.db
}

func (s *ProfileStore) Dialect() Dialect {
	return s.dialect
}

// EnsureProfile creates the profile with an empty preference document if it
// does not exist yet. created reports whether a row was inserted.
func (s *ProfileStore) EnsureProfile(ctx context.Context, profile Profile) (Profile, bool, error) {
	now := s.dialect.timeParam(s.now())
	result, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO user_profiles (id, email, display_name, preferences, created_at, updated_at)
		VALUES ($1, $2, $3, '{}', $4, $5)
		ON CONFLICT (id) DO NOTHING
	`), profile.ID, profile.Email, profile.DisplayName, now, now)
	if err != nil {
		return Profile{}, false, fmt.Errorf("insert profile: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Profile{}, false, fmt.Errorf("insert profile rows: %w", err)
	}

	stored, err := s.GetProfile(ctx, profile.ID)
	if err != nil {
		return Profile{}, false, err
	}
	return stored, affected > 0, nil
}

func (s *ProfileStore) GetProfile(ctx context.Context, userID string) (Profile, error) {
	var (
		profile     Profile
		preferences sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT id, email, display_name, `+s.dialect.preferencesColumn()+`, preferences_version, created_at, updated_at
		FROM user_profiles
		WHERE id=$1
	`), userID).Scan(
		&profile.ID,
		&profile.Email,
		&profile.DisplayName,
		&preferences,
		&profile.PreferencesVersion,
		timestamp{&profile.CreatedAt},
		timestamp{&profile.UpdatedAt},
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, err
		}
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	if preferences.Valid {
		profile.Preferences = []byte(preferences.String)
	}
	return profile, nil
}

// UpdatePreferences runs a read-merge-write of the preference column in one
// transaction holding the row lock, so concurrent writers for the same user
// never lose each other's keys. Every write bumps preferences_version. A
// missing profile yields sql.ErrNoRows.
func (s *ProfileStore) UpdatePreferences(ctx context.Context, userID string, mutate MutateFunc) (PreferencesWrite, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PreferencesWrite{}, fmt.Errorf("begin preferences tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		current sql.NullString
		version int64
	)
	err = tx.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT `+s.dialect.preferencesColumn()+`, preferences_version
		FROM user_profiles
		WHERE id=$1`+s.dialect.lockClause()), userID).Scan(&current, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PreferencesWrite{}, err
		}
		return PreferencesWrite{}, fmt.Errorf("lock preferences: %w", err)
	}

	var raw []byte
	if current.Valid {
		raw = []byte(current.String)
	}
	next, err := mutate(raw)
	if err != nil {
		return PreferencesWrite{}, err
	}

	write := PreferencesWrite{Preferences: next, Version: version + 1, UpdatedAt: s.now()}
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`
		UPDATE user_profiles
		SET preferences=`+s.dialect.jsonParam("$1")+`, preferences_version=$2, updated_at=$3
		WHERE id=$4
	`), string(next), write.Version, s.dialect.timeParam(write.UpdatedAt), userID); err != nil {
		return PreferencesWrite{}, fmt.Errorf("write preferences: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return PreferencesWrite{}, fmt.Errorf("commit preferences: %w", err)
	}
	return write, nil
}

// DeleteProfile removes the profile row and with it the preference document.
func (s *ProfileStore) DeleteProfile(ctx context.Context, userID string) error {
	result, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM user_profiles WHERE id=$1`), userID)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete profile rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *ProfileStore) ListRawPreferences(ctx context.Context) ([]RawPreferences, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, `+s.dialect.preferencesColumn()+`
		FROM user_profiles
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	defer rows.Close()

	items := make([]RawPreferences, 0)
	for rows.Next() {
		var (
			item        RawPreferences
			preferences sql.NullString
		)
		if err := rows.Scan(&item.UserID, &preferences); err != nil {
			return nil, fmt.Errorf("scan preferences: %w", err)
		}
		if preferences.Valid {
			item.Preferences = []byte(preferences.String)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate preferences: %w", err)
	}
	return items, nil
}

func (s *ProfileStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
