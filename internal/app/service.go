package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"swiftnotes/api/internal/auth"
	"swiftnotes/api/internal/config"
	"swiftnotes/api/internal/logging"
	"swiftnotes/api/internal/metrics"
	"swiftnotes/api/internal/preferences"
	"swiftnotes/api/internal/store"
)

type Session struct {
	Token       string
	UserID      string
	Email       string
	DisplayName string
	JTI         string
	ExpiresAt   time.Time
}

// Profile is the API view of a user profile. Preferences always carry the
// defaults for keys the stored document lacks.
type Profile struct {
	ID          string               `json:"id"`
	Email       string               `json:"email"`
	DisplayName string               `json:"displayName"`
	Preferences preferences.Document `json:"preferences"`
	CreatedAt   time.Time            `json:"createdAt"`
	UpdatedAt   time.Time            `json:"updatedAt"`
}

type RepairReport struct {
	Scanned  int      `json:"scanned"`
	Repaired int      `json:"repaired"`
	UserIDs  []string `json:"userIds,omitempty"`
}

type ProfileStore interface {
	EnsureProfile(context.Context, store.Profile) (store.Profile, bool, error)
	GetProfile(context.Context, string) (store.Profile, error)
	UpdatePreferences(context.Context, string, store.MutateFunc) (store.PreferencesWrite, error)
	DeleteProfile(context.Context, string) error
	ListRawPreferences(context.Context) ([]store.RawPreferences, error)
	Ping(context.Context) error
}

// PreferenceCache holds stored (not defaulted) documents keyed by user id.
// Set must refuse a version older than or equal to the one already cached,
// and MarkDeleted must make later Sets no-ops until the marker expires.
type PreferenceCache interface {
	Get(context.Context, string) (preferences.Document, bool, error)
	Set(ctx context.Context, userID string, doc preferences.Document, version int64) (bool, error)
	MarkDeleted(context.Context, string) error
	Invalidate(context.Context, string) error
	Ping(context.Context) error
}

const (
	// sharedReadTimeout bounds a store read that several requests wait on.
	sharedReadTimeout = 10 * time.Second
	cacheWriteTimeout = 2 * time.Second
)

type Service struct {
	cfg     config.Config
	store   ProfileStore
	cache   PreferenceCache
	logger  *zap.Logger
	metrics *metrics.Metrics
	reads   singleflight.Group
}

// New wires the service. cache and m may be nil; logger defaults to a no-op.
func New(cfg config.Config, profiles ProfileStore, cache PreferenceCache, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:     cfg,
		store:   profiles,
		cache:   cache,
		logger:  logger,
		metrics: m,
	}
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	session := Session{
		Token:       token,
		UserID:      claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.Name,
		JTI:         claims.ID,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

func (s *Service) GetProfile(ctx context.Context, userID string) (Profile, error) {
	stored, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return Profile{}, storeError(err)
	}
	s.metrics.ObserveRead(metrics.SourceStore)
	return s.profileView(stored), nil
}

// EnsureProfile creates the caller's profile on first sign-in. created is
// false when the row already existed.
func (s *Service) EnsureProfile(ctx context.Context, session Session) (Profile, bool, error) {
	email := strings.TrimSpace(session.Email)
	displayName := strings.TrimSpace(session.DisplayName)
	if displayName == "" {
		displayName, _, _ = strings.Cut(email, "@")
	}
	stored, created, err := s.store.EnsureProfile(ctx, store.Profile{
		ID:          session.UserID,
		Email:       email,
		DisplayName: displayName,
	})
	if err != nil {
		return Profile{}, false, storeError(err)
	}
	if created {
		s.logger.Info("profile created", logging.UserID(session.UserID))
	}
	return s.profileView(stored), created, nil
}

// GetPreferences returns the stored document overlaid on the defaults. It
// never writes: a malformed stored value reads as an empty document.
func (s *Service) GetPreferences(ctx context.Context, userID string) (preferences.Document, error) {
	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, userID)
		if err != nil {
			s.cacheFailed("read", userID, err)
		} else if ok {
			s.metrics.ObserveRead(metrics.SourceCache)
			return preferences.Resolve(cached), nil
		}
	}

	// Concurrent misses for one user share a read, detached from every
	// caller's cancellation. Each caller still returns when its own ctx ends.
	results := s.reads.DoChan(userID, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedReadTimeout)
		defer cancel()
		return s.loadStored(loadCtx, userID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-results:
		if result.Err != nil {
			return nil, result.Err
		}
		return preferences.Resolve(result.Val.(preferences.Document)), nil
	}
}

func (s *Service) loadStored(ctx context.Context, userID string) (preferences.Document, error) {
	stored, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, storeError(err)
	}
	s.metrics.ObserveRead(metrics.SourceStore)
	doc := s.decodeStored(userID, stored.Preferences)
	s.remember(ctx, userID, doc, stored.PreferencesVersion)
	return doc, nil
}

// UpdatePreferences validates patch and merges it into the stored document
// under the row lock. The returned document is the merged stored document,
// without defaults for keys never written.
func (s *Service) UpdatePreferences(ctx context.Context, userID string, patch preferences.Document) (preferences.Document, error) {
	validated, err := preferences.ValidatePatch(patch)
	if err != nil {
		s.metrics.ObserveUpdate(metrics.ResultInvalid)
		return nil, err
	}

	var merged preferences.Document
	write, err := s.store.UpdatePreferences(ctx, userID, func(current []byte) ([]byte, error) {
		merged = preferences.Merge(s.decodeStored(userID, current), validated)
		return preferences.Encode(merged)
	})
	if err != nil {
		err = storeError(err)
		if errors.Is(err, ErrNotFound) {
			s.metrics.ObserveUpdate(metrics.ResultNotFound)
		} else {
			s.metrics.ObserveUpdate(metrics.ResultError)
			s.logger.Error("update preferences failed", logging.UserID(userID), zap.Error(err))
		}
		return nil, err
	}

	s.remember(ctx, userID, merged, write.Version)
	s.metrics.ObserveUpdate(metrics.ResultOK)
	s.logger.Debug("preferences updated",
		logging.UserID(userID),
		zap.Strings("keys", sortedKeys(validated)),
		zap.Int64("version", write.Version),
		zap.Time("updated_at", write.UpdatedAt),
	)
	return merged, nil
}

func (s *Service) DeleteProfile(ctx context.Context, userID string) error {
	if err := s.store.DeleteProfile(ctx, userID); err != nil {
		return storeError(err)
	}
	s.forget(ctx, userID)
	s.logger.Info("profile deleted", logging.UserID(userID))
	return nil
}

// RepairPreferences rewrites every stored value that is not a plain JSON
// object (NULL, null, double-encoded strings, malformed text) as the object
// it decodes to. Rows are re-read under the lock, so concurrent saves are
// not lost.
func (s *Service) RepairPreferences(ctx context.Context) (RepairReport, error) {
	rows, err := s.store.ListRawPreferences(ctx)
	if err != nil {
		return RepairReport{}, storeError(err)
	}

	report := RepairReport{Scanned: len(rows)}
	for _, row := range rows {
		if _, clean := preferences.Decode(row.Preferences); clean {
			continue
		}
		var repaired preferences.Document
		write, err := s.store.UpdatePreferences(ctx, row.UserID, func(current []byte) ([]byte, error) {
			repaired, _ = preferences.Decode(current)
			return preferences.Encode(repaired)
		})
		if err != nil {
			err = storeError(err)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return report, fmt.Errorf("repair preferences for %s: %w", row.UserID, err)
		}
		s.remember(ctx, row.UserID, repaired, write.Version)
		report.Repaired++
		report.UserIDs = append(report.UserIDs, row.UserID)
		s.logger.Info("preferences repaired", logging.UserID(row.UserID))
	}
	return report, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingCache reports the cache status; ok is false when no cache is wired.
func (s *Service) PingCache(ctx context.Context) (ok bool, err error) {
	if s.cache == nil {
		return false, nil
	}
	return true, s.cache.Ping(ctx)
}

func (s *Service) profileView(stored store.Profile) Profile {
	return Profile{
		ID:          stored.ID,
		Email:       stored.Email,
		DisplayName: stored.DisplayName,
		Preferences: preferences.Resolve(s.decodeStored(stored.ID, stored.Preferences)),
		CreatedAt:   stored.CreatedAt,
		UpdatedAt:   stored.UpdatedAt,
	}
}

func (s *Service) decodeStored(userID string, raw []byte) preferences.Document {
	doc, clean := preferences.Decode(raw)
	if !clean {
		s.metrics.ObserveHealed()
		s.logger.Warn("stored preferences were not a JSON object",
			logging.UserID(userID),
			zap.Int("bytes", len(raw)),
		)
	}
	return doc
}

// remember caches doc as read or written at version. The write outlives the
// request context: a committed update must reach the cache even when its
// client has gone. If it cannot, the entry is dropped so no older version
// keeps being served.
func (s *Service) remember(ctx context.Context, userID string, doc preferences.Document, version int64) {
	if s.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheWriteTimeout)
	defer cancel()
	if _, err := s.cache.Set(ctx, userID, doc, version); err != nil {
		s.cacheFailed("write", userID, err)
		if err := s.cache.Invalidate(ctx, userID); err != nil {
			s.cacheFailed("invalidate", userID, err)
		}
	}
}

func (s *Service) forget(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheWriteTimeout)
	defer cancel()
	if err := s.cache.MarkDeleted(ctx, userID); err != nil {
		s.cacheFailed("delete", userID, err)
	}
}

func (s *Service) cacheFailed(op, userID string, err error) {
	s.metrics.ObserveCacheError()
	s.logger.Warn("preference cache "+op+" failed", logging.UserID(userID), zap.Error(err))
}

func sortedKeys(doc preferences.Document) []string {
	keys := make([]string, 0, len(doc))
	for key := range doc {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
