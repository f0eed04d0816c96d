package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"keygate/internal/config"
	"keygate/internal/infrastructure"
	"keygate/internal/store"
	"keygate/pkg/contracts/domain"
)

// Set is the cache context shared by the license engine: the license
// read-through cache, the validation skip cache, and the single-slot
// settings and banlist caches. It is an explicit, constructible object so
// tests can run isolated instances side by side.
type Set struct {
	store   store.Store
	logger  *slog.Logger
	metrics *infrastructure.EngineMetrics

	licenses    *TTLCache[*domain.License]
	validations *TTLCache[time.Time]

	slotMu         sync.Mutex
	settings       *domain.Settings
	settingsExpiry time.Time
	banlist        []string
	banlistExpiry  time.Time

	group singleflight.Group
	now   func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// Option configures a Set.
type Option func(*Set)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Set) { s.now = now }
}

// WithMetrics attaches engine metrics instruments.
func WithMetrics(m *infrastructure.EngineMetrics) Option {
	return func(s *Set) { s.metrics = m }
}

// NewSet creates the cache layer over the given store.
func NewSet(st store.Store, logger *slog.Logger, opts ...Option) *Set {
	s := &Set{
		store:       st,
		logger:      logger.With(slog.String("component", "cache")),
		licenses:    NewTTL[*domain.License](),
		validations: NewTTL[time.Time](),
		now:         time.Now,
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// License returns the cached record for key, loading it through the store on
// a miss. Negative results are not cached: a lookup of a nonexistent key
// always reaches the store, so a license created moments later is visible
// immediately. Concurrent misses for the same key are collapsed into one
// store read.
func (s *Set) License(ctx context.Context, key string) (*domain.License, error) {
	now := s.now()
	if lic, ok := s.licenses.Get(key, now); ok {
		if s.metrics != nil {
			s.metrics.CacheHits.Add(ctx, 1)
		}
		return lic, nil
	}
	if s.metrics != nil {
		s.metrics.CacheMisses.Add(ctx, 1)
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		lic, err := s.store.GetLicense(ctx, key)
		if err != nil {
			return nil, err
		}
		s.licenses.Set(key, lic, s.now().Add(config.LicenseCacheTTL))
		return lic, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.License), nil
}

// Invalidate drops the cached record for key. Every mutating operation calls
// this before it returns so the next read observes the write.
func (s *Set) Invalidate(key string) {
	s.licenses.Delete(key)
}

// MarkValidated records that the (license, hwid) pair was just confirmed
// valid, opening the skip window.
func (s *Set) MarkValidated(license, hwid string) {
	now := s.now()
	s.validations.Set(skipKey(license, hwid), now, now.Add(config.ValidationSkipTTL))
}

// WasRecentlyValidated reports whether the pair is inside its skip window.
// Any cache trouble reads as "not recently validated" so a ban or expiry is
// never masked by a broken memo.
func (s *Set) WasRecentlyValidated(license, hwid string) bool {
	_, ok := s.validations.Get(skipKey(license, hwid), s.now())
	if ok && s.metrics != nil {
		s.metrics.SkipCacheHits.Add(context.Background(), 1)
	}
	return ok
}

// ClearSkip closes every skip window for a license, regardless of hwid.
// Called after bans and hwid resets so a stale memo cannot outlive the
// revocation.
func (s *Set) ClearSkip(license string) {
	s.validations.DeletePrefix(license + ":")
}

func skipKey(license, hwid string) string {
	return license + ":" + hwid
}

// Settings returns the cached settings document, lazily populated.
func (s *Set) Settings(ctx context.Context) (*domain.Settings, error) {
	now := s.now()
	s.slotMu.Lock()
	if s.settings != nil && now.Before(s.settingsExpiry) {
		settings := s.settings
		s.slotMu.Unlock()
		return settings, nil
	}
	s.slotMu.Unlock()

	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	s.slotMu.Lock()
	s.settings = settings
	s.settingsExpiry = s.now().Add(config.SettingsCacheTTL)
	s.slotMu.Unlock()
	return settings, nil
}

// Banlist returns the cached global hwid banlist, lazily populated.
func (s *Set) Banlist(ctx context.Context) ([]string, error) {
	now := s.now()
	s.slotMu.Lock()
	if s.banlist != nil && now.Before(s.banlistExpiry) {
		banlist := s.banlist
		s.slotMu.Unlock()
		return banlist, nil
	}
	s.slotMu.Unlock()

	banlist, err := s.store.GetBanlist(ctx)
	if err != nil {
		return nil, err
	}
	if banlist == nil {
		banlist = []string{}
	}
	s.slotMu.Lock()
	s.banlist = banlist
	s.banlistExpiry = s.now().Add(config.BanlistCacheTTL)
	s.slotMu.Unlock()
	return banlist, nil
}

// ClearAll drops every cache. Settings saves and banlist mutations call this
// wholesale rather than invalidating per slot.
func (s *Set) ClearAll() {
	s.licenses.Clear()
	s.validations.Clear()
	s.slotMu.Lock()
	s.settings = nil
	s.settingsExpiry = time.Time{}
	s.banlist = nil
	s.banlistExpiry = time.Time{}
	s.slotMu.Unlock()
	s.logger.Info("all caches cleared")
}

// Stats reports entry counts for health output.
func (s *Set) Stats() map[string]int {
	return map[string]int{
		"licenses":    s.licenses.Len(),
		"validations": s.validations.Len(),
	}
}

// StartJanitor runs the periodic sweep until Stop is called. The sweep is
// purely memory hygiene: an expired-but-unswept entry is already excluded by
// the expiry check at read time.
func (s *Set) StartJanitor(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				now := s.now()
				licenses := s.licenses.Sweep(now)
				validations := s.validations.Sweep(now)
				s.logger.Debug("janitor sweep complete",
					slog.Int("licenses_evicted", licenses),
					slog.Int("validations_evicted", validations),
					slog.Int("licenses_cached", s.licenses.Len()),
					slog.Int("validations_cached", s.validations.Len()),
				)
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop terminates the janitor goroutine.
func (s *Set) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// IsNotFound reports whether a load error means the license does not exist,
// as opposed to a store failure.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
