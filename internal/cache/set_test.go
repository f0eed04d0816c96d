package cache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/config"
	"keygate/internal/store"
	"keygate/pkg/contracts/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSet(t *testing.T) (*Set, *store.Memory, *time.Time) {
	t.Helper()
	st := store.NewMemory()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSet(st, testLogger(), WithClock(func() time.Time { return now }))
	return s, st, &now
}

func TestSet_LicenseReadThrough(t *testing.T) {
	s, st, now := newTestSet(t)
	ctx := context.Background()

	require.NoError(t, st.SaveLicense(ctx, &domain.License{Key: "LIC-AAAA", CreatedAt: *now}))

	lic, err := s.License(ctx, "LIC-AAAA")
	require.NoError(t, err)
	assert.Equal(t, "LIC-AAAA", lic.Key)

	// A direct store write is invisible until TTL or invalidation.
	require.NoError(t, st.SaveLicense(ctx, &domain.License{Key: "LIC-AAAA", DeviceName: "changed"}))

	lic, err = s.License(ctx, "LIC-AAAA")
	require.NoError(t, err)
	assert.Empty(t, lic.DeviceName, "cached record should be served")

	*now = now.Add(config.LicenseCacheTTL + time.Second)
	lic, err = s.License(ctx, "LIC-AAAA")
	require.NoError(t, err)
	assert.Equal(t, "changed", lic.DeviceName, "expired entry should reload from store")
}

func TestSet_Invalidate(t *testing.T) {
	s, st, _ := newTestSet(t)
	ctx := context.Background()

	require.NoError(t, st.SaveLicense(ctx, &domain.License{Key: "LIC-AAAA"}))
	_, err := s.License(ctx, "LIC-AAAA")
	require.NoError(t, err)

	require.NoError(t, st.SaveLicense(ctx, &domain.License{Key: "LIC-AAAA", DeviceName: "fresh"}))
	s.Invalidate("LIC-AAAA")

	lic, err := s.License(ctx, "LIC-AAAA")
	require.NoError(t, err)
	assert.Equal(t, "fresh", lic.DeviceName)
}

func TestSet_NoNegativeCaching(t *testing.T) {
	s, st, _ := newTestSet(t)
	ctx := context.Background()

	_, err := s.License(ctx, "LIC-NEW")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	// Created moments later: visible immediately, no negative entry.
	require.NoError(t, st.SaveLicense(ctx, &domain.License{Key: "LIC-NEW"}))
	lic, err := s.License(ctx, "LIC-NEW")
	require.NoError(t, err)
	assert.Equal(t, "LIC-NEW", lic.Key)
}

func TestSet_SkipWindow(t *testing.T) {
	s, _, now := newTestSet(t)

	assert.False(t, s.WasRecentlyValidated("LIC-AAAA", "hwid-1"))

	s.MarkValidated("LIC-AAAA", "hwid-1")
	assert.True(t, s.WasRecentlyValidated("LIC-AAAA", "hwid-1"))
	assert.False(t, s.WasRecentlyValidated("LIC-AAAA", "hwid-2"), "window is per pair")
	assert.False(t, s.WasRecentlyValidated("LIC-BBBB", "hwid-1"))

	*now = now.Add(config.ValidationSkipTTL + time.Second)
	assert.False(t, s.WasRecentlyValidated("LIC-AAAA", "hwid-1"), "window must close after TTL")
}

func TestSet_ClearSkip(t *testing.T) {
	s, _, _ := newTestSet(t)

	s.MarkValidated("LIC-AAAA", "hwid-1")
	s.MarkValidated("LIC-AAAA", "hwid-2")
	s.MarkValidated("LIC-BBBB", "hwid-1")

	s.ClearSkip("LIC-AAAA")
	assert.False(t, s.WasRecentlyValidated("LIC-AAAA", "hwid-1"))
	assert.False(t, s.WasRecentlyValidated("LIC-AAAA", "hwid-2"))
	assert.True(t, s.WasRecentlyValidated("LIC-BBBB", "hwid-1"))
}

func TestSet_SettingsSlot(t *testing.T) {
	s, st, now := newTestSet(t)
	ctx := context.Background()

	settings, err := s.Settings(ctx)
	require.NoError(t, err)
	assert.True(t, settings.APIEnabled, "defaults on first read")

	require.NoError(t, st.SaveSettings(ctx, &domain.Settings{APIEnabled: false}))

	settings, err = s.Settings(ctx)
	require.NoError(t, err)
	assert.True(t, settings.APIEnabled, "slot should serve cached value inside TTL")

	*now = now.Add(config.SettingsCacheTTL + time.Second)
	settings, err = s.Settings(ctx)
	require.NoError(t, err)
	assert.False(t, settings.APIEnabled)
}

func TestSet_BanlistSlot(t *testing.T) {
	s, st, _ := newTestSet(t)
	ctx := context.Background()

	banlist, err := s.Banlist(ctx)
	require.NoError(t, err)
	assert.Empty(t, banlist)

	require.NoError(t, st.AddToBanlist(ctx, "hwid-banned-000000", "abuse"))

	banlist, err = s.Banlist(ctx)
	require.NoError(t, err)
	assert.Empty(t, banlist, "slot should serve cached value inside TTL")

	s.ClearAll()
	banlist, err = s.Banlist(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"hwid-banned-000000"}, banlist)
}

func TestSet_ClearAll(t *testing.T) {
	s, st, _ := newTestSet(t)
	ctx := context.Background()

	require.NoError(t, st.SaveLicense(ctx, &domain.License{Key: "LIC-AAAA"}))
	_, err := s.License(ctx, "LIC-AAAA")
	require.NoError(t, err)
	s.MarkValidated("LIC-AAAA", "hwid-1")

	s.ClearAll()
	stats := s.Stats()
	assert.Equal(t, 0, stats["licenses"])
	assert.Equal(t, 0, stats["validations"])
	assert.False(t, s.WasRecentlyValidated("LIC-AAAA", "hwid-1"))
}
