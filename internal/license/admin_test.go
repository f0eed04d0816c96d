package license

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/config"
	"keygate/internal/store"
	"keygate/pkg/contracts/domain"
)

func TestGenerate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lic, apiErr := f.engine.Generate(ctx, GenerateParams{DurationDays: 30, CreatedBy: "admin"})
	require.Nil(t, apiErr)
	assert.True(t, strings.HasPrefix(lic.Key, config.LicenseKeyPrefix+"-"))
	require.NotNil(t, lic.Expiry)
	assert.Equal(t, f.now.AddDate(0, 0, 30), *lic.Expiry)
	assert.Equal(t, domain.LicenseTypeStandard, lic.Type)

	stored, err := f.store.GetLicense(ctx, lic.Key)
	require.NoError(t, err)
	assert.Equal(t, "admin", stored.CreatedBy)
}

func TestGenerate_ExplicitKeyConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addLicense(t, &domain.License{Key: "LIC-TAKEN"})

	_, apiErr := f.engine.Generate(ctx, GenerateParams{Key: "LIC-TAKEN"})
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	lic, apiErr := f.engine.Generate(ctx, GenerateParams{Key: "LIC-FRESH"})
	require.Nil(t, apiErr)
	assert.Equal(t, "LIC-FRESH", lic.Key)
	assert.Nil(t, lic.Expiry, "no duration means no expiry")
}

func TestBulkGenerate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	licenses, batchID, apiErr := f.engine.BulkGenerate(ctx, 5, 7, "admin")
	require.Nil(t, apiErr)
	require.Len(t, licenses, 5)
	require.NotEmpty(t, batchID)

	keys := make(map[string]bool)
	for _, lic := range licenses {
		assert.Equal(t, batchID, lic.BatchID)
		assert.Equal(t, domain.LicenseTypeBulk, lic.Type)
		require.NotNil(t, lic.Expiry)
		keys[lic.Key] = true
	}
	assert.Len(t, keys, 5, "keys must be unique")
}

func TestBulkGenerate_CountBounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, count := range []int{0, -1, config.MaxBulkGenerate + 1} {
		_, _, apiErr := f.engine.BulkGenerate(ctx, count, 0, "admin")
		require.NotNil(t, apiErr, "count %d must be rejected", count)
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addLicense(t, &domain.License{Key: "LIC-X"})
	f.bind(t, "LIC-X", hwidA)

	require.Nil(t, f.engine.Delete(ctx, "LIC-X", "admin"))

	_, err := f.store.GetLicense(ctx, "LIC-X")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.store.GetHwidIndex(ctx, hwidA)
	assert.ErrorIs(t, err, store.ErrNotFound, "index entry must go with the license")

	apiErr := f.engine.Delete(ctx, "LIC-X", "admin")
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestResetHwid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addLicense(t, &domain.License{Key: "LIC-X"})
	f.bind(t, "LIC-X", hwidA)

	require.Nil(t, f.engine.ResetHwid(ctx, "LIC-X", "admin"))

	lic, err := f.store.GetLicense(ctx, "LIC-X")
	require.NoError(t, err)
	assert.Empty(t, lic.Hwid)
	require.NotEmpty(t, lic.History)
	last := lic.History[len(lic.History)-1]
	assert.Equal(t, domain.ActionHwidReset, last.Action)
	assert.Equal(t, "admin", last.Actor)

	apiErr := f.engine.ResetHwid(ctx, "LIC-X", "admin")
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode, "already unbound")
}

func TestBanAndUnban(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addLicense(t, &domain.License{Key: "LIC-X", Hwid: hwidA})

	require.Nil(t, f.engine.Ban(ctx, "LIC-X", "chargeback", "admin", 7))

	lic, err := f.store.GetLicense(ctx, "LIC-X")
	require.NoError(t, err)
	assert.True(t, lic.Banned)
	assert.Equal(t, "chargeback", lic.BanReason)
	require.NotNil(t, lic.BanUntil)
	assert.Equal(t, f.now.AddDate(0, 0, 7), *lic.BanUntil)

	res := f.engine.Validate(ctx, ValidateRequest{License: "LIC-X", Hwid: hwidA})
	assert.Equal(t, CodeLicenseBanned, res.Code, "ban visible immediately, not after cache TTL")

	require.Nil(t, f.engine.Unban(ctx, "LIC-X", "admin"))
	lic, err = f.store.GetLicense(ctx, "LIC-X")
	require.NoError(t, err)
	assert.False(t, lic.Banned)
	assert.Nil(t, lic.BanUntil)

	res = f.engine.Validate(ctx, ValidateRequest{License: "LIC-X", Hwid: hwidA})
	assert.Equal(t, CodeValid, res.Code)

	apiErr := f.engine.Unban(ctx, "LIC-X", "admin")
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestBan_PermanentByDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addLicense(t, &domain.License{Key: "LIC-X"})

	require.Nil(t, f.engine.Ban(ctx, "LIC-X", "fraud", "admin", 0))
	lic, err := f.store.GetLicense(ctx, "LIC-X")
	require.NoError(t, err)
	assert.True(t, lic.Banned)
	assert.Nil(t, lic.BanUntil)
}

func TestAddNote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addLicense(t, &domain.License{Key: "LIC-X"})

	require.Nil(t, f.engine.AddNote(ctx, "LIC-X", "customer called", "admin"))

	lic, err := f.store.GetLicense(ctx, "LIC-X")
	require.NoError(t, err)
	require.Len(t, lic.Notes, 1)
	assert.Equal(t, "customer called", lic.Notes[0].Note)
	assert.Equal(t, "admin", lic.Notes[0].AddedBy)
}

func TestUpdateSettings_TakesEffectImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addLicense(t, &domain.License{Key: "LIC-X", Hwid: hwidA})

	// Warm the settings slot.
	res := f.engine.Validate(ctx, ValidateRequest{License: "LIC-X", Hwid: hwidA})
	require.Equal(t, CodeValid, res.Code)

	settings, apiErr := f.engine.UpdateSettings(ctx, false, "admin")
	require.Nil(t, apiErr)
	assert.False(t, settings.APIEnabled)

	res = f.engine.Validate(ctx, ValidateRequest{License: "LIC-X", Hwid: hwidA})
	assert.Equal(t, CodeAPIDisabled, res.Code,
		"settings write must clear caches, including the skip window")
}

func TestBanHwid_TakesEffectImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addLicense(t, &domain.License{Key: "LIC-X", Hwid: hwidA})

	res := f.engine.Validate(ctx, ValidateRequest{License: "LIC-X", Hwid: hwidA})
	require.Equal(t, CodeValid, res.Code)

	require.Nil(t, f.engine.BanHwid(ctx, hwidA, "abuse", "admin"))

	res = f.engine.Validate(ctx, ValidateRequest{License: "LIC-X", Hwid: hwidA})
	assert.Equal(t, CodeBanned, res.Code)

	require.Nil(t, f.engine.UnbanHwid(ctx, hwidA, "admin"))
	res = f.engine.Validate(ctx, ValidateRequest{License: "LIC-X", Hwid: hwidA})
	assert.Equal(t, CodeValid, res.Code)
}

func TestBanHwid_InvalidFormat(t *testing.T) {
	f := newFixture(t)
	apiErr := f.engine.BanHwid(context.Background(), "short", "x", "admin")
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestRecentActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addLicense(t, &domain.License{Key: "LIC-X", Hwid: hwidA})

	res := f.engine.Validate(ctx, ValidateRequest{License: "LIC-X", Hwid: hwidA, Meta: RequestMeta{IP: "1.2.3.4"}})
	require.Equal(t, CodeValid, res.Code)

	// Entries are buffered until a flush.
	entries, apiErr := f.engine.RecentActivity(ctx, 10)
	require.Nil(t, apiErr)
	assert.Empty(t, entries)
	assert.Positive(t, f.engine.CacheStats()["activity_pending"])
}

func TestListLicenses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addLicense(t, &domain.License{Key: "LIC-A"})
	f.addLicense(t, &domain.License{Key: "LIC-B"})

	licenses, apiErr := f.engine.ListLicenses(ctx)
	require.Nil(t, apiErr)
	assert.Len(t, licenses, 2)
}

func TestGenerateKeyFormat(t *testing.T) {
	key, err := GenerateKey("")
	require.NoError(t, err)
	parts := strings.Split(key, "-")
	require.Len(t, parts, 4)
	assert.Equal(t, config.LicenseKeyPrefix, parts[0])
	for _, seg := range parts[1:] {
		assert.Len(t, seg, 8)
		assert.Equal(t, strings.ToUpper(seg), seg)
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"clean", "Dell XPS 15", "Dell XPS 15"},
		{"markup stripped", `<script>alert("hi")</script>`, "scriptalert(hi)/script"},
		{"quotes stripped", `it's "quoted"`, "its quoted"},
		{"truncated", strings.Repeat("a", 300), strings.Repeat("a", config.MaxSanitizedLength)},
		// The byte limit lands mid-rune; the cut backs off to the boundary.
		{"truncated at rune boundary", "a" + strings.Repeat("é", 150), "a" + strings.Repeat("é", 99)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.input))
		})
	}
}

func TestValidHwid(t *testing.T) {
	assert.False(t, ValidHwid("short"))
	assert.True(t, ValidHwid("exactly-10"))
	assert.True(t, ValidHwid(strings.Repeat("x", config.HwidMaxLength)))
	assert.False(t, ValidHwid(strings.Repeat("x", config.HwidMaxLength+1)))
}

func TestDaysRemaining(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	lic := &domain.License{}
	assert.Nil(t, lic.DaysRemaining(now))

	expiry := now.Add(36 * time.Hour)
	lic.Expiry = &expiry
	days := lic.DaysRemaining(now)
	require.NotNil(t, days)
	assert.Equal(t, 2, *days, "partial days round up")
}
