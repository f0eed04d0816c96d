package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/pkg/contracts/domain"
)

func TestMemory_LicenseRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.GetLicense(ctx, "LIC-X")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.SaveLicense(ctx, &domain.License{Key: "LIC-X", DeviceName: "a"}))

	lic, err := m.GetLicense(ctx, "LIC-X")
	require.NoError(t, err)
	assert.Equal(t, "a", lic.DeviceName)

	// Returned records are copies; mutating one must not leak into the store.
	lic.DeviceName = "mutated"
	again, err := m.GetLicense(ctx, "LIC-X")
	require.NoError(t, err)
	assert.Equal(t, "a", again.DeviceName)
}

func TestMemory_BindHwidCAS(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	_, err := m.BindHwid(ctx, "LIC-MISSING", DeviceBinding{Hwid: "hwid-000000000000", At: now})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.SaveLicense(ctx, &domain.License{Key: "LIC-X"}))

	bound, err := m.BindHwid(ctx, "LIC-X", DeviceBinding{Hwid: "hwid-000000000000", DeviceName: "first", At: now})
	require.NoError(t, err)
	assert.Equal(t, "hwid-000000000000", bound.Hwid)
	require.NotNil(t, bound.ActivatedAt)
	require.NotEmpty(t, bound.History)
	assert.Equal(t, domain.ActionDeviceRegistered, bound.History[0].Action)

	// Second claim loses, whatever hwid it brings.
	_, err = m.BindHwid(ctx, "LIC-X", DeviceBinding{Hwid: "hwid-111111111111", At: now})
	assert.ErrorIs(t, err, ErrPreconditionFailed)
	_, err = m.BindHwid(ctx, "LIC-X", DeviceBinding{Hwid: "hwid-000000000000", At: now})
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestMemory_HwidIndexOwnership(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, m.SetHwidIndex(ctx, "hwid-000000000000", "LIC-A", now))

	// Removal naming the wrong license is a no-op.
	require.NoError(t, m.DeleteHwidIndex(ctx, "hwid-000000000000", "LIC-B"))
	entry, err := m.GetHwidIndex(ctx, "hwid-000000000000")
	require.NoError(t, err)
	assert.Equal(t, "LIC-A", entry.License)

	require.NoError(t, m.DeleteHwidIndex(ctx, "hwid-000000000000", "LIC-A"))
	_, err = m.GetHwidIndex(ctx, "hwid-000000000000")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing entry is not an error.
	require.NoError(t, m.DeleteHwidIndex(ctx, "hwid-000000000000", "LIC-A"))
}

func TestMemory_SettingsDefaults(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	settings, err := m.GetSettings(ctx)
	require.NoError(t, err)
	assert.True(t, settings.APIEnabled)
	assert.Equal(t, 1, settings.MaxDevices)
}

func TestMemory_Banlist(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.AddToBanlist(ctx, "hwid-000000000000", "abuse"))
	require.NoError(t, m.AddToBanlist(ctx, "hwid-000000000000", "abuse again"))
	require.NoError(t, m.AddToBanlist(ctx, "hwid-111111111111", "other"))

	banlist, err := m.GetBanlist(ctx)
	require.NoError(t, err)
	assert.Len(t, banlist, 2, "adding twice must not duplicate")

	require.NoError(t, m.RemoveFromBanlist(ctx, "hwid-000000000000"))
	banlist, err = m.GetBanlist(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"hwid-111111111111"}, banlist)
}

func TestMemory_ResetRequestQuery(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mk := func(id, license string, status domain.ResetStatus, at time.Time) {
		require.NoError(t, m.CreateResetRequest(ctx, &domain.ResetRequest{
			ID: id, License: license, Status: status, RequestedAt: at,
		}))
	}
	mk("r1", "LIC-A", domain.ResetStatusPending, base)
	mk("r2", "LIC-A", domain.ResetStatusDenied, base.Add(time.Hour))
	mk("r3", "LIC-B", domain.ResetStatusPending, base.Add(2*time.Hour))

	got, err := m.QueryResetRequests(ctx, ResetQuery{License: "LIC-A"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r2", got[0].ID, "newest first")

	got, err = m.QueryResetRequests(ctx, ResetQuery{Statuses: []domain.ResetStatus{domain.ResetStatusPending}})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = m.QueryResetRequests(ctx, ResetQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r3", got[0].ID)
}

func TestMemory_SetResetStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, m.CreateResetRequest(ctx, &domain.ResetRequest{
		ID: "r1", License: "LIC-A", Status: domain.ResetStatusPending, RequestedAt: now,
	}))

	assert.ErrorIs(t, m.SetResetStatus(ctx, "missing", domain.ResetStatusDenied, "admin", "", now), ErrNotFound)

	require.NoError(t, m.SetResetStatus(ctx, "r1", domain.ResetStatusApproved, "admin", "ok", now))
	req, err := m.GetResetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.ResetStatusApproved, req.Status)
	assert.Equal(t, "admin", req.ProcessedBy)
	assert.Equal(t, "ok", req.AdminNote)
	require.NotNil(t, req.ProcessedAt)
}
