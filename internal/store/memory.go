package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"keygate/pkg/contracts/domain"
)

// Memory is an in-process Store used by tests and the local development
// backend. All state is lost on restart.
type Memory struct {
	mu            sync.RWMutex
	licenses      map[string]*domain.License
	hwidIndex     map[string]*domain.HwidIndexEntry
	settings      *domain.Settings
	banlist       []string
	activity      []domain.ActivityEntry
	resetRequests map[string]*domain.ResetRequest
	resetOrder    []string

	// FailWrites makes mutating calls fail, for exercising error paths.
	FailWrites error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		licenses:      make(map[string]*domain.License),
		hwidIndex:     make(map[string]*domain.HwidIndexEntry),
		resetRequests: make(map[string]*domain.ResetRequest),
	}
}

func (m *Memory) GetLicense(ctx context.Context, key string) (*domain.License, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lic, ok := m.licenses[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneLicense(lic)
	return cp, nil
}

func (m *Memory) SaveLicense(ctx context.Context, lic *domain.License) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.licenses[lic.Key] = cloneLicense(lic)
	return nil
}

func (m *Memory) DeleteLicense(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	delete(m.licenses, key)
	return nil
}

func (m *Memory) ListLicenses(ctx context.Context) ([]*domain.License, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.License, 0, len(m.licenses))
	for _, lic := range m.licenses {
		out = append(out, cloneLicense(lic))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) BindHwid(ctx context.Context, key string, bind DeviceBinding) (*domain.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return nil, m.FailWrites
	}
	lic, ok := m.licenses[key]
	if !ok {
		return nil, ErrNotFound
	}
	if lic.Hwid != "" {
		return nil, ErrPreconditionFailed
	}
	at := bind.At
	lic.Hwid = bind.Hwid
	lic.DeviceName = bind.DeviceName
	lic.DeviceInfo = bind.DeviceInfo
	lic.RegistrationIP = bind.IP
	lic.ActivatedAt = &at
	lic.LastValidated = &at
	lic.History = append(lic.History, domain.HistoryEntry{
		Action:  domain.ActionDeviceRegistered,
		Date:    at,
		Details: "Device: " + bind.DeviceName,
	})
	return cloneLicense(lic), nil
}

func (m *Memory) GetHwidIndex(ctx context.Context, hwid string) (*domain.HwidIndexEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.hwidIndex[hwid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

func (m *Memory) SetHwidIndex(ctx context.Context, hwid, license string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	if existing, ok := m.hwidIndex[hwid]; ok {
		existing.License = license
		existing.LastUpdated = now
		return nil
	}
	m.hwidIndex[hwid] = &domain.HwidIndexEntry{
		License:      license,
		RegisteredAt: now,
		LastUpdated:  now,
	}
	return nil
}

func (m *Memory) DeleteHwidIndex(ctx context.Context, hwid, license string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	entry, ok := m.hwidIndex[hwid]
	if !ok {
		return nil
	}
	if entry.License != license {
		// Reassigned since the removal was requested; leave it alone.
		return nil
	}
	delete(m.hwidIndex, hwid)
	return nil
}

func (m *Memory) GetSettings(ctx context.Context) (*domain.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings == nil {
		m.settings = domain.DefaultSettings()
	}
	cp := *m.settings
	return &cp, nil
}

func (m *Memory) SaveSettings(ctx context.Context, s *domain.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	cp := *s
	m.settings = &cp
	return nil
}

func (m *Memory) GetBanlist(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.banlist...), nil
}

func (m *Memory) AddToBanlist(ctx context.Context, hwid, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	for _, h := range m.banlist {
		if h == hwid {
			return nil
		}
	}
	m.banlist = append(m.banlist, hwid)
	return nil
}

func (m *Memory) RemoveFromBanlist(ctx context.Context, hwid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	out := m.banlist[:0]
	for _, h := range m.banlist {
		if h != hwid {
			out = append(out, h)
		}
	}
	m.banlist = out
	return nil
}

func (m *Memory) AppendActivityBatch(ctx context.Context, entries []domain.ActivityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.activity = append(m.activity, entries...)
	return nil
}

func (m *Memory) RecentActivity(ctx context.Context, limit int) ([]domain.ActivityEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]domain.ActivityEntry(nil), m.activity...)
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateResetRequest(ctx context.Context, req *domain.ResetRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	cp := *req
	m.resetRequests[req.ID] = &cp
	m.resetOrder = append(m.resetOrder, req.ID)
	return nil
}

func (m *Memory) GetResetRequest(ctx context.Context, id string) (*domain.ResetRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.resetRequests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (m *Memory) SetResetStatus(ctx context.Context, id string, status domain.ResetStatus, processedBy, adminNote string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	req, ok := m.resetRequests[id]
	if !ok {
		return ErrNotFound
	}
	req.Status = status
	req.ProcessedAt = &at
	req.ProcessedBy = processedBy
	req.AdminNote = adminNote
	return nil
}

func (m *Memory) QueryResetRequests(ctx context.Context, q ResetQuery) ([]*domain.ResetRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.ResetRequest
	for _, req := range m.resetRequests {
		if q.License != "" && req.License != q.License {
			continue
		}
		if len(q.Statuses) > 0 && !statusIn(req.Status, q.Statuses) {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func statusIn(s domain.ResetStatus, list []domain.ResetStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cloneLicense(lic *domain.License) *domain.License {
	cp := *lic
	cp.History = append([]domain.HistoryEntry(nil), lic.History...)
	cp.Notes = append([]domain.Note(nil), lic.Notes...)
	cp.ActivatedAt = cloneTime(lic.ActivatedAt)
	cp.LastValidated = cloneTime(lic.LastValidated)
	cp.Expiry = cloneTime(lic.Expiry)
	cp.BannedAt = cloneTime(lic.BannedAt)
	cp.BanUntil = cloneTime(lic.BanUntil)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
