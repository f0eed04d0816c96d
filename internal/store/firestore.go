package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"keygate/pkg/contracts/domain"
)

// Collection names in the backing Firestore project.
const (
	colLicenses      = "licenses"
	colHwidIndex     = "hwid_index"
	colSystem        = "system"
	colActivityLog   = "activity_log"
	colResetRequests = "reset_requests"

	docSettings = "settings"
	docBanlist  = "banlist"
)

// Firestore implements Store against a Firestore project. Licenses are keyed
// by license string, the hwid index by hardware id; settings and banlist are
// singleton documents under the system collection.
type Firestore struct {
	client *firestore.Client
	logger *slog.Logger
}

// NewFirestore connects to the given project. credentialsFile may be empty,
// in which case application default credentials are used.
func NewFirestore(ctx context.Context, projectID, credentialsFile string, logger *slog.Logger) (*Firestore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return &Firestore{
		client: client,
		logger: logger.With(slog.String("component", "firestore_store")),
	}, nil
}

// Close releases the underlying client.
func (f *Firestore) Close() error {
	return f.client.Close()
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func (f *Firestore) GetLicense(ctx context.Context, key string) (*domain.License, error) {
	doc, err := f.client.Collection(colLicenses).Doc(key).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get license %s: %w", key, err)
	}
	var lic domain.License
	if err := doc.DataTo(&lic); err != nil {
		return nil, fmt.Errorf("decode license %s: %w", key, err)
	}
	lic.Key = doc.Ref.ID
	return &lic, nil
}

func (f *Firestore) SaveLicense(ctx context.Context, lic *domain.License) error {
	if _, err := f.client.Collection(colLicenses).Doc(lic.Key).Set(ctx, lic); err != nil {
		return fmt.Errorf("save license %s: %w", lic.Key, err)
	}
	return nil
}

func (f *Firestore) DeleteLicense(ctx context.Context, key string) error {
	if _, err := f.client.Collection(colLicenses).Doc(key).Delete(ctx); err != nil {
		return fmt.Errorf("delete license %s: %w", key, err)
	}
	return nil
}

func (f *Firestore) ListLicenses(ctx context.Context) ([]*domain.License, error) {
	docs, err := f.client.Collection(colLicenses).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	out := make([]*domain.License, 0, len(docs))
	for _, doc := range docs {
		var lic domain.License
		if err := doc.DataTo(&lic); err != nil {
			return nil, fmt.Errorf("decode license %s: %w", doc.Ref.ID, err)
		}
		lic.Key = doc.Ref.ID
		out = append(out, &lic)
	}
	return out, nil
}

// BindHwid claims an unregistered license inside a transaction so two devices
// racing for the same license cannot both pass the hwid-empty check.
func (f *Firestore) BindHwid(ctx context.Context, key string, bind DeviceBinding) (*domain.License, error) {
	ref := f.client.Collection(colLicenses).Doc(key)
	var bound domain.License

	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			if isNotFound(err) {
				return ErrNotFound
			}
			return err
		}
		var lic domain.License
		if err := doc.DataTo(&lic); err != nil {
			return err
		}
		if lic.Hwid != "" {
			return ErrPreconditionFailed
		}
		at := bind.At
		lic.Key = key
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
		bound = lic
		return tx.Set(ref, &lic)
	})
	if err != nil {
		if err == ErrNotFound || err == ErrPreconditionFailed {
			return nil, err
		}
		return nil, fmt.Errorf("bind hwid on %s: %w", key, err)
	}
	return &bound, nil
}

func (f *Firestore) GetHwidIndex(ctx context.Context, hwid string) (*domain.HwidIndexEntry, error) {
	doc, err := f.client.Collection(colHwidIndex).Doc(hwid).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get hwid index: %w", err)
	}
	var entry domain.HwidIndexEntry
	if err := doc.DataTo(&entry); err != nil {
		return nil, fmt.Errorf("decode hwid index: %w", err)
	}
	return &entry, nil
}

func (f *Firestore) SetHwidIndex(ctx context.Context, hwid, license string, now time.Time) error {
	ref := f.client.Collection(colHwidIndex).Doc(hwid)
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil && !isNotFound(err) {
			return err
		}
		entry := domain.HwidIndexEntry{License: license, RegisteredAt: now, LastUpdated: now}
		if err == nil {
			var existing domain.HwidIndexEntry
			if derr := doc.DataTo(&existing); derr == nil && !existing.RegisteredAt.IsZero() {
				entry.RegisteredAt = existing.RegisteredAt
			}
		}
		return tx.Set(ref, entry)
	})
	if err != nil {
		return fmt.Errorf("set hwid index: %w", err)
	}
	return nil
}

// DeleteHwidIndex removes the entry only while it still points at the given
// license. The ownership check runs in a transaction so a stale reset
// approval cannot unlink a device that re-registered elsewhere meanwhile.
func (f *Firestore) DeleteHwidIndex(ctx context.Context, hwid, license string) error {
	ref := f.client.Collection(colHwidIndex).Doc(hwid)
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		var entry domain.HwidIndexEntry
		if err := doc.DataTo(&entry); err != nil {
			return err
		}
		if entry.License != license {
			return nil
		}
		return tx.Delete(ref)
	})
	if err != nil {
		return fmt.Errorf("delete hwid index: %w", err)
	}
	return nil
}

func (f *Firestore) GetSettings(ctx context.Context) (*domain.Settings, error) {
	doc, err := f.client.Collection(colSystem).Doc(docSettings).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			defaults := domain.DefaultSettings()
			if _, serr := f.client.Collection(colSystem).Doc(docSettings).Set(ctx, defaults); serr != nil {
				return nil, fmt.Errorf("write default settings: %w", serr)
			}
			return defaults, nil
		}
		return nil, fmt.Errorf("get settings: %w", err)
	}
	var s domain.Settings
	if err := doc.DataTo(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return &s, nil
}

func (f *Firestore) SaveSettings(ctx context.Context, s *domain.Settings) error {
	if _, err := f.client.Collection(colSystem).Doc(docSettings).Set(ctx, s); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func (f *Firestore) GetBanlist(ctx context.Context) ([]string, error) {
	doc, err := f.client.Collection(colSystem).Doc(docBanlist).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get banlist: %w", err)
	}
	var banned struct {
		Banned []string `firestore:"banned"`
	}
	if err := doc.DataTo(&banned); err != nil {
		return nil, fmt.Errorf("decode banlist: %w", err)
	}
	return banned.Banned, nil
}

func (f *Firestore) AddToBanlist(ctx context.Context, hwid, reason string) error {
	ref := f.client.Collection(colSystem).Doc(docBanlist)
	if _, err := ref.Set(ctx, map[string]any{
		"banned": firestore.ArrayUnion(hwid),
	}, firestore.MergeAll); err != nil {
		return fmt.Errorf("add to banlist: %w", err)
	}
	// Ban metadata is audit-only; a failure here does not undo the ban.
	if _, _, err := f.client.Collection("ban_log").Add(ctx, map[string]any{
		"hwid":     hwid,
		"reason":   reason,
		"bannedAt": time.Now().UTC(),
	}); err != nil {
		f.logger.Warn("ban log write failed", slog.String("error", err.Error()))
	}
	return nil
}

func (f *Firestore) RemoveFromBanlist(ctx context.Context, hwid string) error {
	ref := f.client.Collection(colSystem).Doc(docBanlist)
	if _, err := ref.Set(ctx, map[string]any{
		"banned": firestore.ArrayRemove(hwid),
	}, firestore.MergeAll); err != nil {
		return fmt.Errorf("remove from banlist: %w", err)
	}
	return nil
}

// AppendActivityBatch submits the snapshot as one bulk write. Entries get
// auto-generated document ids. Commit errors surface through the per-write
// job results after End, not through Create, so every job is checked; the
// caller keeps the snapshot for retry on any failure.
func (f *Firestore) AppendActivityBatch(ctx context.Context, entries []domain.ActivityEntry) error {
	if len(entries) == 0 {
		return nil
	}
	bw := f.client.BulkWriter(ctx)
	col := f.client.Collection(colActivityLog)
	jobs := make([]*firestore.BulkWriterJob, 0, len(entries))
	for i := range entries {
		job, err := bw.Create(col.NewDoc(), &entries[i])
		if err != nil {
			bw.End()
			return fmt.Errorf("enqueue activity entry: %w", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("append activity batch: %w", err)
		}
	}
	return nil
}

func (f *Firestore) RecentActivity(ctx context.Context, limit int) ([]domain.ActivityEntry, error) {
	docs, err := f.client.Collection(colActivityLog).
		OrderBy("date", firestore.Desc).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	out := make([]domain.ActivityEntry, 0, len(docs))
	for _, doc := range docs {
		var e domain.ActivityEntry
		if err := doc.DataTo(&e); err != nil {
			return nil, fmt.Errorf("decode activity entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *Firestore) CreateResetRequest(ctx context.Context, req *domain.ResetRequest) error {
	if _, err := f.client.Collection(colResetRequests).Doc(req.ID).Set(ctx, req); err != nil {
		return fmt.Errorf("create reset request: %w", err)
	}
	return nil
}

func (f *Firestore) GetResetRequest(ctx context.Context, id string) (*domain.ResetRequest, error) {
	doc, err := f.client.Collection(colResetRequests).Doc(id).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get reset request: %w", err)
	}
	var req domain.ResetRequest
	if err := doc.DataTo(&req); err != nil {
		return nil, fmt.Errorf("decode reset request: %w", err)
	}
	req.ID = doc.Ref.ID
	return &req, nil
}

func (f *Firestore) SetResetStatus(ctx context.Context, id string, st domain.ResetStatus, processedBy, adminNote string, at time.Time) error {
	_, err := f.client.Collection(colResetRequests).Doc(id).Update(ctx, []firestore.Update{
		{Path: "status", Value: st},
		{Path: "processedAt", Value: at},
		{Path: "processedBy", Value: processedBy},
		{Path: "adminNote", Value: adminNote},
	})
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("update reset request %s: %w", id, err)
	}
	return nil
}

func (f *Firestore) QueryResetRequests(ctx context.Context, q ResetQuery) ([]*domain.ResetRequest, error) {
	query := f.client.Collection(colResetRequests).Query
	if q.License != "" {
		query = query.Where("license", "==", q.License)
	}
	if len(q.Statuses) > 0 {
		vals := make([]any, len(q.Statuses))
		for i, s := range q.Statuses {
			vals[i] = string(s)
		}
		query = query.Where("status", "in", vals)
	}
	query = query.OrderBy("requestedAt", firestore.Desc)
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("query reset requests: %w", err)
	}
	out := make([]*domain.ResetRequest, 0, len(docs))
	for _, doc := range docs {
		var req domain.ResetRequest
		if err := doc.DataTo(&req); err != nil {
			return nil, fmt.Errorf("decode reset request %s: %w", doc.Ref.ID, err)
		}
		req.ID = doc.Ref.ID
		out = append(out, &req)
	}
	return out, nil
}
