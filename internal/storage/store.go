package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/RegistryAccord/registryaccord-commerce-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/model"
)

// Collection names.
const (
	CollBundles           = "bundles"
	CollProductBoxes      = "productBoxes"
	CollBundleContent     = "bundleContent"
	CollProductBoxContent = "productBoxContent"
	CollUploads           = "uploads"
	CollBundlePurchases   = "bundlePurchases"
	CollUsers             = "users"
	CollBundleJobs        = "bundle_jobs"
)

// UserPurchasesCollection is the per-buyer purchases subcollection.
func UserPurchasesCollection(uid string) string {
	return "userPurchases/" + uid + "/purchases"
}

// Store is the typed data access layer over a Documents backend.
type Store struct {
	docs    Documents
	metrics *metrics.Metrics
}

// New creates a Store over docs.
func New(docs Documents) *Store {
	return &Store{docs: docs, metrics: metrics.NewMetrics()}
}

// Documents exposes the underlying backend for content queries and tests.
func (s *Store) Documents() Documents { return s.docs }

// Ping checks backend connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.docs.Ping(ctx) }

// Close releases the backend.
func (s *Store) Close() error { return s.docs.Close() }

func (s *Store) observe(op string, start time.Time, err error) {
	st := "success"
	if err != nil && !errors.Is(err, ErrNotFound) {
		st = "error"
	}
	s.metrics.StorageOperationTotal.WithLabelValues(op, st).Inc()
	s.metrics.StorageOperationDuration.WithLabelValues(op, st).Observe(time.Since(start).Seconds())
}

// GetBundle loads a bundle from bundles, falling back to the legacy productBoxes collection.
func (s *Store) GetBundle(ctx context.Context, id string) (b *model.Bundle, err error) {
	defer func(start time.Time) { s.observe("get_bundle", start, err) }(time.Now())

	for _, coll := range []string{CollBundles, CollProductBoxes} {
		doc, err := s.docs.Get(ctx, coll, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		b := model.BundleFromDocument(id, doc)
		b.Collection = coll
		return b, nil
	}
	return nil, ErrNotFound
}

// SaveBundle writes the bundle to its collection, defaulting to bundles.
func (s *Store) SaveBundle(ctx context.Context, b *model.Bundle) (err error) {
	defer func(start time.Time) { s.observe("save_bundle", start, err) }(time.Now())

	if b.Collection == "" {
		b.Collection = CollBundles
	}
	return s.docs.Set(ctx, b.Collection, b.ID, b.Document())
}

// UpdateBundle atomically applies fn to the stored bundle and returns the result.
func (s *Store) UpdateBundle(ctx context.Context, id string, fn func(*model.Bundle) error) (out *model.Bundle, err error) {
	defer func(start time.Time) { s.observe("update_bundle", start, err) }(time.Now())

	current, err := s.GetBundle(ctx, id)
	if err != nil {
		return nil, err
	}
	coll := current.Collection
	err = s.docs.Mutate(ctx, coll, id, func(doc map[string]interface{}) (map[string]interface{}, error) {
		if doc == nil {
			return nil, ErrNotFound
		}
		b := model.BundleFromDocument(id, doc)
		b.Collection = coll
		if err := fn(b); err != nil {
			return nil, err
		}
		b.UpdatedAt = time.Now().UTC()
		out = b
		return b.Document(), nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// QueryContent returns raw content documents whose field equals id.
func (s *Store) QueryContent(ctx context.Context, collection, field, id string) (out []map[string]interface{}, err error) {
	defer func(start time.Time) { s.observe("query_content", start, err) }(time.Now())

	docs, err := s.docs.Where(ctx, collection, field, id)
	if err != nil {
		return nil, err
	}
	out = make([]map[string]interface{}, 0, len(docs))
	for _, d := range docs {
		if _, ok := d.Data["id"]; !ok {
			d.Data["id"] = d.ID
		}
		out = append(out, d.Data)
	}
	return out, nil
}

// GetUpload loads an upload. Older uploads store the file location under downloadUrl.
func (s *Store) GetUpload(ctx context.Context, id string) (u *model.Upload, err error) {
	defer func(start time.Time) { s.observe("get_upload", start, err) }(time.Now())

	doc, err := s.docs.Get(ctx, CollUploads, id)
	if err != nil {
		return nil, err
	}
	u = &model.Upload{}
	if err := decode(doc, u); err != nil {
		return nil, err
	}
	u.ID = id
	if u.URL == "" {
		u.URL = model.String(doc["downloadUrl"])
	}
	if u.UserID == "" {
		u.UserID = model.String(doc["userId"])
	}
	return u, nil
}

// SaveUpload writes an upload document.
func (s *Store) SaveUpload(ctx context.Context, u *model.Upload) (err error) {
	defer func(start time.Time) { s.observe("save_upload", start, err) }(time.Now())
	return s.set(ctx, CollUploads, u.ID, u)
}

// GetPurchase loads a purchase by session id.
func (s *Store) GetPurchase(ctx context.Context, id string) (p *model.Purchase, err error) {
	defer func(start time.Time) { s.observe("get_purchase", start, err) }(time.Now())

	p = &model.Purchase{}
	if err := s.get(ctx, CollBundlePurchases, id, p); err != nil {
		return nil, err
	}
	return p, nil
}

// SavePurchase overwrites the purchase in bundlePurchases and in the buyer's
// userPurchases subcollection. Overwriting makes repeated deliveries idempotent.
func (s *Store) SavePurchase(ctx context.Context, p *model.Purchase) (err error) {
	defer func(start time.Time) { s.observe("save_purchase", start, err) }(time.Now())

	if err := s.set(ctx, CollBundlePurchases, p.ID, p); err != nil {
		return err
	}
	return s.set(ctx, UserPurchasesCollection(p.BuyerUID), p.ID, p)
}

// FindPurchaseByPaymentIntent returns the purchase recorded for a payment intent.
func (s *Store) FindPurchaseByPaymentIntent(ctx context.Context, paymentIntentID string) (p *model.Purchase, err error) {
	defer func(start time.Time) { s.observe("find_purchase", start, err) }(time.Now())

	docs, err := s.docs.Where(ctx, CollBundlePurchases, "paymentIntentId", paymentIntentID)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	p = &model.Purchase{}
	if err := decode(docs[0].Data, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ListUserPurchases returns the buyer's purchases, newest first.
func (s *Store) ListUserPurchases(ctx context.Context, uid string) (out []*model.Purchase, err error) {
	defer func(start time.Time) { s.observe("list_purchases", start, err) }(time.Now())

	docs, err := s.docs.List(ctx, UserPurchasesCollection(uid))
	if err != nil {
		return nil, err
	}
	out = make([]*model.Purchase, 0, len(docs))
	for _, d := range docs {
		p := &model.Purchase{}
		if err := decode(d.Data, p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sortPurchases(out)
	return out, nil
}

// HasPurchased reports whether uid owns a purchase of bundleID.
func (s *Store) HasPurchased(ctx context.Context, uid, bundleID string) (bool, error) {
	docs, err := s.docs.Where(ctx, UserPurchasesCollection(uid), "bundleId", bundleID)
	if err != nil {
		return false, err
	}
	return len(docs) > 0, nil
}

// GetUser loads a user profile.
func (s *Store) GetUser(ctx context.Context, uid string) (u *model.User, err error) {
	defer func(start time.Time) { s.observe("get_user", start, err) }(time.Now())

	u = &model.User{}
	if err := s.get(ctx, CollUsers, uid, u); err != nil {
		return nil, err
	}
	if u.UID == "" {
		u.UID = uid
	}
	return u, nil
}

// SaveUser writes a user profile.
func (s *Store) SaveUser(ctx context.Context, u *model.User) (err error) {
	defer func(start time.Time) { s.observe("save_user", start, err) }(time.Now())
	return s.set(ctx, CollUsers, u.UID, u)
}

// UpdateUser atomically applies fn to the profile. Fields the model does not know
// about are preserved. A missing profile is created from fn's result.
func (s *Store) UpdateUser(ctx context.Context, uid string, fn func(*model.User) error) (err error) {
	defer func(start time.Time) { s.observe("update_user", start, err) }(time.Now())

	return s.docs.Mutate(ctx, CollUsers, uid, func(doc map[string]interface{}) (map[string]interface{}, error) {
		u := &model.User{UID: uid, Plan: model.PlanFree}
		if doc != nil {
			if err := decode(doc, u); err != nil {
				return nil, err
			}
		}
		if err := fn(u); err != nil {
			return nil, err
		}
		u.UpdatedAt = time.Now().UTC()
		if u.CreatedAt.IsZero() {
			u.CreatedAt = u.UpdatedAt
		}
		return merge(doc, u)
	})
}

// FindUserByCustomerID returns the user linked to a Stripe customer.
func (s *Store) FindUserByCustomerID(ctx context.Context, customerID string) (u *model.User, err error) {
	defer func(start time.Time) { s.observe("find_user", start, err) }(time.Now())

	docs, err := s.docs.Where(ctx, CollUsers, "stripeCustomerId", customerID)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	u = &model.User{}
	if err := decode(docs[0].Data, u); err != nil {
		return nil, err
	}
	if u.UID == "" {
		u.UID = docs[0].ID
	}
	return u, nil
}

// IncrementBundleCount atomically bumps the creator's bundle counter once per
// bundle. Repeating it for a bundle already counted is a no-op.
func (s *Store) IncrementBundleCount(ctx context.Context, uid, bundleID string) error {
	return s.UpdateUser(ctx, uid, func(u *model.User) error {
		for _, id := range u.CountedBundleIDs {
			if id == bundleID {
				return nil
			}
		}
		u.CountedBundleIDs = append(u.CountedBundleIDs, bundleID)
		u.BundleCount++
		return nil
	})
}

// CountCreatorBundles counts bundles owned by uid across both bundle collections.
func (s *Store) CountCreatorBundles(ctx context.Context, uid string) (int, error) {
	n := 0
	for _, coll := range []string{CollBundles, CollProductBoxes} {
		docs, err := s.docs.Where(ctx, coll, "creatorId", uid)
		if err != nil {
			return 0, err
		}
		n += len(docs)
	}
	return n, nil
}

// CreateJob writes a new bundle job.
func (s *Store) CreateJob(ctx context.Context, j *model.BundleJob) (err error) {
	defer func(start time.Time) { s.observe("create_job", start, err) }(time.Now())
	return s.set(ctx, CollBundleJobs, j.ID, j)
}

// GetJob loads a bundle job.
func (s *Store) GetJob(ctx context.Context, id string) (j *model.BundleJob, err error) {
	defer func(start time.Time) { s.observe("get_job", start, err) }(time.Now())

	j = &model.BundleJob{}
	if err := s.get(ctx, CollBundleJobs, id, j); err != nil {
		return nil, err
	}
	return j, nil
}

// UpdateJob atomically applies fn to the stored job and returns the result.
func (s *Store) UpdateJob(ctx context.Context, id string, fn func(*model.BundleJob) error) (out *model.BundleJob, err error) {
	defer func(start time.Time) { s.observe("update_job", start, err) }(time.Now())

	err = s.docs.Mutate(ctx, CollBundleJobs, id, func(doc map[string]interface{}) (map[string]interface{}, error) {
		if doc == nil {
			return nil, ErrNotFound
		}
		j := &model.BundleJob{}
		if err := decode(doc, j); err != nil {
			return nil, err
		}
		if err := fn(j); err != nil {
			return nil, err
		}
		out = j
		return encode(j)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimJob moves a due job to processing with a lease, returning ErrConflict when
// the job is not claimable (another worker holds it, it is not yet due, or it is terminal).
func (s *Store) ClaimJob(ctx context.Context, id string, now time.Time, lease time.Duration) (*model.BundleJob, error) {
	return s.UpdateJob(ctx, id, func(j *model.BundleJob) error {
		if !Claimable(j, now) {
			return ErrConflict
		}
		j.Status = model.JobProcessing
		j.LeaseExpiresAt = now.Add(lease)
		j.UpdatedAt = now
		return nil
	})
}

// Claimable reports whether a worker may claim j at now. Processing jobs whose
// lease has expired are claimable so a crashed worker cannot strand them.
func Claimable(j *model.BundleJob, now time.Time) bool {
	switch j.Status {
	case model.JobQueued, model.JobRetrying:
		return !j.NextAttemptAt.After(now)
	case model.JobProcessing:
		return !j.LeaseExpiresAt.IsZero() && j.LeaseExpiresAt.Before(now)
	default:
		return false
	}
}

// DueJobs returns jobs a worker may claim at now, oldest schedule first.
func (s *Store) DueJobs(ctx context.Context, now time.Time) (out []*model.BundleJob, err error) {
	defer func(start time.Time) { s.observe("due_jobs", start, err) }(time.Now())

	for _, st := range []model.JobStatus{model.JobQueued, model.JobRetrying, model.JobProcessing} {
		docs, err := s.docs.Where(ctx, CollBundleJobs, "status", string(st))
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			j := &model.BundleJob{}
			if err := decode(d.Data, j); err != nil {
				return nil, err
			}
			if Claimable(j, now) {
				out = append(out, j)
			}
		}
	}
	sortJobs(out)
	return out, nil
}

func (s *Store) get(ctx context.Context, collection, id string, v interface{}) error {
	doc, err := s.docs.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	return decode(doc, v)
}

func (s *Store) set(ctx context.Context, collection, id string, v interface{}) error {
	doc, err := encode(v)
	if err != nil {
		return err
	}
	return s.docs.Set(ctx, collection, id, doc)
}

// encode converts a model value into a document map.
func encode(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return doc, nil
}

// decode converts a document map into a model value.
func decode(doc map[string]interface{}, v interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

// merge overlays the encoded value onto an existing document.
func merge(doc map[string]interface{}, v interface{}) (map[string]interface{}, error) {
	enc, err := encode(v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(doc)+len(enc))
	for k, val := range doc {
		out[k] = val
	}
	for k, val := range enc {
		out[k] = val
	}
	return out, nil
}

func sortPurchases(ps []*model.Purchase) {
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].CreatedAt.After(ps[j].CreatedAt) })
}

func sortJobs(js []*model.BundleJob) {
	sort.SliceStable(js, func(i, j int) bool { return js[i].NextAttemptAt.Before(js[j].NextAttemptAt) })
}
