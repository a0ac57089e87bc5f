package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/saasops/adminservice/internal/domain"
	"github.com/saasops/adminservice/internal/log"
)

// SystemWebhookActor is the actor recorded for changes applied by the
// webhook processor rather than an administrator.
const SystemWebhookActor = "system:webhook"

// SystemReconcilerActor is the actor recorded for changes applied by the
// pending-transaction reconciler.
const SystemReconcilerActor = "system:reconciler"

// Entry is one append-only audit record. EntryHash chains to the previous
// entry's hash so any later edit of a stored row is detectable.
type Entry struct {
	ID             int64          `json:"id"`
	AdminID        string         `json:"admin_id"`
	Roles          []string       `json:"roles,omitempty"`
	Action         string         `json:"action"`
	ResourceType   string         `json:"resource_type"`
	ResourceID     string         `json:"resource_id"`
	AffectedUserID string         `json:"affected_user_id,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	IP             string         `json:"ip,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	PrevHash       string         `json:"prev_hash"`
	EntryHash      string         `json:"entry_hash"`
}

// Store persists audit entries. Implementations expose append and read only;
// there is no update or delete path.
type Store interface {
	// Append writes the entry, assigning ID, PrevHash and EntryHash, and
	// returns the stored row. Appends for the chain must be serialized by
	// the implementation.
	Append(ctx context.Context, e Entry) (Entry, error)

	// Query returns entries matching the filter, newest first, plus the
	// total match count.
	Query(ctx context.Context, f Filter, p Page) ([]Entry, int64, error)
}

// Filter narrows audit queries.
type Filter struct {
	AdminID        string
	Action         string
	AffectedUserID string
	From           time.Time
	To             time.Time
}

// Page bounds a query result.
type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps page bounds to sane values.
func (p Page) Normalize() Page {
	if p.Limit <= 0 || p.Limit > 500 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ComputeHash derives the chain hash for an entry given the previous entry's
// hash. The hash covers every recorded field except the hashes themselves.
func ComputeHash(prevHash string, e Entry) string {
	core := struct {
		AdminID        string         `json:"admin_id"`
		Roles          []string       `json:"roles"`
		Action         string         `json:"action"`
		ResourceType   string         `json:"resource_type"`
		ResourceID     string         `json:"resource_id"`
		AffectedUserID string         `json:"affected_user_id"`
		Details        map[string]any `json:"details"`
		IP             string         `json:"ip"`
		UserAgent      string         `json:"user_agent"`
		CreatedAt      string         `json:"created_at"`
	}{
		AdminID:        e.AdminID,
		Roles:          e.Roles,
		Action:         e.Action,
		ResourceType:   e.ResourceType,
		ResourceID:     e.ResourceID,
		AffectedUserID: e.AffectedUserID,
		Details:        e.Details,
		IP:             e.IP,
		UserAgent:      e.UserAgent,
		CreatedAt:      e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	payload, _ := json.Marshal(core)

	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain walks entries in ascending id order and returns the id of the
// first entry whose stored hash does not match its recomputed hash, or 0 if
// the chain is intact.
func VerifyChain(entries []Entry) int64 {
	prev := ""
	for _, e := range entries {
		if e.PrevHash != prev {
			return e.ID
		}
		if ComputeHash(prev, e) != e.EntryHash {
			return e.ID
		}
		prev = e.EntryHash
	}
	return 0
}

// Recorder writes audit entries and mirrors them to the structured log. An
// append failure is fatal to the caller's operation: Record wraps it in an
// AUDIT_WRITE_FAILED error and the enclosing mutation must not be treated
// as committed.
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder creates a recorder on top of the given store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// Record appends the entry. On store failure the returned error carries
// code AUDIT_WRITE_FAILED and the triggering operation must fail with it.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	stored, err := r.store.Append(ctx, e)
	if err != nil {
		log.Error(ctx, "audit append failed",
			zap.Error(err),
			zap.String("action", e.Action),
			zap.String("resource_type", e.ResourceType),
			zap.String("resource_id", e.ResourceID))
		return domain.NewAuditWriteError(err.Error())
	}

	log.Info(ctx, "audit entry recorded",
		zap.Int64("audit_id", stored.ID),
		zap.String("audit_admin_id", stored.AdminID),
		zap.String("audit_action", stored.Action),
		zap.String("audit_resource_type", stored.ResourceType),
		zap.String("audit_resource_id", stored.ResourceID))
	return nil
}

// RecordDenied appends a denied-attempt entry for an authorization failure.
func (r *Recorder) RecordDenied(ctx context.Context, adminID string, roles []string, action, resourceType, resourceID, reason, ip, userAgent string) error {
	return r.Record(ctx, Entry{
		AdminID:      adminID,
		Roles:        roles,
		Action:       fmt.Sprintf("%s.denied", action),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      map[string]any{"reason": reason},
		IP:           ip,
		UserAgent:    userAgent,
	})
}

// Query reads entries matching the filter.
func (r *Recorder) Query(ctx context.Context, f Filter, p Page) ([]Entry, int64, error) {
	return r.store.Query(ctx, f, p.Normalize())
}

// Verify re-reads the full chain and reports the first corrupted entry id,
// or 0 when intact.
func (r *Recorder) Verify(ctx context.Context) (int64, error) {
	const batch = 1000
	var (
		all    []Entry
		offset int
	)
	for {
		entries, _, err := r.store.Query(ctx, Filter{}, Page{Limit: batch, Offset: offset})
		if err != nil {
			return 0, fmt.Errorf("read audit chain: %w", err)
		}
		if len(entries) == 0 {
			break
		}
		all = append(all, entries...)
		if len(entries) < batch {
			break
		}
		offset += batch
	}
	// Query returns newest first; the chain verifies oldest first.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return VerifyChain(all), nil
}
