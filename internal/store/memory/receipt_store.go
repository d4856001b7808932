package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asyncgate/asyncgate/internal/principal"
	"github.com/asyncgate/asyncgate/internal/receipt"
)

// ReceiptStore is an in-memory receipt.Store. The "inverted index on
// parents" spec.md §6 mandates is a plain map here (parentID -> set of
// child receipt ids) — functionally identical to what a GIN index gives
// Postgres, just without the storage-engine machinery.
type ReceiptStore struct {
	mu           sync.Mutex
	byID         map[string]*receipt.Receipt
	byHash       map[string]string // tenant|hash -> receipt id
	parentIndex  map[string]map[string]struct{} // tenant|parentID -> set of child receipt ids
	clock        func() time.Time
}

func NewReceiptStore() *ReceiptStore {
	return &ReceiptStore{
		byID:        make(map[string]*receipt.Receipt),
		byHash:      make(map[string]string),
		parentIndex: make(map[string]map[string]struct{}),
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *ReceiptStore) WithClock(clock func() time.Time) *ReceiptStore {
	s.clock = clock
	return s
}

func hashKey(tenantID, hash string) string { return tenantID + "|" + hash }
func parentKey(tenantID, parentID string) string { return tenantID + "|" + parentID }

func (s *ReceiptStore) Create(_ context.Context, tenantID string, spec receipt.Spec) (receipt.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := receipt.ValidateShapeLenient(spec); err != nil {
		return receipt.Receipt{}, err
	}

	anomalyNeeded := false
	effectiveSpec := spec
	if spec.Type == receipt.TypeTaskCompleted && !receipt.HasLocatability(spec.Body) {
		effectiveSpec.Parents = nil
		anomalyNeeded = true
	} else if receipt.IsTerminalType(spec.Type) {
		if len(spec.Parents) == 0 {
			return receipt.Receipt{}, receipt.ErrValidation
		}
		for _, parentID := range spec.Parents {
			parent, ok := s.byID[parentID]
			if !ok || parent.TenantID != tenantID {
				return receipt.Receipt{}, receipt.ErrParentNotFound
			}
			if !receipt.CanTerminate(spec.Type, parent.Type) {
				return receipt.Receipt{}, receipt.ErrIllegalTerminator
			}
		}
	}

	hash, err := receipt.ComputeHash(effectiveSpec)
	if err != nil {
		return receipt.Receipt{}, err
	}
	if existingID, ok := s.byHash[hashKey(tenantID, hash)]; ok {
		return *s.byID[existingID], nil
	}

	r := receipt.Receipt{
		TenantID:  tenantID,
		ReceiptID: uuid.NewString(),
		Type:      effectiveSpec.Type,
		From:      effectiveSpec.From,
		To:        effectiveSpec.To,
		TaskID:    effectiveSpec.TaskID,
		LeaseID:   effectiveSpec.LeaseID,
		Parents:   effectiveSpec.Parents,
		Body:      effectiveSpec.Body,
		CreatedAt: s.clock(),
		Hash:      hash,
	}
	s.store(tenantID, &r)

	if anomalyNeeded {
		anomalySpec := receipt.Spec{
			Type: receipt.TypeAnomalyLocatabilityMissing,
			From: principal.System,
			To:   effectiveSpec.To,
			TaskID: effectiveSpec.TaskID,
			Body: map[string]any{
				"reason":     "task.completed lacked artifacts or delivery_proof",
				"receipt_id": r.ReceiptID,
			},
		}
		ahash, err := receipt.ComputeHash(anomalySpec)
		if err == nil {
			if _, exists := s.byHash[hashKey(tenantID, ahash)]; !exists {
				a := receipt.Receipt{
					TenantID:  tenantID,
					ReceiptID: uuid.NewString(),
					Type:      anomalySpec.Type,
					From:      anomalySpec.From,
					To:        anomalySpec.To,
					TaskID:    anomalySpec.TaskID,
					Body:      anomalySpec.Body,
					CreatedAt: s.clock(),
					Hash:      ahash,
				}
				s.store(tenantID, &a)
			}
		}
	}

	return r, nil
}

// store indexes a receipt by id, hash, and parents. Caller holds s.mu.
func (s *ReceiptStore) store(tenantID string, r *receipt.Receipt) {
	s.byID[r.ReceiptID] = r
	s.byHash[hashKey(tenantID, r.Hash)] = r.ReceiptID
	for _, p := range r.Parents {
		k := parentKey(tenantID, p)
		if s.parentIndex[k] == nil {
			s.parentIndex[k] = make(map[string]struct{})
		}
		s.parentIndex[k][r.ReceiptID] = struct{}{}
	}
}

func (s *ReceiptStore) Get(_ context.Context, tenantID, receiptID string) (receipt.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[receiptID]
	if !ok || r.TenantID != tenantID {
		return receipt.Receipt{}, receipt.ErrNotFound
	}
	return *r, nil
}

func (s *ReceiptStore) ListByParent(_ context.Context, tenantID, parentID string, limit int) ([]receipt.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []receipt.Receipt
	for id := range s.parentIndex[parentKey(tenantID, parentID)] {
		out = append(out, *s.byID[id])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// HasTerminator reports whether parentID has a child receipt whose type
// can legally terminate parentID's type (I7) — not merely any receipt
// that names it as a parent. lease.expired and task.progress both link
// to task.assigned as a parent without discharging it, so a plain
// existence check over the parent index would wrongly close the
// obligation.
func (s *ReceiptStore) HasTerminator(_ context.Context, tenantID, parentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, ok := s.byID[parentID]
	if !ok || parent.TenantID != tenantID {
		return false, nil
	}
	for childID := range s.parentIndex[parentKey(tenantID, parentID)] {
		child, ok := s.byID[childID]
		if !ok {
			continue
		}
		if receipt.CanTerminate(child.Type, parent.Type) {
			return true, nil
		}
	}
	return false, nil
}

func (s *ReceiptStore) ListByTaskAndType(_ context.Context, tenantID, taskID string, t receipt.Type) ([]receipt.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []receipt.Receipt
	for _, r := range s.byID {
		if r.TenantID == tenantID && r.TaskID == taskID && r.Type == t {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *ReceiptStore) GetLatestTerminator(_ context.Context, tenantID, parentID string) (*receipt.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, ok := s.byID[parentID]
	if !ok || parent.TenantID != tenantID {
		return nil, nil
	}
	var latest *receipt.Receipt
	for id := range s.parentIndex[parentKey(tenantID, parentID)] {
		r := s.byID[id]
		if !receipt.CanTerminate(r.Type, parent.Type) {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	return latest, nil
}

func (s *ReceiptStore) ListObligationCandidates(_ context.Context, tenantID string, to principal.Principal, cursor *receipt.Cursor, limit int) ([]receipt.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []receipt.Receipt
	for _, r := range s.byID {
		if r.TenantID != tenantID || !r.To.Equal(to) || !receipt.IsObligationType(r.Type) {
			continue
		}
		all = append(all, *r)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ReceiptID < all[j].ReceiptID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	start := 0
	if cursor != nil {
		for i, r := range all {
			rn := r.CreatedAt.UnixNano()
			if rn > cursor.CreatedAtUnixNano || (rn == cursor.CreatedAtUnixNano && r.ReceiptID > cursor.ReceiptID) {
				start = i
				break
			}
			start = i + 1
		}
	}
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

// BatchTerminators is HasTerminator's batched form: it restricts the
// match to children whose type can legally terminate each candidate's
// own type (I7), same as HasTerminator.
func (s *ReceiptStore) BatchTerminators(_ context.Context, tenantID string, candidateIDs []string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidateTypes := make(map[string]receipt.Type, len(candidateIDs))
	for _, id := range candidateIDs {
		if r, ok := s.byID[id]; ok && r.TenantID == tenantID {
			candidateTypes[id] = r.Type
		}
	}

	terminated := make(map[string]struct{})
	for _, r := range s.byID {
		if r.TenantID != tenantID {
			continue
		}
		for _, p := range r.Parents {
			parentType, ok := candidateTypes[p]
			if !ok {
				continue
			}
			if receipt.CanTerminate(r.Type, parentType) {
				terminated[p] = struct{}{}
			}
		}
	}
	return terminated, nil
}
