package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/abhirambsn/mo-ticket/internal/domain"
)

// MemoryStore is an in-process Store. A single mutex makes every method one
// atomic step, matching the transactional guarantees of PostgresStore.
type MemoryStore struct {
	mu        sync.Mutex
	resources map[string]*domain.Resource
	reserved  map[string]int
	entries   map[string]*memEntry
	grants    map[string]*domain.Grant
	byRef     map[string]string
	seq       int64
}

type memEntry struct {
	entry domain.WaitlistEntry
	seq   int64
}

// before orders entries by (created_at, seq), the queue order
func (m *memEntry) before(o *memEntry) bool {
	if !m.entry.CreatedAt.Equal(o.entry.CreatedAt) {
		return m.entry.CreatedAt.Before(o.entry.CreatedAt)
	}
	return m.seq < o.seq
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resources: make(map[string]*domain.Resource),
		reserved:  make(map[string]int),
		entries:   make(map[string]*memEntry),
		grants:    make(map[string]*domain.Grant),
		byRef:     make(map[string]string),
	}
}

// PutResource inserts or replaces a resource, keeping its ledger row
func (s *MemoryStore) PutResource(r *domain.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	s.resources[r.ID] = &cp
	if _, ok := s.reserved[r.ID]; !ok {
		s.reserved[r.ID] = 0
	}
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) GetResource(ctx context.Context, resourceID string) (*domain.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[resourceID]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "resource %s not found", resourceID)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) MarkResourceCancelled(ctx context.Context, resourceID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[resourceID]
	if !ok {
		return domain.Errorf(domain.KindNotFound, "resource %s not found", resourceID)
	}
	if r.IsCancelled {
		return nil
	}
	for _, g := range s.grants {
		if g.ResourceID == resourceID && g.Status.IsOutstanding() {
			return ErrGrantsOutstanding
		}
	}
	r.IsCancelled = true
	r.CancelledAt = &now
	return nil
}

func (s *MemoryStore) Availability(ctx context.Context, resourceID string) (*domain.Availability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[resourceID]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "resource %s not found", resourceID)
	}
	return &domain.Availability{ResourceID: resourceID, Capacity: r.Capacity, Reserved: s.reserved[resourceID]}, nil
}

func (s *MemoryStore) TryReserve(ctx context.Context, resourceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[resourceID]
	if !ok {
		return false, domain.Errorf(domain.KindNotFound, "resource %s not found", resourceID)
	}
	return s.reserveLocked(r), nil
}

func (s *MemoryStore) Release(ctx context.Context, resourceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.resources[resourceID]; !ok {
		return false, domain.Errorf(domain.KindNotFound, "resource %s not found", resourceID)
	}
	return s.releaseLocked(resourceID, 1) == 1, nil
}

func (s *MemoryStore) reserveLocked(r *domain.Resource) bool {
	if s.reserved[r.ID] >= r.Capacity {
		return false
	}
	s.reserved[r.ID]++
	return true
}

func (s *MemoryStore) releaseLocked(resourceID string, n int) int {
	if n > s.reserved[resourceID] {
		n = s.reserved[resourceID]
	}
	s.reserved[resourceID] -= n
	return n
}

func (s *MemoryStore) Join(ctx context.Context, p JoinParams) (*domain.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[p.ResourceID]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "resource %s not found", p.ResourceID)
	}
	if !r.AcceptsOffers(p.Now) {
		return nil, domain.ErrResourceUnavailable
	}
	if s.hasActiveClaimLocked(p.ResourceID, p.RequesterID) {
		return nil, domain.ErrAlreadyClaimed
	}

	e := domain.WaitlistEntry{
		ID:          p.EntryID,
		ResourceID:  p.ResourceID,
		RequesterID: p.RequesterID,
		Status:      domain.EntryStatusWaiting,
		CreatedAt:   p.Now,
		UpdatedAt:   p.Now,
	}
	if s.reserveLocked(r) {
		expires := p.OfferExpiresAt
		e.Status = domain.EntryStatusOffered
		e.OfferExpiresAt = &expires
	}

	s.seq++
	s.entries[e.ID] = &memEntry{entry: e, seq: s.seq}
	return &e, nil
}

func (s *MemoryStore) hasActiveClaimLocked(resourceID, requesterID string) bool {
	for _, me := range s.entries {
		if me.entry.ResourceID == resourceID && me.entry.RequesterID == requesterID && me.entry.Status.IsActive() {
			return true
		}
	}
	for _, g := range s.grants {
		if g.ResourceID == resourceID && g.RequesterID == requesterID && g.Status.IsOutstanding() {
			return true
		}
	}
	return false
}

func (s *MemoryStore) GetEntry(ctx context.Context, entryID string) (*domain.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	me, ok := s.entries[entryID]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "waitlist entry %s not found", entryID)
	}
	e := me.entry
	return &e, nil
}

func (s *MemoryStore) LatestEntry(ctx context.Context, resourceID, requesterID string) (*domain.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *memEntry
	for _, me := range s.entries {
		if me.entry.ResourceID != resourceID || me.entry.RequesterID != requesterID {
			continue
		}
		if latest == nil || latest.before(me) {
			latest = me
		}
	}
	if latest == nil {
		return nil, domain.Errorf(domain.KindNotFound, "no waitlist entry for requester %s on resource %s", requesterID, resourceID)
	}
	e := latest.entry
	return &e, nil
}

func (s *MemoryStore) HasActiveClaim(ctx context.Context, resourceID, requesterID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasActiveClaimLocked(resourceID, requesterID), nil
}

func (s *MemoryStore) QueuePosition(ctx context.Context, entry *domain.WaitlistEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.entries[entry.ID]
	if !ok {
		return 0, domain.Errorf(domain.KindNotFound, "waitlist entry %s not found", entry.ID)
	}
	ahead := 0
	for _, me := range s.entries {
		if me.entry.ResourceID == entry.ResourceID && me.entry.Status.IsActive() && me.before(target) {
			ahead++
		}
	}
	return ahead + 1, nil
}

func (s *MemoryStore) ExpireEntry(ctx context.Context, p ExpireParams) (*ExpireResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	me, ok := s.entries[p.EntryID]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "waitlist entry %s not found", p.EntryID)
	}

	prev := me.entry.Status
	expirable := me.entry.OfferExpired(p.Now) || (p.Voluntary && prev.IsActive())
	if !expirable {
		e := me.entry
		return &ExpireResult{Entry: &e}, nil
	}

	me.entry.Status = domain.EntryStatusExpired
	me.entry.UpdatedAt = p.Now
	res := &ExpireResult{Transitioned: true}
	if prev == domain.EntryStatusOffered {
		res.Released = s.releaseLocked(me.entry.ResourceID, 1) == 1
	}
	e := me.entry
	res.Entry = &e
	return res, nil
}

func (s *MemoryStore) PromoteNext(ctx context.Context, resourceID string, now, offerExpiresAt time.Time) (*domain.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[resourceID]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "resource %s not found", resourceID)
	}
	if !r.AcceptsOffers(now) {
		return nil, nil
	}

	var next *memEntry
	for _, me := range s.entries {
		if me.entry.ResourceID != resourceID || me.entry.Status != domain.EntryStatusWaiting {
			continue
		}
		if next == nil || me.before(next) {
			next = me
		}
	}
	if next == nil || !s.reserveLocked(r) {
		return nil, nil
	}

	expires := offerExpiresAt
	next.entry.Status = domain.EntryStatusOffered
	next.entry.OfferExpiresAt = &expires
	next.entry.UpdatedAt = now
	e := next.entry
	return &e, nil
}

func (s *MemoryStore) ListExpiredOffers(ctx context.Context, resourceID string, now time.Time, limit int) ([]*domain.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.WaitlistEntry
	for _, me := range s.entries {
		if resourceID != "" && me.entry.ResourceID != resourceID {
			continue
		}
		if me.entry.OfferExpired(now) {
			e := me.entry
			out = append(out, &e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OfferExpiresAt.Before(*out[j].OfferExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetGrantByPaymentRef(ctx context.Context, paymentRef string) (*domain.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byRef[paymentRef]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "no grant for payment %s", paymentRef)
	}
	g := *s.grants[id]
	return &g, nil
}

func (s *MemoryStore) GrantForRequester(ctx context.Context, resourceID, requesterID string) (*domain.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *domain.Grant
	for _, g := range s.grants {
		if g.ResourceID != resourceID || g.RequesterID != requesterID {
			continue
		}
		if best == nil ||
			(g.Status.IsOutstanding() && !best.Status.IsOutstanding()) ||
			(g.Status.IsOutstanding() == best.Status.IsOutstanding() && g.IssuedAt.After(best.IssuedAt)) {
			best = g
		}
	}
	if best == nil {
		return nil, domain.Errorf(domain.KindNotFound, "no grant for requester %s on resource %s", requesterID, resourceID)
	}
	g := *best
	return &g, nil
}

func (s *MemoryStore) ListOutstandingGrants(ctx context.Context, resourceID string) ([]*domain.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Grant
	for _, g := range s.grants {
		if g.ResourceID == resourceID && g.Status.IsOutstanding() {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

func (s *MemoryStore) Purchase(ctx context.Context, p PurchaseParams) (*PurchaseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byRef[p.ExternalPaymentRef]; ok {
		g := *s.grants[id]
		return &PurchaseResult{Grant: &g, Duplicate: true}, nil
	}

	me, ok := s.entries[p.EntryID]
	if !ok || me.entry.ResourceID != p.ResourceID {
		return nil, domain.Errorf(domain.KindNotFound, "waitlist entry %s not found", p.EntryID)
	}
	if !me.entry.OwnedBy(p.RequesterID) {
		return nil, domain.ErrForbidden
	}
	if err := purchasableAt(&me.entry, p.Now); err != nil {
		return nil, err
	}
	if r := s.resources[p.ResourceID]; r == nil || r.IsCancelled {
		return nil, domain.ErrResourceUnavailable
	}
	for _, g := range s.grants {
		if g.ResourceID == p.ResourceID && g.RequesterID == p.RequesterID && g.Status.IsOutstanding() {
			return nil, domain.ErrAlreadyClaimed
		}
	}

	me.entry.Status = domain.EntryStatusPurchased
	me.entry.UpdatedAt = p.Now

	g := &domain.Grant{
		ID:                 p.GrantID,
		ResourceID:         p.ResourceID,
		RequesterID:        p.RequesterID,
		WaitlistEntryID:    p.EntryID,
		Status:             domain.GrantStatusValid,
		ExternalPaymentRef: p.ExternalPaymentRef,
		AmountCents:        p.AmountCents,
		IssuedAt:           p.Now,
	}
	s.grants[g.ID] = g
	s.byRef[g.ExternalPaymentRef] = g.ID

	cp := *g
	return &PurchaseResult{Grant: &cp}, nil
}

// purchasableAt applies the entry-state checks shared by both stores
func purchasableAt(e *domain.WaitlistEntry, now time.Time) error {
	switch {
	case e.Status == domain.EntryStatusExpired || e.OfferExpired(now):
		return domain.ErrOfferExpired
	case e.Status != domain.EntryStatusOffered:
		return domain.Errorf(domain.KindOfferNotActive, "entry %s is %s, not OFFERED", e.ID, e.Status)
	}
	return nil
}

func (s *MemoryStore) MarkGrantsRefunded(ctx context.Context, resourceID string, grantIDs []string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range grantIDs {
		g, ok := s.grants[id]
		if !ok || g.ResourceID != resourceID || !g.Status.IsOutstanding() {
			continue
		}
		refundedAt := now
		g.Status = domain.GrantStatusRefunded
		g.RefundedAt = &refundedAt
		n++
	}
	s.releaseLocked(resourceID, n)
	return n, nil
}
