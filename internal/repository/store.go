package repository

import (
	"context"
	"errors"
	"time"

	"github.com/abhirambsn/mo-ticket/internal/domain"
)

// ErrGrantsOutstanding is returned by MarkResourceCancelled while VALID or USED
// grants remain on the resource.
var ErrGrantsOutstanding = errors.New("resource still has outstanding grants")

// CapacityLedger is the authoritative reserved-unit counter per resource.
// TryReserve is a single conditional increment; Release floors at zero.
type CapacityLedger interface {
	Availability(ctx context.Context, resourceID string) (*domain.Availability, error)
	TryReserve(ctx context.Context, resourceID string) (bool, error)
	Release(ctx context.Context, resourceID string) (bool, error)
}

// ResourceRepository reads resources and writes their cancelled flag
type ResourceRepository interface {
	GetResource(ctx context.Context, resourceID string) (*domain.Resource, error)
	// MarkResourceCancelled flips isCancelled iff no outstanding grants remain.
	// Calling it on an already cancelled resource is a no-op.
	MarkResourceCancelled(ctx context.Context, resourceID string, now time.Time) error
}

// JoinParams describes a new waitlist entry
type JoinParams struct {
	EntryID        string
	ResourceID     string
	RequesterID    string
	Now            time.Time
	OfferExpiresAt time.Time
}

// ExpireParams describes an expiry transition
type ExpireParams struct {
	EntryID string
	Now     time.Time
	// Voluntary expires a WAITING or OFFERED entry regardless of its offer
	// expiry, for requesters leaving the queue.
	Voluntary bool
}

// ExpireResult reports what an expiry transition did
type ExpireResult struct {
	Entry *domain.WaitlistEntry
	// Transitioned is false when the entry was not in an expirable state,
	// which makes repeated calls no-ops.
	Transitioned bool
	// Released is true when the transition gave a slot back to the ledger
	Released bool
}

// WaitlistRepository stores entries and performs their atomic transitions
type WaitlistRepository interface {
	// Join atomically re-checks the requester has no active claim, tries to
	// reserve a slot, and inserts the entry as OFFERED or WAITING.
	Join(ctx context.Context, params JoinParams) (*domain.WaitlistEntry, error)
	GetEntry(ctx context.Context, entryID string) (*domain.WaitlistEntry, error)
	// LatestEntry returns the requester's most recent entry on the resource
	LatestEntry(ctx context.Context, resourceID, requesterID string) (*domain.WaitlistEntry, error)
	HasActiveClaim(ctx context.Context, resourceID, requesterID string) (bool, error)
	QueuePosition(ctx context.Context, entry *domain.WaitlistEntry) (int, error)
	// ExpireEntry flips the entry to EXPIRED and releases its slot in one
	// atomic step, only if it is still in an expirable state.
	ExpireEntry(ctx context.Context, params ExpireParams) (*ExpireResult, error)
	// PromoteNext reserves a slot and offers it to the earliest WAITING entry,
	// atomically. Returns nil when nobody waits, no slot is free, or the
	// resource no longer accepts offers.
	PromoteNext(ctx context.Context, resourceID string, now, offerExpiresAt time.Time) (*domain.WaitlistEntry, error)
	// ListExpiredOffers returns OFFERED entries whose offer lapsed before now,
	// oldest first. An empty resourceID scans every resource.
	ListExpiredOffers(ctx context.Context, resourceID string, now time.Time, limit int) ([]*domain.WaitlistEntry, error)
}

// PurchaseParams describes a grant to issue from an offer
type PurchaseParams struct {
	GrantID            string
	ResourceID         string
	RequesterID        string
	EntryID            string
	ExternalPaymentRef string
	AmountCents        int64
	Now                time.Time
}

// PurchaseResult is the outcome of an atomic purchase
type PurchaseResult struct {
	Grant *domain.Grant
	// Duplicate is true when a grant with the payment ref already existed
	Duplicate bool
}

// GrantRepository stores grants
type GrantRepository interface {
	GetGrantByPaymentRef(ctx context.Context, paymentRef string) (*domain.Grant, error)
	GrantForRequester(ctx context.Context, resourceID, requesterID string) (*domain.Grant, error)
	ListOutstandingGrants(ctx context.Context, resourceID string) ([]*domain.Grant, error)
	// Purchase converts an unexpired OFFERED entry into PURCHASED and inserts a
	// VALID grant in one transaction. A repeated payment ref returns the
	// existing grant with Duplicate set.
	Purchase(ctx context.Context, params PurchaseParams) (*PurchaseResult, error)
	// MarkGrantsRefunded flips the listed outstanding grants to REFUNDED and
	// returns their slots to the ledger.
	MarkGrantsRefunded(ctx context.Context, resourceID string, grantIDs []string, now time.Time) (int, error)
}

// Store is the single authoritative store every core component shares
type Store interface {
	CapacityLedger
	ResourceRepository
	WaitlistRepository
	GrantRepository
	HealthCheck(ctx context.Context) error
}
