package domain

import "time"

// DefaultOfferTTL is how long an offered entry holds its slot
const DefaultOfferTTL = 30 * time.Minute

// EntryStatus is the waitlist state machine
type EntryStatus string

const (
	EntryStatusWaiting   EntryStatus = "WAITING"
	EntryStatusOffered   EntryStatus = "OFFERED"
	EntryStatusPurchased EntryStatus = "PURCHASED"
	EntryStatusExpired   EntryStatus = "EXPIRED"
)

// IsActive reports whether the status counts as a live claim
func (s EntryStatus) IsActive() bool {
	return s == EntryStatusWaiting || s == EntryStatusOffered
}

// IsTerminal reports whether no further transition is possible
func (s EntryStatus) IsTerminal() bool {
	return s == EntryStatusPurchased || s == EntryStatusExpired
}

// WaitlistEntry is one requester's place in a resource's queue
type WaitlistEntry struct {
	ID             string      `json:"id"`
	ResourceID     string      `json:"resource_id"`
	RequesterID    string      `json:"requester_id"`
	Status         EntryStatus `json:"status"`
	OfferExpiresAt *time.Time  `json:"offer_expires_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`

	// Position is 1 + the number of active entries created earlier.
	// Only populated by position reads.
	Position int `json:"position,omitempty"`
}

// OfferExpired reports whether the entry is OFFERED and its offer has lapsed at now
func (e *WaitlistEntry) OfferExpired(now time.Time) bool {
	return e.Status == EntryStatusOffered &&
		e.OfferExpiresAt != nil &&
		!now.Before(*e.OfferExpiresAt)
}

// OwnedBy reports whether requesterID holds this entry
func (e *WaitlistEntry) OwnedBy(requesterID string) bool {
	return e.RequesterID == requesterID
}

// Reconcile returns the state entry should be in at now, and whether that
// differs from the stored state. It never mutates entry. The only lazy
// transition is OFFERED -> EXPIRED once offerExpiresAt has passed.
func Reconcile(entry WaitlistEntry, now time.Time) (WaitlistEntry, bool) {
	if !entry.OfferExpired(now) {
		return entry, false
	}
	entry.Status = EntryStatusExpired
	entry.UpdatedAt = now
	return entry, true
}
