package domain

import "time"

// ChangeType names a state transition observers can subscribe to
type ChangeType string

const (
	ChangeEntryWaiting      ChangeType = "entry.waiting"
	ChangeEntryOffered      ChangeType = "entry.offered"
	ChangeEntryExpired      ChangeType = "entry.expired"
	ChangeEntryPurchased    ChangeType = "entry.purchased"
	ChangeGrantIssued       ChangeType = "grant.issued"
	ChangeGrantRefunded     ChangeType = "grant.refunded"
	ChangeResourceCancelled ChangeType = "resource.cancelled"
	ChangePurchaseRejected  ChangeType = "purchase.rejected"
)

// ChangeEvent is published after every committed transition
type ChangeEvent struct {
	ID          string     `json:"id"`
	Type        ChangeType `json:"type"`
	ResourceID  string     `json:"resource_id"`
	RequesterID string     `json:"requester_id,omitempty"`
	EntryID     string     `json:"entry_id,omitempty"`
	GrantID     string     `json:"grant_id,omitempty"`
	Status      string     `json:"status,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	OccurredAt  time.Time  `json:"occurred_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// EntryChange builds the event for an entry transition
func EntryChange(t ChangeType, e *WaitlistEntry, at time.Time) ChangeEvent {
	return ChangeEvent{
		Type:        t,
		ResourceID:  e.ResourceID,
		RequesterID: e.RequesterID,
		EntryID:     e.ID,
		Status:      string(e.Status),
		OccurredAt:  at,
		ExpiresAt:   e.OfferExpiresAt,
	}
}

// GrantChange builds the event for a grant transition
func GrantChange(t ChangeType, g *Grant, at time.Time) ChangeEvent {
	return ChangeEvent{
		Type:        t,
		ResourceID:  g.ResourceID,
		RequesterID: g.RequesterID,
		EntryID:     g.WaitlistEntryID,
		GrantID:     g.ID,
		Status:      string(g.Status),
		OccurredAt:  at,
	}
}
