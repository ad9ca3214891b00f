package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/abhirambsn/mo-ticket/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeHarness is one fresh Store plus a way to seed resources into it
type storeHarness struct {
	store Store
	seed  func(t *testing.T, r *domain.Resource)
}

// runStoreContract checks the atomicity guarantees every Store must give
func runStoreContract(t *testing.T, newHarness func(t *testing.T) storeHarness) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	ttl := domain.DefaultOfferTTL

	newResource := func(t *testing.T, h storeHarness, capacity int) *domain.Resource {
		r := &domain.Resource{
			ID:         "res-" + uuid.NewString(),
			OwnerID:    "owner-1",
			Name:       "Contract Show",
			Capacity:   capacity,
			PriceCents: 2500,
			Currency:   "usd",
			CreatedAt:  base,
		}
		h.seed(t, r)
		return r
	}

	join := func(t *testing.T, s Store, resourceID, requesterID string, now time.Time) (*domain.WaitlistEntry, error) {
		return s.Join(ctx, JoinParams{
			EntryID:        uuid.NewString(),
			ResourceID:     resourceID,
			RequesterID:    requesterID,
			Now:            now,
			OfferExpiresAt: now.Add(ttl),
		})
	}

	reserved := func(t *testing.T, s Store, resourceID string) int {
		a, err := s.Availability(ctx, resourceID)
		require.NoError(t, err)
		return a.Reserved
	}

	t.Run("join offers until capacity then queues", func(t *testing.T) {
		h := newHarness(t)
		r := newResource(t, h, 2)

		var statuses []domain.EntryStatus
		for i := 0; i < 4; i++ {
			e, err := join(t, h.store, r.ID, fmt.Sprintf("user-%d", i), base.Add(time.Duration(i)*time.Second))
			require.NoError(t, err)
			statuses = append(statuses, e.Status)
		}

		assert.Equal(t, []domain.EntryStatus{
			domain.EntryStatusOffered, domain.EntryStatusOffered,
			domain.EntryStatusWaiting, domain.EntryStatusWaiting,
		}, statuses)
		assert.Equal(t, 2, reserved(t, h.store, r.ID))
	})

	t.Run("second active join is rejected", func(t *testing.T) {
		h := newHarness(t)
		r := newResource(t, h, 1)

		_, err := join(t, h.store, r.ID, "alice", base)
		require.NoError(t, err)
		_, err = join(t, h.store, r.ID, "alice", base.Add(time.Second))
		assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
		assert.Equal(t, 1, reserved(t, h.store, r.ID))

		claimed, err := h.store.HasActiveClaim(ctx, r.ID, "alice")
		require.NoError(t, err)
		assert.True(t, claimed)
	})

	t.Run("join on unknown or cancelled resource", func(t *testing.T) {
		h := newHarness(t)
		_, err := join(t, h.store, "res-missing-"+uuid.NewString(), "alice", base)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		r := newResource(t, h, 1)
		require.NoError(t, h.store.MarkResourceCancelled(ctx, r.ID, base))
		_, err = join(t, h.store, r.ID, "alice", base)
		assert.ErrorIs(t, err, domain.ErrResourceUnavailable)
	})

	t.Run("expire is idempotent and releases once", func(t *testing.T) {
		h := newHarness(t)
		r := newResource(t, h, 1)
		e, err := join(t, h.store, r.ID, "alice", base)
		require.NoError(t, err)

		early, err := h.store.ExpireEntry(ctx, ExpireParams{EntryID: e.ID, Now: base.Add(time.Minute)})
		require.NoError(t, err)
		assert.False(t, early.Transitioned)
		assert.Equal(t, domain.EntryStatusOffered, early.Entry.Status)

		after := base.Add(ttl)
		first, err := h.store.ExpireEntry(ctx, ExpireParams{EntryID: e.ID, Now: after})
		require.NoError(t, err)
		assert.True(t, first.Transitioned)
		assert.True(t, first.Released)
		assert.Equal(t, domain.EntryStatusExpired, first.Entry.Status)

		second, err := h.store.ExpireEntry(ctx, ExpireParams{EntryID: e.ID, Now: after.Add(time.Second)})
		require.NoError(t, err)
		assert.False(t, second.Transitioned)
		assert.False(t, second.Released)
		assert.Equal(t, 0, reserved(t, h.store, r.ID))
	})

	t.Run("voluntary leave of a waiting entry releases nothing", func(t *testing.T) {
		h := newHarness(t)
		r := newResource(t, h, 1)
		_, err := join(t, h.store, r.ID, "alice", base)
		require.NoError(t, err)
		waiting, err := join(t, h.store, r.ID, "bob", base.Add(time.Second))
		require.NoError(t, err)
		require.Equal(t, domain.EntryStatusWaiting, waiting.Status)

		res, err := h.store.ExpireEntry(ctx, ExpireParams{EntryID: waiting.ID, Now: base.Add(time.Minute), Voluntary: true})
		require.NoError(t, err)
		assert.True(t, res.Transitioned)
		assert.False(t, res.Released)
		assert.Equal(t, 1, reserved(t, h.store, r.ID))
	})

	t.Run("promote offers to the earliest waiter", func(t *testing.T) {
		h := newHarness(t)
		r := newResource(t, h, 1)
		a, err := join(t, h.store, r.ID, "alice", base)
		require.NoError(t, err)
		b, err := join(t, h.store, r.ID, "bob", base.Add(time.Second))
		require.NoError(t, err)
		_, err = join(t, h.store, r.ID, "carol", base.Add(2*time.Second))
		require.NoError(t, err)

		now := base.Add(ttl)
		none, err := h.store.PromoteNext(ctx, r.ID, now, now.Add(ttl))
		require.NoError(t, err)
		assert.Nil(t, none, "no slot is free yet")

		_, err = h.store.ExpireEntry(ctx, ExpireParams{EntryID: a.ID, Now: now})
		require.NoError(t, err)

		promoted, err := h.store.PromoteNext(ctx, r.ID, now, now.Add(ttl))
		require.NoError(t, err)
		require.NotNil(t, promoted)
		assert.Equal(t, b.ID, promoted.ID)
		assert.Equal(t, domain.EntryStatusOffered, promoted.Status)
		require.NotNil(t, promoted.OfferExpiresAt)
		assert.True(t, promoted.OfferExpiresAt.Equal(now.Add(ttl)))

		again, err := h.store.PromoteNext(ctx, r.ID, now, now.Add(ttl))
		require.NoError(t, err)
		assert.Nil(t, again)
		assert.Equal(t, 1, reserved(t, h.store, r.ID))
	})

	t.Run("promote skips a cancelled resource", func(t *testing.T) {
		h := newHarness(t)
		r := newResource(t, h, 1)
		a, err := join(t, h.store, r.ID, "alice", base)
		require.NoError(t, err)
		_, err = join(t, h.store, r.ID, "bob", base.Add(time.Second))
		require.NoError(t, err)

		require.NoError(t, h.store.MarkResourceCancelled(ctx, r.ID, base.Add(time.Minute)))
		now := base.Add(ttl)
		_, err = h.store.ExpireEntry(ctx, ExpireParams{EntryID: a.ID, Now: now})
		require.NoError(t, err)

		promoted, err := h.store.PromoteNext(ctx, r.ID, now, now.Add(ttl))
		require.NoError(t, err)
		assert.Nil(t, promoted)
		assert.Equal(t, 0, reserved(t, h.store, r.ID))
	})

	t.Run("purchase issues one grant per payment", func(t *testing.T) {
		h := newHarness(t)
		r := newResource(t, h, 1)
		e, err := join(t, h.store, r.ID, "alice", base)
		require.NoError(t, err)

		params := PurchaseParams{
			GrantID:            uuid.NewString(),
			ResourceID:         r.ID,
			RequesterID:        "alice",
			EntryID:            e.ID,
			ExternalPaymentRef: "pi_" + uuid.NewString(),
			AmountCents:        r.PriceCents,
			Now:                base.Add(time.Minute),
		}
		res, err := h.store.Purchase(ctx, params)
		require.NoError(t, err)
		assert.False(t, res.Duplicate)
		assert.Equal(t, domain.GrantStatusValid, res.Grant.Status)
		assert.Equal(t, e.ID, res.Grant.WaitlistEntryID)

		params.GrantID = uuid.NewString()
		dup, err := h.store.Purchase(ctx, params)
		require.NoError(t, err)
		assert.True(t, dup.Duplicate)
		assert.Equal(t, res.Grant.ID, dup.Grant.ID)

		entry, err := h.store.GetEntry(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.EntryStatusPurchased, entry.Status)

		grants, err := h.store.ListOutstandingGrants(ctx, r.ID)
		require.NoError(t, err)
		assert.Len(t, grants, 1)
		assert.Equal(t, 1, reserved(t, h.store, r.ID))
	})

	t.Run("purchase rejections", func(t *testing.T) {
		h := newHarness(t)
		r := newResource(t, h, 1)
		offered, err := join(t, h.store, r.ID, "alice", base)
		require.NoError(t, err)
		waiting, err := join(t, h.store, r.ID, "bob", base.Add(time.Second))
		require.NoError(t, err)

		purchase := func(entryID, requesterID string, now time.Time) error {
			_, err := h.store.Purchase(ctx, PurchaseParams{
				GrantID:            uuid.NewString(),
				ResourceID:         r.ID,
				RequesterID:        requesterID,
				EntryID:            entryID,
				ExternalPaymentRef: "pi_" + uuid.NewString(),
				Now:                now,
			})
			return err
		}

		assert.ErrorIs(t, purchase(offered.ID, "mallory", base.Add(time.Minute)), domain.ErrForbidden)
		assert.ErrorIs(t, purchase(waiting.ID, "bob", base.Add(time.Minute)), domain.ErrOfferNotActive)
		assert.ErrorIs(t, purchase(offered.ID, "alice", base.Add(ttl)), domain.ErrOfferExpired)
		assert.ErrorIs(t, purchase(uuid.NewString(), "alice", base.Add(time.Minute)), domain.ErrNotFound)

		_, err = h.store.GrantForRequester(ctx, r.ID, "alice")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("refund releases capacity and unblocks cancellation", func(t *testing.T) {
		h := newHarness(t)
		r := newResource(t, h, 2)
		var grantIDs []string
		for _, who := range []string{"alice", "bob"} {
			e, err := join(t, h.store, r.ID, who, base)
			require.NoError(t, err)
			res, err := h.store.Purchase(ctx, PurchaseParams{
				GrantID:            uuid.NewString(),
				ResourceID:         r.ID,
				RequesterID:        who,
				EntryID:            e.ID,
				ExternalPaymentRef: "pi_" + uuid.NewString(),
				Now:                base.Add(time.Minute),
			})
			require.NoError(t, err)
			grantIDs = append(grantIDs, res.Grant.ID)
		}

		err := h.store.MarkResourceCancelled(ctx, r.ID, base.Add(time.Hour))
		assert.ErrorIs(t, err, ErrGrantsOutstanding)

		n, err := h.store.MarkGrantsRefunded(ctx, r.ID, grantIDs, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, 0, reserved(t, h.store, r.ID))

		n, err = h.store.MarkGrantsRefunded(ctx, r.ID, grantIDs, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		assert.Equal(t, 0, reserved(t, h.store, r.ID))

		require.NoError(t, h.store.MarkResourceCancelled(ctx, r.ID, base.Add(time.Hour)))
		require.NoError(t, h.store.MarkResourceCancelled(ctx, r.ID, base.Add(2*time.Hour)))

		got, err := h.store.GetResource(ctx, r.ID)
		require.NoError(t, err)
		assert.True(t, got.IsCancelled)

		g, err := h.store.GrantForRequester(ctx, r.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, domain.GrantStatusRefunded, g.Status)
		assert.NotNil(t, g.RefundedAt)
	})

	t.Run("ledger reserve and release stay within bounds", func(t *testing.T) {
		h := newHarness(t)
		r := newResource(t, h, 1)

		ok, err := h.store.TryReserve(ctx, r.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = h.store.TryReserve(ctx, r.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		released, err := h.store.Release(ctx, r.ID)
		require.NoError(t, err)
		assert.True(t, released)
		released, err = h.store.Release(ctx, r.ID)
		require.NoError(t, err)
		assert.False(t, released)
		assert.Equal(t, 0, reserved(t, h.store, r.ID))
	})

	t.Run("queue position counts earlier active entries", func(t *testing.T) {
		h := newHarness(t)
		r := newResource(t, h, 1)
		a, err := join(t, h.store, r.ID, "alice", base)
		require.NoError(t, err)
		_, err = join(t, h.store, r.ID, "bob", base.Add(time.Second))
		require.NoError(t, err)
		c, err := join(t, h.store, r.ID, "carol", base.Add(2*time.Second))
		require.NoError(t, err)

		pos, err := h.store.QueuePosition(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, 3, pos)

		_, err = h.store.ExpireEntry(ctx, ExpireParams{EntryID: a.ID, Now: base.Add(ttl)})
		require.NoError(t, err)
		pos, err = h.store.QueuePosition(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, 2, pos)

		latest, err := h.store.LatestEntry(ctx, r.ID, "carol")
		require.NoError(t, err)
		assert.Equal(t, c.ID, latest.ID)
	})

	t.Run("list expired offers", func(t *testing.T) {
		h := newHarness(t)
		r := newResource(t, h, 3)
		for i, who := range []string{"alice", "bob", "carol"} {
			_, err := join(t, h.store, r.ID, who, base.Add(time.Duration(i)*time.Minute))
			require.NoError(t, err)
		}

		expired, err := h.store.ListExpiredOffers(ctx, r.ID, base.Add(ttl+time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, expired, 2)
		assert.Equal(t, "alice", expired[0].RequesterID)
		assert.Equal(t, "bob", expired[1].RequesterID)

		limited, err := h.store.ListExpiredOffers(ctx, r.ID, base.Add(ttl+time.Hour), 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("concurrent joins never exceed capacity", func(t *testing.T) {
		h := newHarness(t)
		r := newResource(t, h, 5)

		var wg sync.WaitGroup
		var mu sync.Mutex
		offered := 0
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				e, err := join(t, h.store, r.ID, fmt.Sprintf("user-%d", i), base)
				if err != nil {
					return
				}
				if e.Status == domain.EntryStatusOffered {
					mu.Lock()
					offered++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 5, offered)
		assert.Equal(t, 5, reserved(t, h.store, r.ID))
	})
}
