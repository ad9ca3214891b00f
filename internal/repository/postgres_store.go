package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abhirambsn/mo-ticket/internal/domain"
	"github.com/abhirambsn/mo-ticket/pkg/telemetry"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
)

const (
	resourceColumns = `id, owner_id, name, description, capacity, price_cents, currency,
		owner_payment_account, active_until, is_cancelled, cancelled_at, created_at`
	entryColumns = `id::text, resource_id, requester_id, status, offer_expires_at, created_at, updated_at`
	grantColumns = `id::text, resource_id, requester_id, waitlist_entry_id::text, status,
		external_payment_ref, amount_cents, issued_at, refunded_at`
)

var errDuplicatePaymentRef = errors.New("payment ref already redeemed")

// PostgresStore implements Store on PostgreSQL with pgxpool. Every
// multi-row transition runs in one transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, fn)
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// UpsertResource creates or updates a resource. The ledger row is created
// by a trigger on first insert.
func (s *PostgresStore) UpsertResource(ctx context.Context, r *domain.Resource) error {
	query := `
		INSERT INTO resources (
			id, owner_id, name, description, capacity, price_cents, currency,
			owner_payment_account, active_until, is_cancelled, cancelled_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			capacity = EXCLUDED.capacity,
			price_cents = EXCLUDED.price_cents,
			currency = EXCLUDED.currency,
			owner_payment_account = EXCLUDED.owner_payment_account,
			active_until = EXCLUDED.active_until
	`
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, query,
		r.ID, r.OwnerID, r.Name, r.Description, r.Capacity, r.PriceCents, r.Currency,
		r.OwnerPaymentAccount, r.ActiveUntil, r.IsCancelled, r.CancelledAt, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert resource: %w", err)
	}
	return nil
}

func scanResource(row pgx.Row) (*domain.Resource, error) {
	r := &domain.Resource{}
	err := row.Scan(
		&r.ID, &r.OwnerID, &r.Name, &r.Description, &r.Capacity, &r.PriceCents, &r.Currency,
		&r.OwnerPaymentAccount, &r.ActiveUntil, &r.IsCancelled, &r.CancelledAt, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func scanEntry(row pgx.Row) (*domain.WaitlistEntry, error) {
	e := &domain.WaitlistEntry{}
	var status string
	err := row.Scan(&e.ID, &e.ResourceID, &e.RequesterID, &status, &e.OfferExpiresAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = domain.EntryStatus(status)
	return e, nil
}

func scanGrant(row pgx.Row) (*domain.Grant, error) {
	g := &domain.Grant{}
	var status string
	err := row.Scan(
		&g.ID, &g.ResourceID, &g.RequesterID, &g.WaitlistEntryID, &status,
		&g.ExternalPaymentRef, &g.AmountCents, &g.IssuedAt, &g.RefundedAt,
	)
	if err != nil {
		return nil, err
	}
	g.Status = domain.GrantStatus(status)
	return g, nil
}

func resourceNotFound(id string) error {
	return domain.Errorf(domain.KindNotFound, "resource %s not found", id)
}

func entryNotFound(id string) error {
	return domain.Errorf(domain.KindNotFound, "waitlist entry %s not found", id)
}

func (s *PostgresStore) getResource(ctx context.Context, q querier, resourceID string, lock bool) (*domain.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE id = $1`
	if lock {
		query += ` FOR SHARE`
	}
	r, err := scanResource(q.QueryRow(ctx, query, resourceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, resourceNotFound(resourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return r, nil
}

// GetResource retrieves a resource by its ID
func (s *PostgresStore) GetResource(ctx context.Context, resourceID string) (r *domain.Resource, err error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.resource.get")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(attribute.String("resource_id", resourceID))

	return s.getResource(ctx, s.pool, resourceID, false)
}

// MarkResourceCancelled sets is_cancelled only while no VALID or USED grant remains.
// The row lock waits out in-flight purchases, which hold the resource FOR SHARE,
// and the grant check runs as its own statement so it sees their commits.
func (s *PostgresStore) MarkResourceCancelled(ctx context.Context, resourceID string, now time.Time) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.resource.mark_cancelled")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(attribute.String("resource_id", resourceID))

	return s.withTx(ctx, func(tx pgx.Tx) error {
		var cancelled bool
		err := tx.QueryRow(ctx,
			`SELECT is_cancelled FROM resources WHERE id = $1 FOR UPDATE`, resourceID).Scan(&cancelled)
		if errors.Is(err, pgx.ErrNoRows) {
			return resourceNotFound(resourceID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock resource: %w", err)
		}
		if cancelled {
			return nil
		}

		var outstanding bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM grants
				WHERE resource_id = $1 AND status IN ('VALID', 'USED')
			)`, resourceID).Scan(&outstanding); err != nil {
			return fmt.Errorf("failed to check outstanding grants: %w", err)
		}
		if outstanding {
			return ErrGrantsOutstanding
		}

		if _, err := tx.Exec(ctx, `
			UPDATE resources SET is_cancelled = TRUE, cancelled_at = $2
			WHERE id = $1`, resourceID, now); err != nil {
			return fmt.Errorf("failed to cancel resource: %w", err)
		}
		return nil
	})
}

// Availability returns capacity and reserved units of a resource
func (s *PostgresStore) Availability(ctx context.Context, resourceID string) (a *domain.Availability, err error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.ledger.availability")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(attribute.String("resource_id", resourceID))

	query := `
		SELECT r.capacity, COALESCE(l.reserved, 0)
		FROM resources r
		LEFT JOIN capacity_ledger l ON l.resource_id = r.id
		WHERE r.id = $1
	`
	a = &domain.Availability{ResourceID: resourceID}
	err = s.pool.QueryRow(ctx, query, resourceID).Scan(&a.Capacity, &a.Reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, resourceNotFound(resourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read availability: %w", err)
	}
	return a, nil
}

// tryReserve increments reserved iff it stays within capacity
func tryReserve(ctx context.Context, q querier, resourceID string, now time.Time) (bool, error) {
	query := `
		UPDATE capacity_ledger l
		SET reserved = l.reserved + 1, updated_at = $2
		FROM resources r
		WHERE l.resource_id = $1
		  AND r.id = l.resource_id
		  AND l.reserved < r.capacity
	`
	tag, err := q.Exec(ctx, query, resourceID, now)
	if err != nil {
		return false, fmt.Errorf("failed to reserve capacity: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// release decrements reserved by up to n, flooring at zero
func release(ctx context.Context, q querier, resourceID string, n int, now time.Time) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	query := `
		WITH prev AS (
			SELECT reserved FROM capacity_ledger WHERE resource_id = $1 FOR UPDATE
		)
		UPDATE capacity_ledger l
		SET reserved = l.reserved - LEAST(prev.reserved, $2::int), updated_at = $3
		FROM prev
		WHERE l.resource_id = $1
		RETURNING LEAST(prev.reserved, $2::int)
	`
	var released int
	err := q.QueryRow(ctx, query, resourceID, n, now).Scan(&released)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, resourceNotFound(resourceID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to release capacity: %w", err)
	}
	return released, nil
}

// TryReserve reserves one unit if capacity allows
func (s *PostgresStore) TryReserve(ctx context.Context, resourceID string) (ok bool, err error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.ledger.try_reserve")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(attribute.String("resource_id", resourceID))

	ok, err = tryReserve(ctx, s.pool, resourceID, time.Now())
	if err != nil || ok {
		return ok, err
	}
	if _, err := s.getResource(ctx, s.pool, resourceID, false); err != nil {
		return false, err
	}
	return false, nil
}

// Release gives one unit back, never going below zero
func (s *PostgresStore) Release(ctx context.Context, resourceID string) (ok bool, err error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.ledger.release")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(attribute.String("resource_id", resourceID))

	n, err := release(ctx, s.pool, resourceID, 1, time.Now())
	return n == 1, err
}

// Join inserts a new entry, OFFERED if a slot could be reserved and WAITING otherwise
func (s *PostgresStore) Join(ctx context.Context, p JoinParams) (entry *domain.WaitlistEntry, err error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.waitlist.join")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(
		attribute.String("resource_id", p.ResourceID),
		attribute.String("requester_id", p.RequesterID),
	)

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		r, err := s.getResource(ctx, tx, p.ResourceID, true)
		if err != nil {
			return err
		}
		if !r.AcceptsOffers(p.Now) {
			return domain.ErrResourceUnavailable
		}

		var granted bool
		err = tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM grants
				WHERE resource_id = $1 AND requester_id = $2 AND status IN ('VALID', 'USED')
			)`, p.ResourceID, p.RequesterID).Scan(&granted)
		if err != nil {
			return fmt.Errorf("failed to check grants: %w", err)
		}
		if granted {
			return domain.ErrAlreadyClaimed
		}

		reserved, err := tryReserve(ctx, tx, p.ResourceID, p.Now)
		if err != nil {
			return err
		}
		status := domain.EntryStatusWaiting
		var expiresAt *time.Time
		if reserved {
			status = domain.EntryStatusOffered
			expiresAt = &p.OfferExpiresAt
		}

		query := `
			INSERT INTO waitlist_entries (id, resource_id, requester_id, status, offer_expires_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			RETURNING ` + entryColumns
		entry, err = scanEntry(tx.QueryRow(ctx, query,
			p.EntryID, p.ResourceID, p.RequesterID, string(status), expiresAt, p.Now))
		if _, dup := uniqueViolation(err); dup {
			// the active-claim index rolls back the reservation with the tx
			return domain.ErrAlreadyClaimed
		}
		if err != nil {
			return fmt.Errorf("failed to insert waitlist entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// GetEntry retrieves an entry by its ID
func (s *PostgresStore) GetEntry(ctx context.Context, entryID string) (e *domain.WaitlistEntry, err error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.waitlist.get_entry")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(attribute.String("entry_id", entryID))

	return s.getEntry(ctx, s.pool, entryID, false)
}

func (s *PostgresStore) getEntry(ctx context.Context, q querier, entryID string, lock bool) (*domain.WaitlistEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM waitlist_entries WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	e, err := scanEntry(q.QueryRow(ctx, query, entryID))
	if errors.Is(err, pgx.ErrNoRows) || invalidText(err) {
		return nil, entryNotFound(entryID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get waitlist entry: %w", err)
	}
	return e, nil
}

// LatestEntry returns the requester's most recent entry on the resource
func (s *PostgresStore) LatestEntry(ctx context.Context, resourceID, requesterID string) (e *domain.WaitlistEntry, err error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.waitlist.latest_entry")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(
		attribute.String("resource_id", resourceID),
		attribute.String("requester_id", requesterID),
	)

	query := `
		SELECT ` + entryColumns + `
		FROM waitlist_entries
		WHERE resource_id = $1 AND requester_id = $2
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`
	e, err = scanEntry(s.pool.QueryRow(ctx, query, resourceID, requesterID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.Errorf(domain.KindNotFound, "no waitlist entry for requester %s on resource %s", requesterID, resourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest waitlist entry: %w", err)
	}
	return e, nil
}

// HasActiveClaim reports whether the requester holds a WAITING or OFFERED
// entry or an outstanding grant on the resource
func (s *PostgresStore) HasActiveClaim(ctx context.Context, resourceID, requesterID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM waitlist_entries
			WHERE resource_id = $1 AND requester_id = $2 AND status IN ('WAITING', 'OFFERED')
		) OR EXISTS (
			SELECT 1 FROM grants
			WHERE resource_id = $1 AND requester_id = $2 AND status IN ('VALID', 'USED')
		)
	`
	var claimed bool
	if err := s.pool.QueryRow(ctx, query, resourceID, requesterID).Scan(&claimed); err != nil {
		return false, fmt.Errorf("failed to check active claim: %w", err)
	}
	return claimed, nil
}

// QueuePosition returns 1 + the number of active entries created before entry
func (s *PostgresStore) QueuePosition(ctx context.Context, entry *domain.WaitlistEntry) (int, error) {
	query := `
		SELECT COUNT(w.id) + 1
		FROM (SELECT created_at, seq FROM waitlist_entries WHERE id = $1) t
		LEFT JOIN waitlist_entries w
		  ON w.resource_id = $2
		 AND w.status IN ('WAITING', 'OFFERED')
		 AND (w.created_at, w.seq) < (t.created_at, t.seq)
		GROUP BY t.seq
	`
	var position int
	err := s.pool.QueryRow(ctx, query, entry.ID, entry.ResourceID).Scan(&position)
	if errors.Is(err, pgx.ErrNoRows) || invalidText(err) {
		return 0, entryNotFound(entry.ID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to compute queue position: %w", err)
	}
	return position, nil
}

// ExpireEntry locks the entry, flips it to EXPIRED if still expirable and
// releases its slot when it held one, all in one transaction
func (s *PostgresStore) ExpireEntry(ctx context.Context, p ExpireParams) (res *ExpireResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.waitlist.expire_entry")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(
		attribute.String("entry_id", p.EntryID),
		attribute.Bool("voluntary", p.Voluntary),
	)

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		e, err := s.getEntry(ctx, tx, p.EntryID, true)
		if err != nil {
			return err
		}
		prev := e.Status
		if !e.OfferExpired(p.Now) && !(p.Voluntary && prev.IsActive()) {
			res = &ExpireResult{Entry: e}
			return nil
		}

		e, err = scanEntry(tx.QueryRow(ctx, `
			UPDATE waitlist_entries SET status = 'EXPIRED', updated_at = $2
			WHERE id = $1
			RETURNING `+entryColumns, p.EntryID, p.Now))
		if err != nil {
			return fmt.Errorf("failed to expire waitlist entry: %w", err)
		}
		res = &ExpireResult{Entry: e, Transitioned: true}

		if prev == domain.EntryStatusOffered {
			n, err := release(ctx, tx, e.ResourceID, 1, p.Now)
			if err != nil {
				return err
			}
			res.Released = n == 1
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// PromoteNext offers a freed slot to the earliest WAITING entry
func (s *PostgresStore) PromoteNext(ctx context.Context, resourceID string, now, offerExpiresAt time.Time) (promoted *domain.WaitlistEntry, err error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.waitlist.promote_next")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(attribute.String("resource_id", resourceID))

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		r, err := s.getResource(ctx, tx, resourceID, true)
		if err != nil {
			return err
		}
		if !r.AcceptsOffers(now) {
			return nil
		}

		var nextID string
		err = tx.QueryRow(ctx, `
			SELECT id::text FROM waitlist_entries
			WHERE resource_id = $1 AND status = 'WAITING'
			ORDER BY created_at, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, resourceID).Scan(&nextID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select next waiting entry: %w", err)
		}

		reserved, err := tryReserve(ctx, tx, resourceID, now)
		if err != nil || !reserved {
			return err
		}

		promoted, err = scanEntry(tx.QueryRow(ctx, `
			UPDATE waitlist_entries
			SET status = 'OFFERED', offer_expires_at = $2, updated_at = $3
			WHERE id = $1
			RETURNING `+entryColumns, nextID, offerExpiresAt, now))
		if err != nil {
			return fmt.Errorf("failed to offer waitlist entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

// ListExpiredOffers returns lapsed OFFERED entries, oldest expiry first
func (s *PostgresStore) ListExpiredOffers(ctx context.Context, resourceID string, now time.Time, limit int) ([]*domain.WaitlistEntry, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.waitlist.list_expired_offers")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", limit))

	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + entryColumns + `
		FROM waitlist_entries
		WHERE status = 'OFFERED'
		  AND offer_expires_at <= $1
		  AND ($2 = '' OR resource_id = $2)
		ORDER BY offer_expires_at
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, now, resourceID, limit)
	if err != nil {
		telemetry.Fail(span, err)
		return nil, fmt.Errorf("failed to list expired offers: %w", err)
	}
	defer rows.Close()

	var entries []*domain.WaitlistEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			telemetry.Fail(span, err)
			return nil, fmt.Errorf("failed to scan waitlist entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		telemetry.Fail(span, err)
		return nil, fmt.Errorf("error iterating waitlist entries: %w", err)
	}

	telemetry.OK(span)
	return entries, nil
}

func (s *PostgresStore) grantByRef(ctx context.Context, q querier, paymentRef string) (*domain.Grant, error) {
	g, err := scanGrant(q.QueryRow(ctx, `SELECT `+grantColumns+` FROM grants WHERE external_payment_ref = $1`, paymentRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.Errorf(domain.KindNotFound, "no grant for payment %s", paymentRef)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return g, nil
}

// GetGrantByPaymentRef retrieves the grant issued for a payment
func (s *PostgresStore) GetGrantByPaymentRef(ctx context.Context, paymentRef string) (*domain.Grant, error) {
	return s.grantByRef(ctx, s.pool, paymentRef)
}

// GrantForRequester prefers an outstanding grant, then the most recent one
func (s *PostgresStore) GrantForRequester(ctx context.Context, resourceID, requesterID string) (*domain.Grant, error) {
	query := `
		SELECT ` + grantColumns + `
		FROM grants
		WHERE resource_id = $1 AND requester_id = $2
		ORDER BY (status IN ('VALID', 'USED')) DESC, issued_at DESC
		LIMIT 1
	`
	g, err := scanGrant(s.pool.QueryRow(ctx, query, resourceID, requesterID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.Errorf(domain.KindNotFound, "no grant for requester %s on resource %s", requesterID, resourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return g, nil
}

// ListOutstandingGrants returns VALID and USED grants on the resource
func (s *PostgresStore) ListOutstandingGrants(ctx context.Context, resourceID string) ([]*domain.Grant, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.grant.list_outstanding")
	defer span.End()
	span.SetAttributes(attribute.String("resource_id", resourceID))

	query := `
		SELECT ` + grantColumns + `
		FROM grants
		WHERE resource_id = $1 AND status IN ('VALID', 'USED')
		ORDER BY issued_at
	`
	rows, err := s.pool.Query(ctx, query, resourceID)
	if err != nil {
		telemetry.Fail(span, err)
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var grants []*domain.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			telemetry.Fail(span, err)
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		telemetry.Fail(span, err)
		return nil, fmt.Errorf("error iterating grants: %w", err)
	}

	telemetry.OK(span)
	return grants, nil
}

// Purchase flips an unexpired OFFERED entry to PURCHASED and inserts a VALID
// grant in one transaction. The unique index on external_payment_ref makes
// concurrent confirmations of one payment collapse into a single grant.
func (s *PostgresStore) Purchase(ctx context.Context, p PurchaseParams) (res *PurchaseResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.grant.purchase")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(
		attribute.String("entry_id", p.EntryID),
		attribute.String("payment_ref", p.ExternalPaymentRef),
	)

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		existing, err := s.grantByRef(ctx, tx, p.ExternalPaymentRef)
		if err == nil {
			res = &PurchaseResult{Grant: existing, Duplicate: true}
			return nil
		}
		if !domain.IsNotFoundError(err) {
			return err
		}

		e, err := s.getEntry(ctx, tx, p.EntryID, true)
		if err != nil {
			return err
		}
		if e.ResourceID != p.ResourceID {
			return entryNotFound(p.EntryID)
		}
		if !e.OwnedBy(p.RequesterID) {
			return domain.ErrForbidden
		}
		if err := purchasableAt(e, p.Now); err != nil {
			return err
		}

		r, err := s.getResource(ctx, tx, p.ResourceID, true)
		if err != nil {
			return err
		}
		if r.IsCancelled {
			return domain.ErrResourceUnavailable
		}

		tag, err := tx.Exec(ctx, `
			UPDATE waitlist_entries SET status = 'PURCHASED', updated_at = $2
			WHERE id = $1 AND status = 'OFFERED' AND offer_expires_at > $2`, p.EntryID, p.Now)
		if err != nil {
			return fmt.Errorf("failed to mark entry purchased: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return domain.ErrOfferNotActive
		}

		g, err := scanGrant(tx.QueryRow(ctx, `
			INSERT INTO grants (
				id, resource_id, requester_id, waitlist_entry_id, status,
				external_payment_ref, amount_cents, issued_at
			) VALUES ($1, $2, $3, $4, 'VALID', $5, $6, $7)
			RETURNING `+grantColumns,
			p.GrantID, p.ResourceID, p.RequesterID, p.EntryID,
			p.ExternalPaymentRef, p.AmountCents, p.Now))
		if constraint, dup := uniqueViolation(err); dup {
			switch constraint {
			case "uq_grants_payment_ref":
				return errDuplicatePaymentRef
			case "uq_grants_outstanding":
				return domain.ErrAlreadyClaimed
			default:
				return domain.ErrOfferNotActive
			}
		}
		if err != nil {
			return fmt.Errorf("failed to insert grant: %w", err)
		}
		res = &PurchaseResult{Grant: g}
		return nil
	})

	if errors.Is(err, errDuplicatePaymentRef) {
		// a concurrent confirmation of the same payment won
		existing, err := s.grantByRef(ctx, s.pool, p.ExternalPaymentRef)
		if err != nil {
			return nil, err
		}
		return &PurchaseResult{Grant: existing, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// MarkGrantsRefunded flips the listed outstanding grants to REFUNDED and
// releases one ledger unit per grant flipped
func (s *PostgresStore) MarkGrantsRefunded(ctx context.Context, resourceID string, grantIDs []string, now time.Time) (n int, err error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.grant.mark_refunded")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(
		attribute.String("resource_id", resourceID),
		attribute.Int("grant_count", len(grantIDs)),
	)

	if len(grantIDs) == 0 {
		return 0, nil
	}

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE grants SET status = 'REFUNDED', refunded_at = $3
			WHERE resource_id = $1
			  AND id = ANY($2::uuid[])
			  AND status IN ('VALID', 'USED')`, resourceID, grantIDs, now)
		if err != nil {
			return fmt.Errorf("failed to mark grants refunded: %w", err)
		}
		n = int(tag.RowsAffected())
		_, err = release(ctx, tx, resourceID, n, now)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
