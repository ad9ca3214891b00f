package di

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/abhirambsn/mo-ticket/internal/clock"
	"github.com/abhirambsn/mo-ticket/internal/domain"
	"github.com/abhirambsn/mo-ticket/internal/gateway"
	"github.com/abhirambsn/mo-ticket/internal/middleware"
	"github.com/abhirambsn/mo-ticket/internal/repository"
	"github.com/abhirambsn/mo-ticket/internal/service"
	"github.com/abhirambsn/mo-ticket/pkg/logger"
	"github.com/abhirambsn/mo-ticket/pkg/redis"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap/zaptest"
)

const (
	jwtSecret     = "test-secret"
	webhookSecret = "whsec_test"
)

var start = time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)

type app struct {
	store   *repository.MemoryStore
	gateway *gateway.MockGateway
	clock   *clock.Manual
	router  *gin.Engine
}

func newApp(t *testing.T, rdb *redis.Client) *app {
	t.Helper()
	gin.SetMode(gin.TestMode)

	a := &app{
		store:   repository.NewMemoryStore(),
		gateway: gateway.NewMockGateway(),
		clock:   clock.NewManual(start),
	}
	c := NewContainer(&ContainerConfig{
		Redis:         rdb,
		Store:         a.store,
		Payments:      a.gateway,
		Refunds:       a.gateway,
		Clock:         a.clock,
		Logger:        &logger.Logger{Logger: zaptest.NewLogger(t)},
		Offers:        &service.OfferManagerConfig{OfferTTL: 30 * time.Minute},
		WebhookSecret: webhookSecret,
		Auth:          middleware.AuthConfig{Secret: jwtSecret},
	})
	t.Cleanup(func() { _ = c.Close() })
	a.router = c.Router()

	a.store.PutResource(&domain.Resource{
		ID:                  "show-1",
		OwnerID:             "owner",
		Name:                "Late show",
		Capacity:            1,
		PriceCents:          4200,
		Currency:            "usd",
		OwnerPaymentAccount: "acct_owner",
		CreatedAt:           start,
	})
	return a
}

func token(t *testing.T, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return s
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func (a *app) call(t *testing.T, method, path, user string, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(w.Body.Bytes(), &env)
	}
	return w, env
}

func (a *app) pay(t *testing.T, req *gateway.CheckoutRequest, paymentIntent string) *httptest.ResponseRecorder {
	t.Helper()
	meta, err := json.Marshal(req.Metadata())
	require.NoError(t, err)
	payload := []byte(fmt.Sprintf(`{
  "id": "evt_%s",
  "object": "event",
  "type": "checkout.session.completed",
  "data": {
    "object": {
      "id": "cs_%s",
      "object": "checkout.session",
      "payment_status": "paid",
      "amount_total": %d,
      "payment_intent": %q,
      "metadata": %s
    }
  }
}`, paymentIntent, paymentIntent, req.AmountCents, paymentIntent, meta))

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: webhookSecret})
	httpReq := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(payload))
	httpReq.Header.Set("Stripe-Signature", signed.Header)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, httpReq)
	return w
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	a := newApp(t, nil)

	w, _ := a.call(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = a.call(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "waitlist_grants_issued_total")

	w, env := a.call(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestRouter_RequiresBearerToken(t *testing.T) {
	a := newApp(t, nil)

	w, _ := a.call(t, http.MethodPost, "/api/v1/resources/show-1/waitlist", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
}

func TestRouter_WaitlistToGrantToCancellation(t *testing.T) {
	a := newApp(t, nil)

	w, env := a.call(t, http.MethodPost, "/api/v1/resources/show-1/waitlist", "alice", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.True(t, env.Success)

	w, _ = a.call(t, http.MethodPost, "/api/v1/resources/show-1/waitlist", "bob", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w, env = a.call(t, http.MethodGet, "/api/v1/resources/show-1/availability", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var avail struct {
		Remaining int  `json:"remaining"`
		SoldOut   bool `json:"sold_out"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &avail))
	assert.Equal(t, 0, avail.Remaining)
	assert.True(t, avail.SoldOut)

	// bob is still waiting and cannot check out
	w, env = a.call(t, http.MethodPost, "/api/v1/resources/show-1/checkout", "bob", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	require.NotNil(t, env.Error)

	w, _ = a.call(t, http.MethodPost, "/api/v1/resources/show-1/checkout", "alice", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sessions := a.gateway.Sessions()
	require.Len(t, sessions, 1)

	w = a.pay(t, sessions[0], "pi_alice")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, env = a.call(t, http.MethodGet, "/api/v1/resources/show-1/grants/me", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var grant domain.Grant
	require.NoError(t, json.Unmarshal(env.Data, &grant))
	assert.Equal(t, domain.GrantStatusValid, grant.Status)
	assert.Equal(t, "pi_alice", grant.ExternalPaymentRef)

	// a replayed webhook does not issue twice
	w = a.pay(t, sessions[0], "pi_alice")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = a.call(t, http.MethodGet, "/api/v1/resources/show-1/grants", "alice", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, env = a.call(t, http.MethodGet, "/api/v1/resources/show-1/grants", "owner", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var grants []domain.Grant
	require.NoError(t, json.Unmarshal(env.Data, &grants))
	assert.Len(t, grants, 1)

	w, env = a.call(t, http.MethodPost, "/api/v1/resources/show-1/cancel", "owner", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result service.CancelResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, []string{grant.ID}, result.RefundedGrantIDs)
	assert.Equal(t, []string{"pi_alice"}, a.gateway.Refunds())

	w, _ = a.call(t, http.MethodPost, "/api/v1/resources/show-1/waitlist", "carol", nil)
	assert.Equal(t, http.StatusGone, w.Code)
}

func TestRouter_OfferLapsesAndPassesOn(t *testing.T) {
	a := newApp(t, nil)

	w, _ := a.call(t, http.MethodPost, "/api/v1/resources/show-1/waitlist", "alice", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	w, _ = a.call(t, http.MethodPost, "/api/v1/resources/show-1/waitlist", "bob", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w, _ = a.call(t, http.MethodPost, "/api/v1/resources/show-1/checkout", "alice", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	session := a.gateway.Sessions()[0]

	a.clock.Advance(31 * time.Minute)

	// the late payment is refunded and issues nothing
	w = a.pay(t, session, "pi_late")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, a.gateway.Refunded("pi_late"))

	w, env := a.call(t, http.MethodGet, "/api/v1/resources/show-1/waitlist/me", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var entry domain.WaitlistEntry
	require.NoError(t, json.Unmarshal(env.Data, &entry))
	assert.Equal(t, domain.EntryStatusOffered, entry.Status)

	w, _ = a.call(t, http.MethodGet, "/api/v1/resources/show-1/grants/me", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_CancelIsIdempotentWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rdb.Close() })
	a := newApp(t, rdb)

	headers := map[string]string{"X-Idempotency-Key": "cancel-show-1"}
	w, env := a.call(t, http.MethodPost, "/api/v1/resources/show-1/cancel", "owner", headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var first service.CancelResult
	require.NoError(t, json.Unmarshal(env.Data, &first))
	assert.False(t, first.AlreadyCancelled)

	w, env = a.call(t, http.MethodPost, "/api/v1/resources/show-1/cancel", "owner", headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get("Idempotent-Replayed"))
	var replay service.CancelResult
	require.NoError(t, json.Unmarshal(env.Data, &replay))
	assert.False(t, replay.AlreadyCancelled)

	// without the key the cascade runs again and reports the earlier cancel
	w, env = a.call(t, http.MethodPost, "/api/v1/resources/show-1/cancel", "owner", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var again service.CancelResult
	require.NoError(t, json.Unmarshal(env.Data, &again))
	assert.True(t, again.AlreadyCancelled)
}
