package handler

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/abhirambsn/mo-ticket/internal/domain"
	"github.com/abhirambsn/mo-ticket/internal/middleware"
	"github.com/abhirambsn/mo-ticket/internal/service"
	"github.com/abhirambsn/mo-ticket/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// MockWaitlistService is a mock implementation of WaitlistService
type MockWaitlistService struct {
	mock.Mock
}

func (m *MockWaitlistService) Join(ctx context.Context, resourceID, requesterID string) (*service.JoinResult, error) {
	args := m.Called(ctx, resourceID, requesterID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.JoinResult), args.Error(1)
}

func (m *MockWaitlistService) Leave(ctx context.Context, resourceID, requesterID string) (*domain.WaitlistEntry, error) {
	args := m.Called(ctx, resourceID, requesterID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.WaitlistEntry), args.Error(1)
}

func (m *MockWaitlistService) Position(ctx context.Context, resourceID, requesterID string) (*domain.WaitlistEntry, error) {
	args := m.Called(ctx, resourceID, requesterID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.WaitlistEntry), args.Error(1)
}

func (m *MockWaitlistService) Availability(ctx context.Context, resourceID string) (*domain.Availability, error) {
	args := m.Called(ctx, resourceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Availability), args.Error(1)
}

func (m *MockWaitlistService) GrantForRequester(ctx context.Context, resourceID, requesterID string) (*domain.Grant, error) {
	args := m.Called(ctx, resourceID, requesterID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Grant), args.Error(1)
}

func (m *MockWaitlistService) ListValidGrants(ctx context.Context, resourceID, callerID string) ([]*domain.Grant, error) {
	args := m.Called(ctx, resourceID, callerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Grant), args.Error(1)
}

func (m *MockWaitlistService) GetResource(ctx context.Context, resourceID string) (*domain.Resource, error) {
	args := m.Called(ctx, resourceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Resource), args.Error(1)
}

// MockCheckoutService is a mock implementation of CheckoutService
type MockCheckoutService struct {
	mock.Mock
}

func (m *MockCheckoutService) CreateOffer(ctx context.Context, resourceID, requesterID string) (*service.CheckoutResult, error) {
	args := m.Called(ctx, resourceID, requesterID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.CheckoutResult), args.Error(1)
}

// MockCancellationCascade is a mock implementation of CancellationCascade
type MockCancellationCascade struct {
	mock.Mock
}

func (m *MockCancellationCascade) Cancel(ctx context.Context, resourceID, callerID string) (*service.CancelResult, error) {
	args := m.Called(ctx, resourceID, callerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.CancelResult), args.Error(1)
}

// MockTicketIssuer is a mock implementation of TicketIssuer
type MockTicketIssuer struct {
	mock.Mock
}

func (m *MockTicketIssuer) Purchase(ctx context.Context, req *service.PurchaseRequest) (*service.PurchaseResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.PurchaseResult), args.Error(1)
}

type testServices struct {
	waitlist *MockWaitlistService
	checkout *MockCheckoutService
	cascade  *MockCancellationCascade
}

func setupTestRouter(t *testing.T) (*gin.Engine, *testServices) {
	t.Helper()
	s := &testServices{
		waitlist: new(MockWaitlistService),
		checkout: new(MockCheckoutService),
		cascade:  new(MockCancellationCascade),
	}
	wh := NewWaitlistHandler(s.waitlist)
	ch := NewCheckoutHandler(s.checkout, s.cascade)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		if userID := c.GetHeader("X-User-ID"); userID != "" {
			c.Set(middleware.UserIDKey, userID)
		}
		c.Next()
	})

	resources := router.Group("/api/v1/resources/:id")
	{
		resources.POST("/waitlist", wh.Join)
		resources.DELETE("/waitlist", wh.Leave)
		resources.GET("/waitlist/me", wh.Position)
		resources.GET("/availability", wh.Availability)
		resources.GET("/grants/me", wh.MyGrant)
		resources.GET("/grants", wh.ListGrants)
		resources.POST("/checkout", ch.CreateCheckout)
		resources.POST("/cancel", ch.Cancel)
	}
	return router, s
}

func do(router *gin.Engine, method, path, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(""))
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) response.Response {
	t.Helper()
	var body response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}
