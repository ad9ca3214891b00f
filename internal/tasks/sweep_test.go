package tasks

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockReconciler struct {
	mock.Mock
}

func (m *MockReconciler) Sweep(ctx context.Context, limit int) (int, error) {
	args := m.Called(ctx, limit)
	return args.Int(0), args.Error(1)
}

func (m *MockReconciler) ReconcileResource(ctx context.Context, resourceID string) (int, error) {
	args := m.Called(ctx, resourceID)
	return args.Int(0), args.Error(1)
}

func newMux(offers Reconciler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	NewHandlers(offers, 50, nil).Register(mux)
	return mux
}

func TestOfferSweepTask(t *testing.T) {
	tests := []struct {
		name      string
		batchSize int
		wantLimit int
	}{
		{"explicit batch", 25, 25},
		{"default batch", 0, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offers := new(MockReconciler)
			offers.On("Sweep", mock.Anything, tt.wantLimit).Return(3, nil).Once()

			task, err := NewSweepTask(tt.batchSize)
			require.NoError(t, err)
			assert.Equal(t, TypeOfferSweep, task.Type())

			require.NoError(t, newMux(offers).ProcessTask(context.Background(), task))
			offers.AssertExpectations(t)
		})
	}
}

func TestOfferSweepTask_Failures(t *testing.T) {
	offers := new(MockReconciler)
	offers.On("Sweep", mock.Anything, 50).Return(0, errors.New("db down"))
	mux := newMux(offers)

	task, err := NewSweepTask(0)
	require.NoError(t, err)
	err = mux.ProcessTask(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)

	err = mux.ProcessTask(context.Background(), asynq.NewTask(TypeOfferSweep, []byte("not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestResourceReconcileTask(t *testing.T) {
	offers := new(MockReconciler)
	offers.On("ReconcileResource", mock.Anything, "show-1").Return(1, nil).Once()
	mux := newMux(offers)

	task, err := NewReconcileTask("show-1")
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), task))
	offers.AssertExpectations(t)

	_, err = NewReconcileTask("")
	assert.Error(t, err)

	err = mux.ProcessTask(context.Background(), asynq.NewTask(TypeResourceReconcile, []byte(`{}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
