// Package lifecycle owns the request status. Every change names the status it
// expects to replace and is applied by the store as a compare-and-set.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = storage.ErrNotFound
)

type Machine struct {
	store storage.Store
}

func NewMachine(store storage.Store) *Machine {
	return &Machine{store: store}
}

// Transition moves the request from -> to. It reports false when the request
// was no longer in from; a transition missing from the table is an error.
// Assignment needs a winning attempt and only goes through Assign.
func (m *Machine) Transition(ctx context.Context, requestID string, from, to models.Status) (bool, error) {
	if !models.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if to == models.StatusAssigned {
		return false, fmt.Errorf("%w: %s -> %s needs an accepted attempt", ErrInvalidTransition, from, to)
	}
	ok, err := m.store.CompareAndSetStatus(ctx, requestID, from, to)
	if err != nil {
		return false, fmt.Errorf("transition %s %s -> %s: %w", requestID, from, to, err)
	}
	return ok, nil
}

// Assign is the searching -> assigned transition. It goes through the store's
// accept step so the winning attempt and the request move together; the
// returned ids are the candidates whose pending attempts were superseded.
func (m *Machine) Assign(ctx context.Context, requestID, candidateID string, batch int) (bool, []string, error) {
	ok, superseded, err := m.store.AcceptAttempt(ctx, requestID, candidateID, batch)
	if err != nil {
		return false, nil, fmt.Errorf("assign %s to %s: %w", requestID, candidateID, err)
	}
	return ok, superseded, nil
}

// Advance drives an assigned trip forward one step at a time:
// assigned -> en_route_to_origin -> in_progress -> completed.
func (m *Machine) Advance(ctx context.Context, requestID string, to models.Status) (bool, error) {
	switch to {
	case models.StatusEnRouteToOrigin, models.StatusInProgress, models.StatusCompleted:
	default:
		return false, fmt.Errorf("%w: %s is not a trip progression status", ErrInvalidTransition, to)
	}
	req, err := m.store.GetRequest(ctx, requestID)
	if err != nil {
		return false, err
	}
	return m.Transition(ctx, requestID, req.Status, to)
}

// Cancel moves a searching or assigned request to cancelled. It returns the
// snapshot read before the change so callers can reach a previously assigned
// provider.
func (m *Machine) Cancel(ctx context.Context, requestID string) (*models.Request, bool, error) {
	req, err := m.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, false, err
	}
	ok, err := m.Transition(ctx, requestID, req.Status, models.StatusCancelled)
	return req, ok, err
}

func (m *Machine) Get(ctx context.Context, requestID string) (*models.Request, error) {
	return m.store.GetRequest(ctx, requestID)
}
