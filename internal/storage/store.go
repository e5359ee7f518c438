package storage

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("request not found")

// Store persists requests and their match attempts. Every mutation is
// conditional on an expected prior state; a false result means the condition
// did not hold, an error means the store itself failed.
type Store interface {
	CreateRequest(ctx context.Context, r *models.Request) error
	GetRequest(ctx context.Context, id string) (*models.Request, error)

	// SearchingRequests lists the ids of requests still in searching.
	SearchingRequests(ctx context.Context) ([]string, error)

	// CompareAndSetStatus moves a request from one status to another. The
	// assigned provider is kept only when the target status holds one.
	CompareAndSetStatus(ctx context.Context, id string, from, to models.Status) (bool, error)

	// InsertBatch stores a whole batch or nothing. It reports false when the
	// request is no longer searching, the batch number is not past the last
	// one, or any candidate was already contacted for the request.
	InsertBatch(ctx context.Context, attempts []models.MatchAttempt) (bool, error)

	// AcceptAttempt is the single-winner step: the attempt goes pending to
	// accepted and the request goes searching to assigned together, and every
	// other pending attempt of the request is superseded. It returns the
	// superseded candidate ids.
	AcceptAttempt(ctx context.Context, requestID, candidateID string, batch int) (bool, []string, error)

	// CloseAttempt moves one pending attempt to a closed status.
	CloseAttempt(ctx context.Context, requestID, candidateID string, batch int, to models.AttemptStatus) (bool, error)

	// ExpireBatch closes the batch's pending attempts as expired and returns their candidate ids.
	ExpireBatch(ctx context.Context, requestID string, batch int) ([]string, error)

	// SupersedePending closes every pending attempt of the request and returns their candidate ids.
	SupersedePending(ctx context.Context, requestID string) ([]string, error)

	Attempts(ctx context.Context, requestID string) ([]models.MatchAttempt, error)
	LastBatch(ctx context.Context, requestID string) (models.BatchInfo, error)
}

// ContactedIDs is the union of candidates across every batch of a request.
func ContactedIDs(attempts []models.MatchAttempt) map[string]struct{} {
	out := make(map[string]struct{}, len(attempts))
	for _, a := range attempts {
		out[a.CandidateID] = struct{}{}
	}
	return out
}
