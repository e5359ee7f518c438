package matcher

import (
	"context"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// HandleResponse applies a candidate's accept or decline. A decline closes a
// still-pending attempt and nothing else. An accept either wins the request
// or returns ErrStaleAcceptRejected after telling the candidate the request
// is gone.
func (s *Service) HandleResponse(ctx context.Context, resp models.Response) error {
	if resp.RequestID == "" || resp.CandidateID == "" || resp.Batch <= 0 {
		return fmt.Errorf("%w: request, candidate and batch are required", ErrInvalidResponse)
	}
	switch resp.Decision {
	case models.DecisionDecline:
		return s.decline(ctx, resp)
	case models.DecisionAccept:
		return s.accept(ctx, resp)
	default:
		return fmt.Errorf("%w: unknown decision %q", ErrInvalidResponse, resp.Decision)
	}
}

func (s *Service) decline(ctx context.Context, resp models.Response) error {
	ok, err := s.store.CloseAttempt(ctx, resp.RequestID, resp.CandidateID, resp.Batch, models.AttemptDeclined)
	if err != nil {
		return fmt.Errorf("%w: decline: %w", ErrPersistenceFailure, err)
	}
	if ok {
		observability.AttemptsClosed.WithLabelValues(string(models.AttemptDeclined)).Inc()
		s.logger.Debug("offer declined", "request_id", resp.RequestID, "candidate_id", resp.CandidateID, "batch", resp.Batch)
	}
	return nil
}

func (s *Service) accept(ctx context.Context, resp models.Response) error {
	log := s.logger.With("request_id", resp.RequestID, "candidate_id", resp.CandidateID, "batch", resp.Batch)

	ok, superseded, err := s.machine.Assign(ctx, resp.RequestID, resp.CandidateID, resp.Batch)
	if err != nil {
		return s.storeErr(err)
	}
	if !ok {
		observability.StaleAccepts.Inc()
		log.Info("late accept rejected")
		s.send(ctx, resp.CandidateID, models.CandidateMessage{Type: models.MessageUnavailable, RequestID: resp.RequestID, Batch: resp.Batch})
		return ErrStaleAcceptRejected
	}

	s.timers.Cancel(resp.RequestID)
	observability.AttemptsClosed.WithLabelValues(string(models.AttemptAccepted)).Inc()
	observability.AttemptsClosed.WithLabelValues(string(models.AttemptSuperseded)).Add(float64(len(superseded)))
	s.withdraw(ctx, resp.RequestID, superseded)
	s.send(ctx, resp.CandidateID, models.CandidateMessage{Type: models.MessageAssigned, RequestID: resp.RequestID, Batch: resp.Batch})

	req, err := s.store.GetRequest(ctx, resp.RequestID)
	if err != nil {
		// the assignment stands; only the notification loses its details
		log.Error("reload assigned request", "error", err)
		req = &models.Request{ID: resp.RequestID}
	} else if !req.CreatedAt.IsZero() {
		observability.TimeToAssign.Observe(s.now().Sub(req.CreatedAt).Seconds())
	}
	info, _ := s.store.LastBatch(ctx, resp.RequestID)
	observability.SearchOutcomes.WithLabelValues(string(models.OutcomeAssigned), "").Inc()
	s.notifier.Notify(ctx, s.outcome(req, models.OutcomeAssigned, resp.CandidateID, "", info.Number))
	log.Info("request assigned", "superseded", len(superseded))
	return nil
}
