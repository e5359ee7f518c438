// Package matcher finds a provider for a request: it opens batches of offers
// to the best-ranked nearby candidates, settles accepts so that exactly one
// wins, and escalates to the next batch when a batch's window closes.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const maxParallelSends = 8

// Channel delivers messages to one candidate. A failed send is treated as the
// candidate staying silent.
type Channel interface {
	Send(ctx context.Context, candidateID string, msg models.CandidateMessage) error
}

// Notifier publishes resolved searches. Fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, o models.Outcome)
}

// Refiner fills in distance and ETA for located candidates.
type Refiner interface {
	Refine(ctx context.Context, origin models.Coord, cands []models.Candidate) []models.Candidate
}

type Deps struct {
	Store    storage.Store
	Locator  geo.Locator
	Refiner  Refiner
	Channel  Channel
	Notifier Notifier
	Logger   *slog.Logger
}

type Service struct {
	store    storage.Store
	machine  *lifecycle.Machine
	locator  geo.Locator
	refiner  Refiner
	channel  Channel
	notifier Notifier
	timers   *TimeoutSupervisor
	cfg      config.DispatchConfig
	ranking  config.RankingConfig
	logger   *slog.Logger
	now      func() time.Time
	done     chan struct{}
}

// NewService returns a fully wired engine or an error naming what is missing.
func NewService(deps Deps, cfg config.DispatchConfig, ranking config.RankingConfig) (*Service, error) {
	var errs []error
	if deps.Store == nil {
		errs = append(errs, errors.New("matcher: store is required"))
	}
	if deps.Locator == nil {
		errs = append(errs, errors.New("matcher: locator is required"))
	}
	if deps.Refiner == nil {
		errs = append(errs, errors.New("matcher: refiner is required"))
	}
	if deps.Channel == nil {
		errs = append(errs, errors.New("matcher: channel is required"))
	}
	if deps.Notifier == nil {
		errs = append(errs, errors.New("matcher: notifier is required"))
	}
	errs = append(errs, cfg.Validate(), ranking.Validate())
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:    deps.Store,
		machine:  lifecycle.NewMachine(deps.Store),
		locator:  deps.Locator,
		refiner:  deps.Refiner,
		channel:  deps.Channel,
		notifier: deps.Notifier,
		cfg:      cfg,
		ranking:  ranking,
		logger:   logger.With("component", "matcher"),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	s.timers = NewTimeoutSupervisor(s.onBatchExpired)
	return s, nil
}

func (s *Service) Machine() *lifecycle.Machine { return s.machine }

// Close disarms every batch timer. Searches in flight stay in searching.
func (s *Service) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.timers.Stop()
}

// StartSearch opens the first batch for a request created in searching.
// Zero eligible candidates end the search in no_providers_available. Store
// faults are retried; when they persist the error is returned and a timer is
// armed to try batch 1 again, so the request is never left without one.
func (s *Service) StartSearch(ctx context.Context, requestID string) error {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		err = s.storeErr(err)
		if errors.Is(err, ErrPersistenceFailure) {
			s.retryLater(requestID, 0, s.cfg.PersistRetryDelay, err)
		}
		return err
	}
	if req.Status != models.StatusSearching {
		return fmt.Errorf("%w: cannot start search in %s", lifecycle.ErrInvalidTransition, req.Status)
	}
	delay, err := s.retryPersist(ctx, func() error { return s.openNextBatch(ctx, requestID) })
	if errors.Is(err, ErrPersistenceFailure) {
		s.retryLater(requestID, 0, delay, err)
	}
	return err
}

// Resume arms a timer for every request still searching, typically after a
// restart dropped the in-memory timers. A request whose last batch already
// expired escalates right away; one with no batch gets its first.
func (s *Service) Resume(ctx context.Context) (int, error) {
	ids, err := s.store.SearchingRequests(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: list searching requests: %w", ErrPersistenceFailure, err)
	}
	for _, id := range ids {
		info, err := s.store.LastBatch(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("%w: last batch of %s: %w", ErrPersistenceFailure, id, err)
		}
		s.timers.Arm(id, info.Number, info.ExpiresAt)
	}
	if len(ids) > 0 {
		s.logger.Info("searches resumed", "requests", len(ids))
	}
	return len(ids), nil
}

// Cancel moves the request to cancelled and closes out its search. It reports
// false when another transition got there first.
func (s *Service) Cancel(ctx context.Context, requestID string) (bool, error) {
	prev, ok, err := s.machine.Cancel(ctx, requestID)
	if err != nil {
		return false, s.storeErr(err)
	}
	if !ok {
		return false, nil
	}
	s.timers.Cancel(requestID)
	log := s.logger.With("request_id", requestID)

	superseded, err := s.store.SupersedePending(ctx, requestID)
	if err != nil {
		// accepts on these attempts already fail since the request left searching
		log.Error("supersede pending attempts after cancel", "error", err)
	}
	observability.AttemptsClosed.WithLabelValues(string(models.AttemptSuperseded)).Add(float64(len(superseded)))
	s.withdraw(ctx, requestID, superseded)

	provider := ""
	if prev.AssignedProvider != nil {
		provider = *prev.AssignedProvider
		s.send(ctx, provider, models.CandidateMessage{Type: models.MessageWithdrawn, RequestID: requestID})
	}

	info, _ := s.store.LastBatch(ctx, requestID)
	observability.SearchOutcomes.WithLabelValues(string(models.OutcomeCancelled), "").Inc()
	s.notifier.Notify(ctx, s.outcome(prev, models.OutcomeCancelled, provider, "", info.Number))
	log.Info("request cancelled", "previous_status", prev.Status)
	return true, nil
}

// openNextBatch locates, ranks and offers the request to the next batch of
// uncontacted candidates. A request that left searching is skipped silently.
// The returned error is always ErrPersistenceFailure; nothing is half-written
// when it is returned.
func (s *Service) openNextBatch(ctx context.Context, requestID string) error {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return s.storeErr(err)
	}
	log := s.logger.With("request_id", requestID)
	if req.Status != models.StatusSearching {
		log.Debug("request no longer searching, batch not opened", "status", req.Status)
		return nil
	}

	attempts, err := s.store.Attempts(ctx, requestID)
	if err != nil {
		return fmt.Errorf("%w: load attempts: %w", ErrPersistenceFailure, err)
	}
	last, err := s.store.LastBatch(ctx, requestID)
	if err != nil {
		return fmt.Errorf("%w: last batch: %w", ErrPersistenceFailure, err)
	}

	if s.deadlinePassed(req) {
		return s.giveUp(ctx, req, ErrSearchDeadlineExceeded, last.Number)
	}

	found := s.locator.FindEligible(ctx, geo.Query{
		Origin:     req.Origin,
		RadiusKm:   s.cfg.SearchRadiusKm,
		Capability: req.Capability,
		Exclude:    storage.ContactedIDs(attempts),
		Limit:      s.cfg.LocatorLimit,
	})
	if len(found) == 0 {
		reason := ErrCandidatesExhausted
		if last.Number == 0 {
			reason = ErrNoCandidatesFound
		}
		return s.giveUp(ctx, req, reason, last.Number)
	}

	ranked := Rank(s.refiner.Refine(ctx, req.Origin, found), s.cfg.SearchRadiusKm, s.ranking)
	if len(ranked) > s.cfg.BatchSize {
		ranked = ranked[:s.cfg.BatchSize]
	}

	now := s.now()
	expires := now.Add(s.cfg.OfferWindow)
	if expires.Before(last.ExpiresAt) {
		expires = last.ExpiresAt
	}
	number := last.Number + 1
	batch := make([]models.MatchAttempt, 0, len(ranked))
	for _, c := range ranked {
		batch = append(batch, models.MatchAttempt{
			ID:          uuid.NewString(),
			RequestID:   requestID,
			CandidateID: c.ID,
			Batch:       number,
			Status:      models.AttemptPending,
			DistanceKm:  c.DistanceKm,
			ETASeconds:  c.ETASeconds,
			CreatedAt:   now,
			ExpiresAt:   expires,
		})
	}

	ok, err := s.store.InsertBatch(ctx, batch)
	if err != nil {
		return fmt.Errorf("%w: insert batch %d: %w", ErrPersistenceFailure, number, err)
	}
	if !ok {
		log.Debug("batch not inserted, request resolved or batch already opened", "batch", number)
		return nil
	}
	observability.BatchesOpened.Inc()

	// armed before anyone hears about the offer, so an accept always finds the timer
	s.timers.Arm(requestID, number, expires)
	if cur, err := s.store.GetRequest(ctx, requestID); err == nil && cur.Status != models.StatusSearching {
		// resolved between the insert and the arm; its attempts are already closed
		s.timers.Cancel(requestID)
		log.Debug("request resolved while opening batch, offers not sent", "batch", number, "status", cur.Status)
		return nil
	}
	s.broadcast(ctx, req, batch)
	log.Info("batch opened", "batch", number, "candidates", len(batch), "expires_at", expires)
	return nil
}

func (s *Service) broadcast(ctx context.Context, req *models.Request, batch []models.MatchAttempt) {
	var g errgroup.Group
	g.SetLimit(maxParallelSends)
	for _, a := range batch {
		msg := models.CandidateMessage{
			Type:      models.MessageOffer,
			RequestID: req.ID,
			Batch:     a.Batch,
			Offer: &models.Offer{
				RequestID:    req.ID,
				Batch:        a.Batch,
				Kind:         req.Kind,
				Origin:       req.Origin,
				Destination:  req.Destination,
				Capability:   req.Capability,
				FareEstimate: req.FareEstimate,
				DistanceKm:   a.DistanceKm,
				ETASeconds:   a.ETASeconds,
				ExpiresAt:    a.ExpiresAt,
			},
		}
		candidateID := a.CandidateID
		g.Go(func() error {
			s.send(ctx, candidateID, msg)
			return nil
		})
	}
	_ = g.Wait()
}

// giveUp ends the search in no_providers_available with the given reason.
func (s *Service) giveUp(ctx context.Context, req *models.Request, reason error, batches int) error {
	ok, err := s.machine.Transition(ctx, req.ID, models.StatusSearching, models.StatusNoProvidersAvailable)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}
	if !ok {
		return nil
	}
	s.timers.Cancel(req.ID)
	if ids, err := s.store.SupersedePending(ctx, req.ID); err != nil {
		s.logger.Error("supersede pending attempts", "request_id", req.ID, "error", err)
	} else {
		observability.AttemptsClosed.WithLabelValues(string(models.AttemptSuperseded)).Add(float64(len(ids)))
		s.withdraw(ctx, req.ID, ids)
	}
	code := reasonCode(reason)
	observability.SearchOutcomes.WithLabelValues(string(models.OutcomeNoProvidersAvailable), code).Inc()
	s.notifier.Notify(ctx, s.outcome(req, models.OutcomeNoProvidersAvailable, "", code, batches))
	s.logger.Info("no providers available", "request_id", req.ID, "reason", code, "batches", batches)
	return nil
}

// onBatchExpired is the supervisor callback. Batch 0 means the first batch
// has yet to be opened.
func (s *Service) onBatchExpired(requestID string, batch int) {
	delay, err := s.retryPersist(context.Background(), func() error { return s.escalate(requestID, batch) })
	switch {
	case err == nil:
	case errors.Is(err, ErrPersistenceFailure):
		s.retryLater(requestID, batch, delay, err)
	default:
		s.logger.Warn("escalation aborted", "request_id", requestID, "batch", batch, "error", err)
	}
}

// retryPersist runs op until it succeeds, fails with anything other than a
// persistence fault, or uses up PersistRetries attempts with doubling delays.
// It returns the delay the next attempt would have waited.
func (s *Service) retryPersist(ctx context.Context, op func() error) (time.Duration, error) {
	delay := s.cfg.PersistRetryDelay
	var err error
	for i := 0; i < s.cfg.PersistRetries; i++ {
		if i > 0 {
			observability.PersistRetries.Inc()
			select {
			case <-s.done:
				return delay, err
			case <-ctx.Done():
				return delay, err
			case <-time.After(delay):
			}
			delay *= 2
		}
		err = op()
		if err == nil || !errors.Is(err, ErrPersistenceFailure) {
			return delay, err
		}
	}
	return delay, err
}

// retryLater re-arms the batch's timer so a request that hit persistent store
// faults is picked up again once delay has passed.
func (s *Service) retryLater(requestID string, batch int, delay time.Duration, err error) {
	s.logger.Error("store unavailable, retrying later", "request_id", requestID, "batch", batch, "retry_in", delay, "error", err)
	select {
	case <-s.done:
	default:
		s.timers.Arm(requestID, batch, s.now().Add(delay))
	}
}

func (s *Service) escalate(requestID string, batch int) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpTimeout)
	defer cancel()

	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return s.storeErr(err)
	}
	if req.Status != models.StatusSearching {
		return nil
	}
	if batch > 0 {
		expired, err := s.store.ExpireBatch(ctx, requestID, batch)
		if err != nil {
			return fmt.Errorf("%w: expire batch %d: %w", ErrPersistenceFailure, batch, err)
		}
		observability.AttemptsClosed.WithLabelValues(string(models.AttemptExpired)).Add(float64(len(expired)))
		s.withdraw(ctx, requestID, expired)
		s.logger.Debug("batch expired", "request_id", requestID, "batch", batch, "unanswered", len(expired))
	}
	return s.openNextBatch(ctx, requestID)
}

func (s *Service) deadlinePassed(req *models.Request) bool {
	if s.cfg.MaxSearchDuration <= 0 || req.CreatedAt.IsZero() {
		return false
	}
	return s.now().Sub(req.CreatedAt) >= s.cfg.MaxSearchDuration
}

func (s *Service) withdraw(ctx context.Context, requestID string, candidateIDs []string) {
	for _, id := range candidateIDs {
		s.send(ctx, id, models.CandidateMessage{Type: models.MessageWithdrawn, RequestID: requestID})
	}
}

func (s *Service) send(ctx context.Context, candidateID string, msg models.CandidateMessage) {
	if err := s.channel.Send(ctx, candidateID, msg); err != nil {
		observability.BroadcastFailures.Inc()
		s.logger.Warn("candidate message not delivered",
			"request_id", msg.RequestID, "candidate_id", candidateID, "type", msg.Type, "error", err)
	}
}

func (s *Service) outcome(req *models.Request, kind models.OutcomeKind, provider, reason string, batches int) models.Outcome {
	return models.Outcome{
		RequestID:    req.ID,
		Kind:         kind,
		ProviderID:   provider,
		Reason:       reason,
		Batches:      batches,
		Origin:       req.Origin,
		Destination:  req.Destination,
		Capability:   req.Capability,
		FareEstimate: req.FareEstimate,
		At:           s.now(),
	}
}

// storeErr keeps not-found and invalid transitions as they are and marks
// anything else as a persistence fault.
func (s *Service) storeErr(err error) error {
	if errors.Is(err, lifecycle.ErrNotFound) || errors.Is(err, lifecycle.ErrInvalidTransition) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
}
