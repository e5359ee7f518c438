package eta

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/models"
)

const maxParallelLookups = 8

// Refiner fills in DistanceKm/ETASeconds for located candidates. The geometric
// estimate is always computed; a routed estimate replaces it only when the
// provider answers in time. Refine never fails.
type Refiner struct {
	provider Provider // nil means geometric only
	cache    *Cache   // optional
	speedMps float64
	timeout  time.Duration
	logger   *slog.Logger
}

func NewRefiner(provider Provider, cache *Cache, speedMps float64, timeout time.Duration, logger *slog.Logger) *Refiner {
	return &Refiner{provider: provider, cache: cache, speedMps: speedMps, timeout: timeout, logger: logger}
}

func (r *Refiner) Refine(ctx context.Context, origin models.Coord, cands []models.Candidate) []models.Candidate {
	out := make([]models.Candidate, len(cands))
	copy(out, cands)
	for i := range out {
		est := Geometric(out[i].Loc, origin, r.speedMps)
		out[i].DistanceKm = est.DistanceKm
		out[i].ETASeconds = est.Seconds
	}
	if r.provider == nil {
		return out
	}

	lookupCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var g errgroup.Group
	g.SetLimit(maxParallelLookups)
	for i := range out {
		i := i
		g.Go(func() error {
			if est, ok := r.lookup(lookupCtx, out[i].Loc, origin); ok {
				out[i].DistanceKm = est.DistanceKm
				out[i].ETASeconds = est.Seconds
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (r *Refiner) lookup(ctx context.Context, from, to models.Coord) (Estimate, bool) {
	if r.cache != nil {
		if v, ok := r.cache.Get(from, to); ok {
			return v, true
		}
	}
	est, err := r.provider.Route(ctx, from, to)
	if err != nil {
		r.logger.Debug("routed eta unavailable, keeping geometric estimate", "error", err)
		return Estimate{}, false
	}
	if r.cache != nil {
		r.cache.Set(from, to, est)
	}
	return est, true
}
