package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Query is what the dispatcher asks the live-location feed.
type Query struct {
	Origin     models.Coord
	RadiusKm   float64
	Capability string
	Exclude    map[string]struct{}
	Limit      int
}

func (q Query) excluded(id string) bool {
	_, ok := q.Exclude[id]
	return ok
}

// Locator finds candidates that are online, available, capability-matched,
// freshly located and inside the radius. Implementations never return an
// error: an unreachable feed is reported as no candidates.
type Locator interface {
	FindEligible(ctx context.Context, q Query) []models.Candidate
}

// Upserter accepts location snapshots from the ingest path.
type Upserter interface {
	Upsert(ctx context.Context, c models.Candidate) error
}

// Index is an in-process live-location index. Fine for a single node and for
// tests; RedisGeo is the shared one.
type Index struct {
	mu        sync.RWMutex
	drivers   map[string]models.Candidate
	freshness time.Duration
	now       func() time.Time
}

func NewIndex(freshness time.Duration) *Index {
	return &Index{drivers: make(map[string]models.Candidate), freshness: freshness, now: time.Now}
}

func (g *Index) Upsert(_ context.Context, c models.Candidate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c.Updated.IsZero() {
		c.Updated = g.now()
	}
	g.drivers[c.ID] = c
	return nil
}

// naive scan; in prod use the redis index
func (g *Index) FindEligible(_ context.Context, q Query) []models.Candidate {
	g.mu.RLock()
	defer g.mu.RUnlock()
	now := g.now()
	out := make([]models.Candidate, 0, len(g.drivers))
	for _, c := range g.drivers {
		if !Eligible(c, q, now, g.freshness) {
			continue
		}
		c.DistanceKm = HaversineKm(q.Origin, c.Loc)
		if c.DistanceKm > q.RadiusKm {
			continue
		}
		out = append(out, c)
	}
	sortByDistance(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// Eligible applies every locator filter except the radius.
func Eligible(c models.Candidate, q Query, now time.Time, freshness time.Duration) bool {
	if !c.Online || !c.Available {
		return false
	}
	if q.excluded(c.ID) {
		return false
	}
	if !c.HasCapability(q.Capability) {
		return false
	}
	// a stale location counts as no location
	if c.Updated.IsZero() || (freshness > 0 && now.Sub(c.Updated) > freshness) {
		return false
	}
	return true
}

func sortByDistance(cs []models.Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].DistanceKm != cs[j].DistanceKm {
			return cs[i].DistanceKm < cs[j].DistanceKm
		}
		return cs[i].ID < cs[j].ID
	})
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

func HaversineKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000
}
