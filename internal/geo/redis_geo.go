package geo

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Locator using Redis GEO commands plus one metadata hash
// per candidate.
type RedisGeo struct {
	client    *redis.Client
	key       string
	freshness time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewRedisGeo(client *redis.Client, key string, freshness time.Duration, logger *slog.Logger) *RedisGeo {
	return &RedisGeo{client: client, key: key, freshness: freshness, logger: logger, now: time.Now}
}

func (r *RedisGeo) Upsert(ctx context.Context, c models.Candidate) error {
	if c.Updated.IsZero() {
		c.Updated = r.now()
	}
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: c.Loc.Lon, Latitude: c.Loc.Lat, Name: c.ID})
	pipe.HSet(ctx, MetaKey(c.ID), MetaFields(c))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) FindEligible(ctx context.Context, q Query) []models.Candidate {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  q.Origin.Lon,
			Latitude:   q.Origin.Lat,
			Radius:     q.RadiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		r.logger.Warn("geo search failed, treating as no candidates", "error", err)
		return nil
	}

	ids := make([]models.Candidate, 0, len(res))
	for _, g := range res {
		if q.excluded(g.Name) {
			continue
		}
		ids = append(ids, models.Candidate{ID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}, DistanceKm: g.Dist})
	}
	if len(ids) == 0 {
		return nil
	}

	pipe := r.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(ids))
	for i, c := range ids {
		metas[i] = pipe.HGetAll(ctx, MetaKey(c.ID))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		r.logger.Warn("candidate metadata lookup failed, treating as no candidates", "error", err)
		return nil
	}

	now := r.now()
	out := make([]models.Candidate, 0, len(ids))
	for i, c := range ids {
		applyMeta(&c, metas[i].Val())
		if !Eligible(c, q, now, r.freshness) {
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

func MetaKey(id string) string { return "driver:meta:" + id }

// MetaFields is the hash layout shared with the ingest consumer.
func MetaFields(c models.Candidate) map[string]interface{} {
	return map[string]interface{}{
		"rating":         strconv.FormatFloat(c.Rating, 'f', -1, 64),
		"completed_jobs": strconv.Itoa(c.CompletedJobs),
		"online":         strconv.FormatBool(c.Online),
		"available":      strconv.FormatBool(c.Available),
		"capabilities":   strings.Join(c.Capabilities, ","),
		"updated":        c.Updated.UTC().Format(time.RFC3339Nano),
	}
}

func applyMeta(c *models.Candidate, m map[string]string) {
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Rating = f
		}
	}
	if v, ok := m["completed_jobs"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.CompletedJobs = n
		}
	}
	c.Online = m["online"] == "true"
	c.Available = m["available"] == "true"
	if v := m["capabilities"]; v != "" {
		c.Capabilities = strings.Split(v, ",")
	}
	if v, ok := m["updated"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			c.Updated = t
		}
	}
}
