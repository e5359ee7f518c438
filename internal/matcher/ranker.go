package matcher

import (
	"math"
	"sort"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/models"
)

// Weights of the ranking terms; they sum to 1.
const (
	weightProximity  = 0.40
	weightQuality    = 0.25
	weightExperience = 0.20
	weightSpeed      = 0.15
)

// Score rates one candidate in [0,1]. DistanceKm and ETASeconds must already
// be filled in.
func Score(c models.Candidate, maxRadiusKm float64, cfg config.RankingConfig) float64 {
	var proximity, quality, experience, speed float64
	if maxRadiusKm > 0 {
		proximity = math.Max(0, (maxRadiusKm-c.DistanceKm)/maxRadiusKm)
	}
	if cfg.MaxRating > 0 {
		quality = clamp01(c.Rating / cfg.MaxRating)
	}
	if cfg.ExperienceCap > 0 {
		experience = math.Min(float64(c.CompletedJobs)/float64(cfg.ExperienceCap), 1)
	}
	if etaCap := cfg.ETACap.Seconds(); etaCap > 0 {
		speed = math.Max(0, (etaCap-c.ETASeconds)/etaCap)
	}
	return weightProximity*proximity + weightQuality*quality + weightExperience*experience + weightSpeed*speed
}

// Rank returns a best-first copy of cands. Equal scores fall back to id order
// so the same input always ranks the same way.
func Rank(cands []models.Candidate, maxRadiusKm float64, cfg config.RankingConfig) []models.Candidate {
	type scored struct {
		c     models.Candidate
		score float64
	}
	list := make([]scored, len(cands))
	for i, c := range cands {
		list[i] = scored{c: c, score: Score(c, maxRadiusKm, cfg)}
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		return list[i].c.ID < list[j].c.ID
	})
	out := make([]models.Candidate, len(list))
	for i, s := range list {
		out[i] = s.c
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
