package matcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/models"
)

func ranked(cs []models.Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func TestChooseHigherRatingIfETAEqual(t *testing.T) {
	cands := []models.Candidate{
		{ID: "A", Rating: 4.0, DistanceKm: 1, ETASeconds: 120},
		{ID: "B", Rating: 5.0, DistanceKm: 1, ETASeconds: 120},
	}
	got := Rank(cands, 5, config.DefaultRankingConfig())
	assert.Equal(t, []string{"B", "A"}, ranked(got))
}

func TestProximityOutweighsExperience(t *testing.T) {
	cfg := config.DefaultRankingConfig()
	near := models.Candidate{ID: "near", Rating: 4.5, CompletedJobs: 10, DistanceKm: 0.2, ETASeconds: 30}
	far := models.Candidate{ID: "far", Rating: 4.5, CompletedJobs: 200, DistanceKm: 4.8, ETASeconds: 700}
	got := Rank([]models.Candidate{far, near}, 5, cfg)
	assert.Equal(t, []string{"near", "far"}, ranked(got))
}

func TestScoreTermsAreBounded(t *testing.T) {
	cfg := config.RankingConfig{MaxRating: 5, ExperienceCap: 100, ETACap: 10 * time.Minute}

	best := models.Candidate{Rating: 5, CompletedJobs: 1000, DistanceKm: 0, ETASeconds: 0}
	assert.InDelta(t, 1.0, Score(best, 5, cfg), 1e-9)

	worst := models.Candidate{Rating: 0, CompletedJobs: 0, DistanceKm: 50, ETASeconds: 3600}
	assert.InDelta(t, 0.0, Score(worst, 5, cfg), 1e-9)

	half := models.Candidate{Rating: 2.5, CompletedJobs: 50, DistanceKm: 2.5, ETASeconds: 300}
	assert.InDelta(t, 0.5, Score(half, 5, cfg), 1e-9)
}

func TestRankTiesBreakByID(t *testing.T) {
	same := func(id string) models.Candidate {
		return models.Candidate{ID: id, Rating: 4, CompletedJobs: 20, DistanceKm: 1, ETASeconds: 90}
	}
	in := []models.Candidate{same("d3"), same("d1"), same("d2")}
	cfg := config.DefaultRankingConfig()

	first := Rank(in, 5, cfg)
	require.Equal(t, []string{"d1", "d2", "d3"}, ranked(first))
	for i := 0; i < 10; i++ {
		assert.Equal(t, ranked(first), ranked(Rank(in, 5, cfg)))
	}
	assert.Equal(t, "d3", in[0].ID, "input left untouched")
}

func TestRankEmpty(t *testing.T) {
	assert.Empty(t, Rank(nil, 5, config.DefaultRankingConfig()))
}
