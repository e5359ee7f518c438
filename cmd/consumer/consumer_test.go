package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	mu       sync.Mutex
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	hCalls   int
	keys     []string
	meta     map[string]interface{}
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	f.keys = append(f.keys, key)
	f.meta = values
	return nil
}

func testCandidate() *models.Candidate {
	return &models.Candidate{ID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}, Rating: 4.5, Online: true, Available: true, Capabilities: []string{"xl"}}
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	start := time.Now()
	require.NoError(t, updateRedisWithRetry(context.Background(), f, "drivers_geo", testCandidate(), 3, 10*time.Millisecond))
	assert.GreaterOrEqual(t, f.geoCalls, 2)
	assert.GreaterOrEqual(t, f.hCalls, 2)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond, "expected at least one backoff")
	assert.Contains(t, f.keys, geo.MetaKey("d1"))
	assert.Equal(t, "xl", f.meta["capabilities"])
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5}
	err := updateRedisWithRetry(context.Background(), f, "drivers_geo", testCandidate(), 3, 5*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 3, f.geoCalls)
}

func TestDecodeCandidate(t *testing.T) {
	c, err := decodeCandidate([]byte(`{"id":"d1","loc":{"lat":1,"lon":2},"online":true}`))
	require.NoError(t, err)
	assert.Equal(t, "d1", c.ID)
	assert.False(t, c.Updated.IsZero(), "missing timestamp is stamped on ingest")

	_, err = decodeCandidate([]byte(`{"loc":{"lat":1,"lon":2}}`))
	require.Error(t, err)
	_, err = decodeCandidate([]byte(`not json`))
	require.Error(t, err)
}

type scriptedReader struct {
	msgs   []kafka.Message
	cancel context.CancelFunc
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		s.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func TestConsumeSkipsInvalidMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &scriptedReader{cancel: cancel, msgs: []kafka.Message{
		{Value: []byte(`garbage`)},
		{Value: []byte(`{"id":"d9","loc":{"lat":1,"lon":2},"online":true,"available":true}`)},
	}}
	f := &fakeUpdater{}
	consume(ctx, r, f, "drivers_geo", logging.Discard())

	assert.Equal(t, 1, f.geoCalls)
	assert.Contains(t, f.keys, geo.MetaKey("d9"))
}
