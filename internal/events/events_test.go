package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

type recordingWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (r *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msgs...)
	return nil
}

func (r *recordingWriter) Close() error { return nil }

func newTestProducer(w messageWriter) *KafkaProducer {
	return &KafkaProducer{writer: w, locationTopic: "driver-locations", outcomeTopic: "dispatch-outcomes", logger: logging.Discard()}
}

func TestPublishLocationKeysByCandidate(t *testing.T) {
	w := &recordingWriter{}
	p := newTestProducer(w)
	require.NoError(t, p.PublishLocation(context.Background(), models.Candidate{ID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}}))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "driver-locations", w.msgs[0].Topic)
	assert.Equal(t, "d1", string(w.msgs[0].Key))
	var c models.Candidate
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &c))
	assert.Equal(t, 2.0, c.Loc.Lon)
}

func TestNotifyPublishesOutcome(t *testing.T) {
	w := &recordingWriter{}
	p := newTestProducer(w)
	p.Notify(context.Background(), models.Outcome{RequestID: "r1", Kind: models.OutcomeAssigned, ProviderID: "d1"})

	require.Len(t, w.msgs, 1)
	m := w.msgs[0]
	assert.Equal(t, "dispatch-outcomes", m.Topic)
	assert.Equal(t, "r1", string(m.Key))
	require.Len(t, m.Headers, 1)
	assert.Equal(t, "assigned", string(m.Headers[0].Value))
}

func TestNotifySurvivesBrokerErrors(t *testing.T) {
	var buf bytes.Buffer
	p := &KafkaProducer{writer: &recordingWriter{err: errors.New("broker down")}, outcomeTopic: "o", logger: logging.New(&buf, "test", "info")}
	p.Notify(context.Background(), models.Outcome{RequestID: "r1", Kind: models.OutcomeCancelled})
	assert.Contains(t, buf.String(), "broker down")
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	NewLogNotifier(logging.New(&buf, "test", "info")).Notify(context.Background(), models.Outcome{RequestID: "r9", Kind: models.OutcomeNoProvidersAvailable, Reason: "candidates_exhausted"})
	assert.Contains(t, buf.String(), `"request_id":"r9"`)
	assert.Contains(t, buf.String(), "candidates_exhausted")
}
