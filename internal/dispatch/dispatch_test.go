package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

// wsServer serves every connection as candidate "d1" and forwards responses.
func wsServer(t *testing.T, reg *WSRegistry, got chan<- models.Response) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Serve(r.Context(), "d1", conn, func(_ context.Context, resp models.Response) error {
			got <- resp
			return nil
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWSRegistrySendWithoutSession(t *testing.T) {
	reg := NewWSRegistry(logging.Discard())
	err := reg.Send(context.Background(), "ghost", models.CandidateMessage{Type: models.MessageOffer})
	require.ErrorIs(t, err, ErrNoSession)
}

func TestWSRegistryRoundTrip(t *testing.T) {
	reg := NewWSRegistry(logging.Discard())
	got := make(chan models.Response, 1)
	conn := dial(t, wsServer(t, reg, got))

	require.Eventually(t, func() bool { return reg.Connected("d1") }, time.Second, 5*time.Millisecond)

	offer := models.CandidateMessage{Type: models.MessageOffer, RequestID: "r1", Batch: 1, Offer: &models.Offer{RequestID: "r1", Batch: 1, FareEstimate: 9}}
	require.NoError(t, reg.Send(context.Background(), "d1", offer))

	var msg models.CandidateMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, models.MessageOffer, msg.Type)
	require.NotNil(t, msg.Offer)
	assert.Equal(t, 9.0, msg.Offer.FareEstimate)

	require.NoError(t, conn.WriteJSON(models.Response{RequestID: "r1", CandidateID: "someone-else", Batch: 1, Decision: models.DecisionAccept}))
	select {
	case resp := <-got:
		assert.Equal(t, "d1", resp.CandidateID, "identity comes from the connection")
		assert.Equal(t, models.DecisionAccept, resp.Decision)
	case <-time.After(time.Second):
		t.Fatal("response not delivered")
	}

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return !reg.Connected("d1") }, time.Second, 5*time.Millisecond)
}

func TestPushDispatcherFallsBackToGateway(t *testing.T) {
	bodies := make(chan pushEnvelope, 1)
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env pushEnvelope
		_ = json.NewDecoder(r.Body).Decode(&env)
		bodies <- env
		w.WriteHeader(http.StatusAccepted)
	}))
	defer gw.Close()

	p := NewPushDispatcher(gw.URL, NewWSRegistry(logging.Discard()), logging.Discard())
	require.NoError(t, p.Send(context.Background(), "d7", models.CandidateMessage{Type: models.MessageWithdrawn, RequestID: "r1"}))

	env := <-bodies
	assert.Equal(t, "d7", env.CandidateID)
	assert.Equal(t, models.MessageWithdrawn, env.Message.Type)
}

func TestPushDispatcherGatewayError(t *testing.T) {
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer gw.Close()

	p := NewPushDispatcher(gw.URL, nil, logging.Discard())
	err := p.Send(context.Background(), "d7", models.CandidateMessage{Type: models.MessageOffer})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestPushDispatcherWithoutGateway(t *testing.T) {
	p := NewPushDispatcher("", NewWSRegistry(logging.Discard()), logging.Discard())
	err := p.Send(context.Background(), "d7", models.CandidateMessage{Type: models.MessageOffer})
	require.ErrorIs(t, err, ErrNoSession)
}
