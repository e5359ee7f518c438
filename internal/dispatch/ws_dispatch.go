package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// ErrNoSession means the candidate has no live socket.
var ErrNoSession = errors.New("no ws session")

// ResponseFunc handles one accept/decline read from a candidate's socket.
type ResponseFunc func(ctx context.Context, resp models.Response) error

// WSSession represents a connected candidate session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) write(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

func (s *WSSession) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// WSRegistry holds candidate sessions, one per candidate id. A new connection
// for the same candidate replaces and closes the old one.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

func (r *WSRegistry) Add(candidateID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	prev, existed := r.sessions[candidateID]
	r.sessions[candidateID] = s
	r.mu.Unlock()
	if existed {
		_ = prev.conn.Close()
	} else {
		observability.CandidatesOnline.Inc()
	}
	return s
}

// Remove drops the session only if it is still the registered one.
func (r *WSRegistry) Remove(candidateID string, s *WSSession) {
	r.mu.Lock()
	cur, ok := r.sessions[candidateID]
	if ok && cur == s {
		delete(r.sessions, candidateID)
	}
	r.mu.Unlock()
	if ok && cur == s {
		observability.CandidatesOnline.Dec()
	}
	_ = s.conn.Close()
}

func (r *WSRegistry) Connected(candidateID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[candidateID]
	return ok
}

func (r *WSRegistry) Send(_ context.Context, candidateID string, msg models.CandidateMessage) error {
	r.mu.RLock()
	s, ok := r.sessions[candidateID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.write(msg); err != nil {
		r.logger.Warn("ws send error", "candidate_id", candidateID, "error", err)
		return err
	}
	return nil
}

// Serve registers conn for candidateID and reads responses until the socket
// closes or ctx ends. The candidate id always comes from the connection, never
// from the message body.
func (r *WSRegistry) Serve(ctx context.Context, candidateID string, conn *websocket.Conn, handle ResponseFunc) {
	s := r.Add(candidateID, conn)
	defer r.Remove(candidateID, s)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.keepAlive(ctx, s)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	log := r.logger.With("candidate_id", candidateID)
	log.Info("candidate connected")
	for {
		var resp models.Response
		if err := conn.ReadJSON(&resp); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("ws read error", "error", err)
			}
			log.Info("candidate disconnected")
			return
		}
		resp.CandidateID = candidateID
		if err := handle(ctx, resp); err != nil {
			log.Debug("response not applied", "request_id", resp.RequestID, "batch", resp.Batch, "error", err)
		}
	}
}

func (r *WSRegistry) keepAlive(ctx context.Context, s *WSSession) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ping(); err != nil {
				return
			}
		}
	}
}
