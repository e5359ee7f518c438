package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// PushDispatcher is the candidate channel: the live socket when there is one,
// else an HTTP POST to a push gateway.
type PushDispatcher struct {
	Endpoint string // optional push gateway
	Client   *http.Client
	WS       *WSRegistry
	logger   *slog.Logger
}

func NewPushDispatcher(endpoint string, ws *WSRegistry, logger *slog.Logger) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws, logger: logger}
}

type pushEnvelope struct {
	CandidateID string                  `json:"candidate_id"`
	Message     models.CandidateMessage `json:"message"`
}

func (p *PushDispatcher) Send(ctx context.Context, candidateID string, msg models.CandidateMessage) error {
	if p.WS != nil {
		err := p.WS.Send(ctx, candidateID, msg)
		if err == nil || p.Endpoint == "" {
			return err
		}
		if !errors.Is(err, ErrNoSession) {
			p.logger.Debug("ws delivery failed, falling back to push", "candidate_id", candidateID, "error", err)
		}
	}
	if p.Endpoint == "" {
		return ErrNoSession
	}
	return p.push(ctx, candidateID, msg)
}

func (p *PushDispatcher) push(ctx context.Context, candidateID string, msg models.CandidateMessage) error {
	b, err := json.Marshal(pushEnvelope{CandidateID: candidateID, Message: msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("push %s: %w", candidateID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("push %s: gateway returned %s", candidateID, resp.Status)
	}
	return nil
}
