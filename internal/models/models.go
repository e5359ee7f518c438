package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Kind distinguishes passenger rides from parcel deliveries. Matching treats
// both the same way; capability tags carry the real constraint.
type Kind string

const (
	KindRide     Kind = "ride"
	KindDelivery Kind = "delivery"
)

// Request is one transportation job awaiting (or holding) a provider.
type Request struct {
	ID               string     `json:"id"`
	Kind             Kind       `json:"kind"`
	RiderID          string     `json:"rider_id"`
	Origin           Coord      `json:"origin"`
	Destination      Coord      `json:"destination"`
	Capability       string     `json:"capability"`
	FareEstimate     float64    `json:"fare_estimate"`
	Status           Status     `json:"status"`
	AssignedProvider *string    `json:"assigned_provider,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	AssignedAt       *time.Time `json:"assigned_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Candidate is a provider snapshot read from the live-location feed.
type Candidate struct {
	ID            string    `json:"id"`
	Loc           Coord     `json:"loc"`
	Rating        float64   `json:"rating"` // 0..5
	CompletedJobs int       `json:"completed_jobs"`
	Online        bool      `json:"online"`
	Available     bool      `json:"available"`
	Capabilities  []string  `json:"capabilities"`
	Updated       time.Time `json:"updated"`

	// filled in by the locator and the ETA refiner
	DistanceKm float64 `json:"distance_km,omitempty"`
	ETASeconds float64 `json:"eta_seconds,omitempty"`
}

// HasCapability reports whether the candidate carries the given tag. An empty
// requirement matches everyone.
func (c Candidate) HasCapability(tag string) bool {
	if tag == "" {
		return true
	}
	for _, t := range c.Capabilities {
		if t == tag {
			return true
		}
	}
	return false
}

type AttemptStatus string

const (
	AttemptPending    AttemptStatus = "pending"
	AttemptAccepted   AttemptStatus = "accepted"
	AttemptDeclined   AttemptStatus = "declined"
	AttemptExpired    AttemptStatus = "expired"
	AttemptSuperseded AttemptStatus = "superseded"
)

// MatchAttempt is one offer of a request to one candidate within one batch.
type MatchAttempt struct {
	ID          string        `json:"id"`
	RequestID   string        `json:"request_id"`
	CandidateID string        `json:"candidate_id"`
	Batch       int           `json:"batch"`
	Status      AttemptStatus `json:"status"`
	DistanceKm  float64       `json:"distance_km"`
	ETASeconds  float64       `json:"eta_seconds"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	RespondedAt *time.Time    `json:"responded_at,omitempty"`
}

// BatchInfo describes the most recent batch opened for a request.
type BatchInfo struct {
	Number    int
	ExpiresAt time.Time
}

// Offer is the payload broadcast to a candidate when a batch opens.
type Offer struct {
	RequestID    string    `json:"request_id"`
	Batch        int       `json:"batch"`
	Kind         Kind      `json:"kind"`
	Origin       Coord     `json:"origin"`
	Destination  Coord     `json:"destination"`
	Capability   string    `json:"capability"`
	FareEstimate float64   `json:"fare_estimate"`
	DistanceKm   float64   `json:"distance_km"`
	ETASeconds   float64   `json:"eta_seconds"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type MessageType string

const (
	MessageOffer       MessageType = "offer"
	MessageWithdrawn   MessageType = "withdrawn"
	MessageUnavailable MessageType = "unavailable"
	MessageAssigned    MessageType = "assigned"
)

// CandidateMessage is everything the engine ever sends down a candidate's channel.
type CandidateMessage struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
	Batch     int         `json:"batch,omitempty"`
	Offer     *Offer      `json:"offer,omitempty"`
}

type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
)

// Response is an inbound accept/decline from a candidate.
type Response struct {
	RequestID   string   `json:"request_id"`
	CandidateID string   `json:"candidate_id"`
	Batch       int      `json:"batch"`
	Decision    Decision `json:"decision"`
}

type OutcomeKind string

const (
	OutcomeAssigned             OutcomeKind = "assigned"
	OutcomeCancelled            OutcomeKind = "cancelled"
	OutcomeNoProvidersAvailable OutcomeKind = "no_providers_available"
)

// Outcome is what the notifier publishes once a search resolves.
type Outcome struct {
	RequestID    string      `json:"request_id"`
	Kind         OutcomeKind `json:"kind"`
	ProviderID   string      `json:"provider_id,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	Batches      int         `json:"batches"`
	Origin       Coord       `json:"origin"`
	Destination  Coord       `json:"destination"`
	Capability   string      `json:"capability"`
	FareEstimate float64     `json:"fare_estimate"`
	At           time.Time   `json:"at"`
}
