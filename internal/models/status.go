package models

type Status string

const (
	StatusSearching            Status = "searching"
	StatusAssigned             Status = "assigned"
	StatusEnRouteToOrigin      Status = "en_route_to_origin"
	StatusInProgress           Status = "in_progress"
	StatusCompleted            Status = "completed"
	StatusCancelled            Status = "cancelled"
	StatusNoProvidersAvailable Status = "no_providers_available"
)

// AllowedTransitions is the request lifecycle as a table. Terminal states have
// no entry.
var AllowedTransitions = map[Status][]Status{
	StatusSearching:       {StatusAssigned, StatusCancelled, StatusNoProvidersAvailable},
	StatusAssigned:        {StatusEnRouteToOrigin, StatusCancelled, StatusNoProvidersAvailable},
	StatusEnRouteToOrigin: {StatusInProgress},
	StatusInProgress:      {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoProvidersAvailable:
		return true
	}
	return false
}

// HoldsProvider reports whether a request in this status must carry an
// assigned provider.
func (s Status) HoldsProvider() bool {
	switch s {
	case StatusAssigned, StatusEnRouteToOrigin, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusSearching, StatusAssigned, StatusEnRouteToOrigin, StatusInProgress,
		StatusCompleted, StatusCancelled, StatusNoProvidersAvailable:
		return true
	}
	return false
}
