package types

import "time"

// EventType enumerates the events emitted by the core onto the event bus.
type EventType string

const (
	EventPublicationDiscovered EventType = "publication_discovered"
	EventIdentifierUpdated     EventType = "identifier_updated"
)

// Event is the envelope delivered to SSE subscribers, keyed by RunID.
type Event struct {
	RunID     int64
	Type      EventType
	Data      any
	PublishedAt time.Time
}

// PublicationDiscoveredPayload is Data for EventPublicationDiscovered.
type PublicationDiscoveredPayload struct {
	PublicationID     int64
	Title             string
	PubURL            string
	ScholarProfileID  int64
	ScholarLabel      string
	FirstSeenAt       time.Time
	NewPublicationCount int
}

// IdentifierUpdatedPayload is Data for EventIdentifierUpdated.
type IdentifierUpdatedPayload struct {
	PublicationID     int64
	DisplayIdentifier DisplayIdentifier
}
