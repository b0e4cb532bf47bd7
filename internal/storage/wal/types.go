package wal

import "github.com/ChuLiYu/raksha-sync/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the events recorded for every queued mutation
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventEnqueue   EventType = "ENQUEUE"   // Mutation stored in the local queue
	EventDelivered EventType = "DELIVERED" // Replay delivered the mutation
	EventFailed    EventType = "FAILED"    // Replay attempt failed, mutation retained
	EventDrop      EventType = "DROP"      // Mutation discarded (evicted, expired or out of attempts)
	EventClear     EventType = "CLEAR"     // Whole queue cleared
)

// Record carries the mutation fields written with an event
type Record struct {
	MutationID string
	Kind       types.MutationKind
	Attempt    int
	Detail     string // error text or drop reason
}

// Event represents a journal record
type Event struct {
	Seq        uint64             `json:"seq"`               // Event sequence number (monotonically increasing)
	Type       EventType          `json:"type"`              // Event type
	MutationID string             `json:"mutation_id"`       // Queued mutation ID
	Kind       types.MutationKind `json:"kind,omitempty"`    // Mutation kind
	Attempt    int                `json:"attempt,omitempty"` // Attempt count after this event
	Detail     string             `json:"detail,omitempty"`  // Error or reason
	Timestamp  int64              `json:"timestamp"`         // Unix millisecond timestamp
	Checksum   uint32             `json:"checksum"`          // CRC32 checksum
}

// EventHandler is the function type for processing journal events during Replay.
// Returning an error stops the replay.
type EventHandler func(event Event) error
