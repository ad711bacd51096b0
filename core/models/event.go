package models

import "encoding/json"

// EventType tags a domain event on the wire
type EventType string

const (
	EventTypeStatus         EventType = "status"
	EventTypeAssetGenerated EventType = "asset_generated"
	EventTypeLog            EventType = "log"
	EventTypeComplete       EventType = "complete"
	EventTypeError          EventType = "error"
)

// Event is a progress message of a run. The set of implementations is closed:
// StatusEvent, AssetGeneratedEvent, LogEvent, CompleteEvent and ErrorEvent.
type Event interface {
	Type() EventType
	// Terminal reports whether the event ends its run
	Terminal() bool
	isEvent()
}

// StatusEvent reports a run lifecycle message
type StatusEvent struct {
	Message string
}

// AssetGeneratedEvent reports one image written by the job
type AssetGeneratedEvent struct {
	Filename      string
	URL           string
	SequenceCount int
}

// LogEvent carries a console line that is not an asset emission
type LogEvent struct {
	Message string
}

// CompleteEvent ends a successful run
type CompleteEvent struct {
	TotalAssets int
}

// ErrorEvent ends a failed run
type ErrorEvent struct {
	Message string
}

func (StatusEvent) Type() EventType         { return EventTypeStatus }
func (AssetGeneratedEvent) Type() EventType { return EventTypeAssetGenerated }
func (LogEvent) Type() EventType            { return EventTypeLog }
func (CompleteEvent) Type() EventType       { return EventTypeComplete }
func (ErrorEvent) Type() EventType          { return EventTypeError }

func (StatusEvent) Terminal() bool         { return false }
func (AssetGeneratedEvent) Terminal() bool { return false }
func (LogEvent) Terminal() bool            { return false }
func (CompleteEvent) Terminal() bool       { return true }
func (ErrorEvent) Terminal() bool          { return true }

func (StatusEvent) isEvent()         {}
func (AssetGeneratedEvent) isEvent() {}
func (LogEvent) isEvent()            {}
func (CompleteEvent) isEvent()       {}
func (ErrorEvent) isEvent()          {}

// MarshalJSON encodes the status wire message
func (e StatusEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"type":    EventTypeStatus,
		"message": e.Message,
	})
}

// MarshalJSON encodes the asset_generated wire message
func (e AssetGeneratedEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"type":     EventTypeAssetGenerated,
		"filename": e.Filename,
		"url":      e.URL,
		"count":    e.SequenceCount,
	})
}

// MarshalJSON encodes the log wire message
func (e LogEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"type":    EventTypeLog,
		"message": e.Message,
	})
}

// MarshalJSON encodes the complete wire message
func (e CompleteEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"type":        EventTypeComplete,
		"totalAssets": e.TotalAssets,
	})
}

// MarshalJSON encodes the error wire message
func (e ErrorEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"type":    EventTypeError,
		"message": e.Message,
	})
}
