package eventbus

import (
	"github.com/ShabbirHasan1/picante/internal/key"
	"github.com/ShabbirHasan1/picante/internal/revision"
)

// EventType identifies a runtime event.
type EventType string

const (
	// EventRevisionBumped fires when an input mutation advances the clock.
	EventRevisionBumped EventType = "RevisionBumped"
	// EventRevisionSet fires when a cache load restores the clock.
	EventRevisionSet EventType = "RevisionSet"
	// EventInputSet fires after an input entry is written.
	EventInputSet EventType = "InputSet"
	// EventInputRemoved fires after an input entry is deleted.
	EventInputRemoved EventType = "InputRemoved"
)

// Event is a single runtime event. Revision events carry only the
// revision; input events also name the ingredient and key.
type Event struct {
	Type     EventType
	Revision revision.Revision
	Kind     key.QueryKindID
	Key      key.Key
	KeyHash  uint64
}
