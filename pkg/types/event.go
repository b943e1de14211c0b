package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventKind discriminates driver events.
type EventKind int

const (
	EventStarted EventKind = iota + 1
	EventFinished
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// DriverEvent is emitted by a driver on its event queue. The integer
// realization index is the only correlation key between driver and scheduler.
type DriverEvent struct {
	Iens       int
	Kind       EventKind
	ReturnCode int
	Aborted    bool
}

// Started builds a Started event for iens.
func Started(iens int) DriverEvent {
	return DriverEvent{Iens: iens, Kind: EventStarted}
}

// Finished builds a Finished event for iens.
func Finished(iens, returnCode int, aborted bool) DriverEvent {
	return DriverEvent{Iens: iens, Kind: EventFinished, ReturnCode: returnCode, Aborted: aborted}
}

func (e DriverEvent) String() string {
	if e.Kind == EventFinished {
		return fmt.Sprintf("finished(iens=%d, returncode=%d, aborted=%t)", e.Iens, e.ReturnCode, e.Aborted)
	}
	return fmt.Sprintf("%s(iens=%d)", e.Kind, e.Iens)
}

// Wire event type prefixes.
const (
	RealizationEventPrefix = "realsched.realization."
	EnsembleEventPrefix    = "realsched.ensemble."

	EventTypeEnsembleStopped   = EnsembleEventPrefix + "stopped"
	EventTypeEnsembleCancelled = EnsembleEventPrefix + "cancelled"
)

// RealizationEventType returns the wire type for a realization state.
func RealizationEventType(s State) string {
	return RealizationEventPrefix + strings.ToLower(s.Legacy())
}

// StatusEvent is the CloudEvents-shaped message sent from the scheduler to a monitor.
type StatusEvent struct {
	SpecVersion     string          `json:"specversion"`
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	Type            string          `json:"type"`
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype"`
	Data            StatusEventData `json:"data"`
}

// StatusEventData is the payload of a StatusEvent.
type StatusEventData struct {
	QueueEventType string `json:"queue_event_type,omitempty"`
	Iens           *int   `json:"iens,omitempty"`
	Attempt        int    `json:"attempt,omitempty"`
	ReturnCode     *int   `json:"returncode,omitempty"`
	Message        string `json:"message,omitempty"`
}

// EnsembleSource is the event source for ensemble-level events.
func EnsembleSource(ensembleID string) string {
	return "/etc/ensemble/" + ensembleID
}

// RealizationSource is the event source for one realization.
func RealizationSource(ensembleID string, iens int) string {
	return fmt.Sprintf("/etc/ensemble/%s/real/%d", ensembleID, iens)
}

// NewRealizationEvent builds the status event for a realization state change.
func NewRealizationEvent(ensembleID string, iens, attempt int, state State) StatusEvent {
	i := iens
	return StatusEvent{
		SpecVersion:     "1.0",
		ID:              uuid.NewString(),
		Source:          RealizationSource(ensembleID, iens),
		Type:            RealizationEventType(state),
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data: StatusEventData{
			QueueEventType: state.Legacy(),
			Iens:           &i,
			Attempt:        attempt,
		},
	}
}

// NewEnsembleEvent builds an ensemble-level event of the given type.
func NewEnsembleEvent(ensembleID, eventType string) StatusEvent {
	return StatusEvent{
		SpecVersion:     "1.0",
		ID:              uuid.NewString(),
		Source:          EnsembleSource(ensembleID),
		Type:            eventType,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
	}
}

// WithReturnCode attaches a return code to the event payload.
func (e StatusEvent) WithReturnCode(rc int) StatusEvent {
	e.Data.ReturnCode = &rc
	return e
}

// WithMessage attaches a diagnostic message to the event payload.
func (e StatusEvent) WithMessage(msg string) StatusEvent {
	e.Data.Message = msg
	return e
}

// State returns the realization state carried by the event, or "" for
// ensemble-level events.
func (e StatusEvent) State() State {
	if !strings.HasPrefix(e.Type, RealizationEventPrefix) {
		return ""
	}
	return StateFromLegacy(strings.TrimPrefix(e.Type, RealizationEventPrefix))
}

// ParseSource extracts the ensemble id and realization index from an event
// source. iens is -1 for ensemble-level sources.
func ParseSource(source string) (ensembleID string, iens int, err error) {
	rest, ok := strings.CutPrefix(source, "/etc/ensemble/")
	if !ok || rest == "" {
		return "", -1, fmt.Errorf("unrecognised event source %q", source)
	}
	ens, real, found := strings.Cut(rest, "/real/")
	if !found {
		return ens, -1, nil
	}
	n, err := strconv.Atoi(real)
	if err != nil || n < 0 {
		return "", -1, fmt.Errorf("unrecognised realization in source %q", source)
	}
	return ens, n, nil
}

// Event is a stored entry in an ensemble's event log.
type Event struct {
	ID         string          `json:"id"`
	EnsembleID string          `json:"ensemble_id"`
	Type       string          `json:"type"`
	Iens       *int            `json:"iens,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ToSSE formats the event for Server-Sent Events protocol.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}
