package registry

import (
	"log/slog"
	"time"

	"github.com/ruteri/medvault-enclave/interfaces"
)

// EventKind names an auditable registry mutation.
type EventKind string

const (
	EventWhitelistCreated     EventKind = "whitelist_created"
	EventWhitelistDeactivated EventKind = "whitelist_deactivated"
	EventDoctorAdded          EventKind = "doctor_added"
	EventDoctorRemoved        EventKind = "doctor_removed"
	EventMemberAdded          EventKind = "member_added"
	EventMemberRemoved        EventKind = "member_removed"
	EventRecordCreated        EventKind = "record_created"
	EventRecordDeactivated    EventKind = "record_deactivated"
	EventEnclaveRegistered    EventKind = "enclave_registered"
)

// Event is emitted after every successful mutation. Seq increases by one per event in
// the order the mutations were applied.
type Event struct {
	Seq       uint64                 `json:"seq"`
	Kind      EventKind              `json:"kind"`
	Whitelist interfaces.WhitelistID `json:"whitelist"`
	Actor     interfaces.Address     `json:"actor"`
	Subject   string                 `json:"subject,omitempty"`
	At        time.Time              `json:"at"`
}

// EventSink receives registry events. Emit is called with the registry locked; it must
// not block or call back into the registry.
type EventSink interface {
	Emit(Event)
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Emit(ev Event) {
	s.Log.Info("registry event",
		"seq", ev.Seq,
		"kind", ev.Kind,
		"whitelist", ev.Whitelist.String(),
		"actor", ev.Actor.Hex(),
		"subject", ev.Subject)
}
