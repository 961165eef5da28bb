// Package deal implements the negotiation lifecycle: one deal per email
// thread, an append-only message log, and a status machine driven by the
// direction of each ingested message.
package deal

import "strings"

// Status is the lifecycle state of a deal.
type Status string

const (
	StatusNew              Status = "NEW"
	StatusWaitingForClient Status = "WAITING_FOR_CLIENT"
	StatusPendingCreator   Status = "PENDING_CREATOR"
	StatusCompleted        Status = "COMPLETED"
	StatusRejected         Status = "REJECTED"
	StatusAutoRejected     Status = "AUTO_REJECTED"
)

// ParseStatus validates a raw status value.
func ParseStatus(raw string) (Status, bool) {
	switch Status(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusNew:
		return StatusNew, true
	case StatusWaitingForClient:
		return StatusWaitingForClient, true
	case StatusPendingCreator:
		return StatusPendingCreator, true
	case StatusCompleted:
		return StatusCompleted, true
	case StatusRejected:
		return StatusRejected, true
	case StatusAutoRejected:
		return StatusAutoRejected, true
	}
	return "", false
}

// Terminal reports whether no further event-driven transition is expected
// from this status. Note that Transition does not consult this: an outgoing
// message re-arms even a terminal deal, matching the system's historical
// behavior.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusAutoRejected:
		return true
	}
	return false
}

// Direction tells whether a message came from the client or was sent by us.
type Direction string

const (
	DirectionIncoming Direction = "INCOMING"
	DirectionOutgoing Direction = "OUTGOING"
)

// ParseDirection normalizes a raw direction value, case-insensitively.
func ParseDirection(raw string) (Direction, error) {
	switch Direction(strings.ToUpper(strings.TrimSpace(raw))) {
	case DirectionIncoming:
		return DirectionIncoming, nil
	case DirectionOutgoing:
		return DirectionOutgoing, nil
	}
	return "", ValidationError("direction must be either 'INCOMING' or 'OUTGOING'")
}

// Change is the outcome of applying one message to a deal's status.
type Change struct {
	Status           Status
	SetOurReplySent  bool
	SetClientReplied bool
}

// Transition is the status machine, a pure function of the current status
// and the message direction:
//
//   - OUTGOING always moves the deal to WAITING_FOR_CLIENT and stamps
//     our_reply_sent_at, whatever the current status.
//   - INCOMING while WAITING_FOR_CLIENT moves to PENDING_CREATOR and stamps
//     client_replied_at: the client answered our reply, a human decides next.
//   - Any other INCOMING leaves the status alone. A first inbound message
//     keeps the deal at NEW until we have replied.
//
// The second return value reports whether the deal changed at all.
func Transition(current Status, dir Direction) (Change, bool) {
	switch dir {
	case DirectionOutgoing:
		return Change{Status: StatusWaitingForClient, SetOurReplySent: true}, true
	case DirectionIncoming:
		if current == StatusWaitingForClient {
			return Change{Status: StatusPendingCreator, SetClientReplied: true}, true
		}
	}
	return Change{Status: current}, false
}

// Outcome is an operator decision on a deal.
type Outcome string

const (
	OutcomeAccept Outcome = "ACCEPT"
	OutcomeReject Outcome = "REJECT"
)

// Status returns the terminal status an outcome forces.
func (o Outcome) Status() Status {
	if o == OutcomeAccept {
		return StatusCompleted
	}
	return StatusRejected
}
