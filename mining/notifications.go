package mining

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// NotificationType represents the type of a notification message.
type NotificationType int

// Constants for the type of a notification message.
const (
	// NTWorkRejected indicates the authority answered a work exchange with
	// an application level error.  Text carries the error text.
	NTWorkRejected NotificationType = iota

	// NTSolutionFound indicates a worker found a candidate nonce.
	NTSolutionFound

	// NTSolutionAccepted indicates the authority accepted a solution.
	NTSolutionAccepted

	// NTSolutionRejected indicates the authority rejected a solution.
	NTSolutionRejected
)

// notificationTypeStrings is a map of notification types back to their
// constant names for pretty printing.
var notificationTypeStrings = map[NotificationType]string{
	NTWorkRejected:     "NTWorkRejected",
	NTSolutionFound:    "NTSolutionFound",
	NTSolutionAccepted: "NTSolutionAccepted",
	NTSolutionRejected: "NTSolutionRejected",
}

// String returns the NotificationType in human-readable form.
func (n NotificationType) String() string {
	if s, ok := notificationTypeStrings[n]; ok {
		return s
	}
	return fmt.Sprintf("Unknown Notification Type (%d)", int(n))
}

// Notification describes an observable event of the mining host.
type Notification struct {
	Type        NotificationType
	Worker      string
	BlockNumber uint32
	Nonce       uint32
	Hash        chainhash.Hash
	Text        string
}

// Notifier receives notifications.  Implementations must be safe for
// concurrent use and must not block.
type Notifier interface {
	Notify(n *Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(n *Notification)

// Notify calls f(n).
func (f NotifierFunc) Notify(n *Notification) {
	f(n)
}

// Notifiers fans a notification out to every non-nil notifier.
type Notifiers []Notifier

// Notify delivers n to all notifiers in order.
func (ns Notifiers) Notify(n *Notification) {
	for _, notifier := range ns {
		if notifier != nil {
			notifier.Notify(n)
		}
	}
}
