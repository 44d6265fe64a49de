package hdcp

import "sync/atomic"

// TxEvent is a transmitter state machine event. The numeric order is the
// order in which Poll dispatches pending events.
type TxEvent uint8

const (
	// TxEventAuthenticate requests a (re)authentication.
	TxEventAuthenticate TxEvent = iota

	// TxEventCheck is posted by the cipher Ri-update callback.
	TxEventCheck

	// TxEventDisable disables the transmitter.
	TxEventDisable

	// TxEventEnable enables the transmitter.
	TxEventEnable

	// TxEventLinkDown is posted by the cipher link-failure callback.
	TxEventLinkDown

	// TxEventPhyDown reports the physical link went down.
	TxEventPhyDown

	// TxEventPhyUp reports the physical link came up.
	TxEventPhyUp

	// TxEventPoll is posted by every Poll call.
	TxEventPoll

	// TxEventTimeout is posted when the platform timer expires.
	TxEventTimeout

	txEventCount
)

// String returns the human-readable name of the event.
func (e TxEvent) String() string {
	switch e {
	case TxEventAuthenticate:
		return "Authenticate"
	case TxEventCheck:
		return "Check"
	case TxEventDisable:
		return "Disable"
	case TxEventEnable:
		return "Enable"
	case TxEventLinkDown:
		return "LinkDown"
	case TxEventPhyDown:
		return "PhyDown"
	case TxEventPhyUp:
		return "PhyUp"
	case TxEventPoll:
		return "Poll"
	case TxEventTimeout:
		return "Timeout"
	default:
		return unknownStr
	}
}

// RxEvent is a receiver state machine event. The numeric order is the
// order in which Poll dispatches pending events.
type RxEvent uint8

const (
	// RxEventAuthenticate is posted by the port when the transmitter writes AKSV.
	RxEventAuthenticate RxEvent = iota

	// RxEventCheck is posted by the cipher link-failure callback.
	RxEventCheck

	// RxEventDisable disables the receiver.
	RxEventDisable

	// RxEventEnable enables the receiver.
	RxEventEnable

	// RxEventPhyDown reports the physical link went down.
	RxEventPhyDown

	// RxEventPhyUp reports the physical link came up.
	RxEventPhyUp

	// RxEventPoll is posted by every Poll call.
	RxEventPoll

	// RxEventUpdateRi is posted by the cipher Ri-update callback.
	RxEventUpdateRi

	rxEventCount
)

// String returns the human-readable name of the event.
func (e RxEvent) String() string {
	switch e {
	case RxEventAuthenticate:
		return "Authenticate"
	case RxEventCheck:
		return "Check"
	case RxEventDisable:
		return "Disable"
	case RxEventEnable:
		return "Enable"
	case RxEventPhyDown:
		return "PhyDown"
	case RxEventPhyUp:
		return "PhyUp"
	case RxEventPoll:
		return "Poll"
	case RxEventUpdateRi:
		return "UpdateRi"
	default:
		return unknownStr
	}
}

// -------------------------------------------------------------------------
// Pending event set
// -------------------------------------------------------------------------

// eventSet is the lock-free pending event word. Any goroutine may post;
// only Poll drains.
//
// Post-time suppression: the caller passes the bits a new event cancels.
// Disable cancels a pending Enable and PhyDown cancels a pending PhyUp, so
// the later of each pair always wins regardless of dispatch order.
type eventSet struct {
	bits atomic.Uint32
}

// post sets bit and clears cancels in a single atomic step.
func (s *eventSet) post(bit uint8, cancels uint32) {
	for {
		old := s.bits.Load()
		next := (old &^ cancels) | 1<<bit
		if s.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// drain returns the pending set and clears it.
func (s *eventSet) drain() uint32 { return s.bits.Swap(0) }

// clear drops bit if it is pending.
func (s *eventSet) clear(bit uint8) { s.bits.And(^uint32(1 << bit)) }

// load returns the pending set without clearing it.
func (s *eventSet) load() uint32 { return s.bits.Load() }

func txCancels(e TxEvent) uint32 {
	switch e {
	case TxEventDisable:
		return 1 << TxEventEnable
	case TxEventPhyDown:
		return 1 << TxEventPhyUp
	default:
		return 0
	}
}

func rxCancels(e RxEvent) uint32 {
	switch e {
	case RxEventDisable:
		return 1 << RxEventEnable
	case RxEventPhyDown:
		return 1 << RxEventPhyUp
	default:
		return 0
	}
}
