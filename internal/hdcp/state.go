package hdcp

const unknownStr = "Unknown"

// TxState is a transmitter state.
type TxState uint8

const (
	TxStateDisabled TxState = iota
	TxStateDetermineRxCapable
	TxStateExchangeKsvs
	TxStateComputations
	TxStateValidateRx
	TxStateAuthenticated
	TxStateLinkIntegrityCheck
	TxStateTestForRepeater
	TxStateWaitForReady
	TxStateReadKsvList
	TxStateUnauthenticated
	TxStatePhyDown
)

// String returns the human-readable name of the state.
func (s TxState) String() string {
	switch s {
	case TxStateDisabled:
		return "Disabled"
	case TxStateDetermineRxCapable:
		return "DetermineRxCapable"
	case TxStateExchangeKsvs:
		return "ExchangeKsvs"
	case TxStateComputations:
		return "Computations"
	case TxStateValidateRx:
		return "ValidateRx"
	case TxStateAuthenticated:
		return "Authenticated"
	case TxStateLinkIntegrityCheck:
		return "LinkIntegrityCheck"
	case TxStateTestForRepeater:
		return "TestForRepeater"
	case TxStateWaitForReady:
		return "WaitForReady"
	case TxStateReadKsvList:
		return "ReadKsvList"
	case TxStateUnauthenticated:
		return "Unauthenticated"
	case TxStatePhyDown:
		return "PhyDown"
	default:
		return unknownStr
	}
}

// RxState is a receiver state.
type RxState uint8

const (
	RxStateDisabled RxState = iota
	RxStateUnauthenticated
	RxStateComputations
	RxStateAuthenticated
	RxStateLinkIntegrityFailed
	RxStatePhyDown
)

// String returns the human-readable name of the state.
func (s RxState) String() string {
	switch s {
	case RxStateDisabled:
		return "Disabled"
	case RxStateUnauthenticated:
		return "Unauthenticated"
	case RxStateComputations:
		return "Computations"
	case RxStateAuthenticated:
		return "Authenticated"
	case RxStateLinkIntegrityFailed:
		return "LinkIntegrityFailed"
	case RxStatePhyDown:
		return "PhyDown"
	default:
		return unknownStr
	}
}
