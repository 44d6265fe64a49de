package hdcp

// This file holds the transmitter and receiver transition tables. Both are
// pure lookups: the state machines execute the returned Action and then
// run the exit/enter loop toward the resulting state. Enter hooks may
// redirect to another state (DETERMINE_RX_CAPABLE, EXCHANGE_KSVS,
// LINK_INTEGRITY_CHECK, TEST_FOR_REPEATER and READ_KSV_LIST always do), so
// those states need few or no rows of their own.
//
// TEST_FOR_REPEATER has no rows at all. It is reached only from the enter
// hook of VALIDATE_RX's timeout action and left from its own enter hook;
// any event delivered while the machine rests there is dropped.

// Action is the side effect a transition asks the state machine to run
// before changing state. An action may override the table's next state.
type Action uint8

const (
	// ActionNone changes state without any extra work.
	ActionNone Action = iota

	// ActionEnable leaves DISABLED for UNAUTHENTICATED or PHYDOWN
	// depending on the recorded physical link state.
	ActionEnable

	// ActionStartComputations restarts the cipher computations.
	ActionStartComputations

	// ActionPollComputations checks the cipher for request completion.
	ActionPollComputations

	// ActionValidateRx compares the remote Ro' with the local Ro.
	ActionValidateRx

	// ActionPollReady polls the repeater for READY and its topology.
	ActionPollReady

	// ActionReadyTimeout makes a final READY poll and gives up.
	ActionReadyTimeout

	// ActionCheckLink runs a link integrity check.
	ActionCheckLink

	// ActionReauthenticate counts a re-authentication request.
	ActionReauthenticate

	// ActionLinkDown counts a cipher link failure.
	ActionLinkDown

	// ActionResume re-requests authentication after the physical link
	// returns when encryption was requested.
	ActionResume

	// ActionUpdateRi publishes the receiver's rolling Ri.
	ActionUpdateRi
)

// String returns the human-readable name of the action.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "None"
	case ActionEnable:
		return "Enable"
	case ActionStartComputations:
		return "StartComputations"
	case ActionPollComputations:
		return "PollComputations"
	case ActionValidateRx:
		return "ValidateRx"
	case ActionPollReady:
		return "PollReady"
	case ActionReadyTimeout:
		return "ReadyTimeout"
	case ActionCheckLink:
		return "CheckLink"
	case ActionReauthenticate:
		return "Reauthenticate"
	case ActionLinkDown:
		return "LinkDown"
	case ActionResume:
		return "Resume"
	case ActionUpdateRi:
		return "UpdateRi"
	default:
		return unknownStr
	}
}

// -------------------------------------------------------------------------
// Transmitter table
// -------------------------------------------------------------------------

type txStateEvent struct {
	state TxState
	event TxEvent
}

type txTransition struct {
	next   TxState
	action Action
}

// TxResult is the outcome of looking up a transmitter event.
type TxResult struct {
	// OldState is the state the event was applied to.
	OldState TxState

	// NewState is the table's next state before the action runs.
	NewState TxState

	// Action is the side effect to execute.
	Action Action

	// Handled is false when the table has no row for the pair and the
	// event is dropped.
	Handled bool
}

//nolint:gochecknoglobals // transition table is intentionally package-level.
var txTable = buildTxTable()

func buildTxTable() map[txStateEvent]txTransition {
	t := map[txStateEvent]txTransition{
		{TxStateDisabled, TxEventEnable}: {TxStateDisabled, ActionEnable},

		{TxStateComputations, TxEventAuthenticate}: {TxStateComputations, ActionStartComputations},
		{TxStateComputations, TxEventPoll}:         {TxStateComputations, ActionPollComputations},

		{TxStateValidateRx, TxEventAuthenticate}: {TxStateDetermineRxCapable, ActionNone},
		{TxStateValidateRx, TxEventTimeout}:      {TxStateValidateRx, ActionValidateRx},

		{TxStateAuthenticated, TxEventAuthenticate}: {TxStateDetermineRxCapable, ActionReauthenticate},
		{TxStateAuthenticated, TxEventCheck}:        {TxStateLinkIntegrityCheck, ActionNone},
		{TxStateAuthenticated, TxEventLinkDown}:     {TxStateDetermineRxCapable, ActionLinkDown},

		{TxStateLinkIntegrityCheck, TxEventAuthenticate}: {TxStateDetermineRxCapable, ActionReauthenticate},
		{TxStateLinkIntegrityCheck, TxEventLinkDown}:     {TxStateDetermineRxCapable, ActionLinkDown},

		{TxStateWaitForReady, TxEventAuthenticate}: {TxStateDetermineRxCapable, ActionNone},
		{TxStateWaitForReady, TxEventPoll}:         {TxStateWaitForReady, ActionPollReady},
		{TxStateWaitForReady, TxEventTimeout}:      {TxStateWaitForReady, ActionReadyTimeout},

		{TxStateReadKsvList, TxEventAuthenticate}: {TxStateDetermineRxCapable, ActionNone},

		{TxStateUnauthenticated, TxEventAuthenticate}: {TxStateDetermineRxCapable, ActionNone},

		{TxStatePhyDown, TxEventDisable}: {TxStateDisabled, ActionNone},
		{TxStatePhyDown, TxEventPhyUp}:   {TxStateUnauthenticated, ActionResume},
	}

	// Every active state except TEST_FOR_REPEATER honours DISABLE and PHYDOWN.
	for _, s := range []TxState{
		TxStateDetermineRxCapable,
		TxStateExchangeKsvs,
		TxStateComputations,
		TxStateValidateRx,
		TxStateAuthenticated,
		TxStateLinkIntegrityCheck,
		TxStateWaitForReady,
		TxStateReadKsvList,
		TxStateUnauthenticated,
	} {
		t[txStateEvent{s, TxEventDisable}] = txTransition{TxStateDisabled, ActionNone}
		t[txStateEvent{s, TxEventPhyDown}] = txTransition{TxStatePhyDown, ActionNone}
	}

	return t
}

// ApplyTxEvent looks up the transmitter transition for (state, event).
// Unlisted pairs return Handled=false and leave the state unchanged.
func ApplyTxEvent(state TxState, event TxEvent) TxResult {
	tr, ok := txTable[txStateEvent{state: state, event: event}]
	if !ok {
		return TxResult{OldState: state, NewState: state}
	}

	return TxResult{
		OldState: state,
		NewState: tr.next,
		Action:   tr.action,
		Handled:  true,
	}
}

// -------------------------------------------------------------------------
// Receiver table
// -------------------------------------------------------------------------

type rxStateEvent struct {
	state RxState
	event RxEvent
}

type rxTransition struct {
	next   RxState
	action Action
}

// RxResult is the outcome of looking up a receiver event.
type RxResult struct {
	OldState RxState
	NewState RxState
	Action   Action
	Handled  bool
}

//nolint:gochecknoglobals // transition table is intentionally package-level.
var rxTable = buildRxTable()

func buildRxTable() map[rxStateEvent]rxTransition {
	t := map[rxStateEvent]rxTransition{
		{RxStateDisabled, RxEventEnable}: {RxStateDisabled, ActionEnable},

		{RxStateUnauthenticated, RxEventAuthenticate}: {RxStateComputations, ActionNone},

		{RxStateComputations, RxEventAuthenticate}: {RxStateComputations, ActionStartComputations},
		{RxStateComputations, RxEventPoll}:         {RxStateComputations, ActionPollComputations},

		{RxStateAuthenticated, RxEventAuthenticate}: {RxStateComputations, ActionNone},
		{RxStateAuthenticated, RxEventCheck}:        {RxStateAuthenticated, ActionCheckLink},
		{RxStateAuthenticated, RxEventUpdateRi}:     {RxStateAuthenticated, ActionUpdateRi},

		{RxStateLinkIntegrityFailed, RxEventAuthenticate}: {RxStateComputations, ActionNone},
		{RxStateLinkIntegrityFailed, RxEventCheck}:        {RxStateLinkIntegrityFailed, ActionCheckLink},

		{RxStatePhyDown, RxEventPhyUp}:   {RxStateUnauthenticated, ActionNone},
		{RxStatePhyDown, RxEventDisable}: {RxStateDisabled, ActionNone},
	}

	for _, s := range []RxState{
		RxStateUnauthenticated,
		RxStateComputations,
		RxStateAuthenticated,
		RxStateLinkIntegrityFailed,
	} {
		t[rxStateEvent{s, RxEventDisable}] = rxTransition{RxStateDisabled, ActionNone}
		t[rxStateEvent{s, RxEventPhyDown}] = rxTransition{RxStatePhyDown, ActionNone}
	}

	return t
}

// ApplyRxEvent looks up the receiver transition for (state, event).
// Unlisted pairs return Handled=false and leave the state unchanged.
func ApplyRxEvent(state RxState, event RxEvent) RxResult {
	tr, ok := rxTable[rxStateEvent{state: state, event: event}]
	if !ok {
		return RxResult{OldState: state, NewState: state}
	}

	return RxResult{
		OldState: state,
		NewState: tr.next,
		Action:   tr.action,
		Handled:  true,
	}
}
