package ledger

import "github.com/mbd888/fiatbridge/internal/apperr"

// transitions maps status -> event -> next status. Each entity has exactly
// one table and status fields are only assigned through it.
type transitions[S ~string, E ~string] struct {
	entity string
	table  map[S]map[E]S
}

func (t transitions[S, E]) next(from S, ev E) (S, error) {
	if to, ok := t.table[from][ev]; ok {
		return to, nil
	}
	var zero S
	return zero, apperr.InvalidState("cannot %s %s in status %s", ev, t.entity, from)
}

// EscrowEvent drives escrow transitions.
type EscrowEvent string

const (
	EscrowEventFinalize      EscrowEvent = "finalize"
	EscrowEventRefund        EscrowEvent = "refund"
	EscrowEventDispute       EscrowEvent = "dispute"
	EscrowEventSettleDispute EscrowEvent = "settle"
)

var escrowFSM = transitions[EscrowStatus, EscrowEvent]{
	entity: "escrow",
	table: map[EscrowStatus]map[EscrowEvent]EscrowStatus{
		EscrowLocked: {
			EscrowEventFinalize: EscrowCompleted,
			EscrowEventRefund:   EscrowRefunded,
			EscrowEventDispute:  EscrowDisputed,
		},
		EscrowDisputed: {
			EscrowEventRefund:        EscrowRefunded,
			EscrowEventSettleDispute: EscrowCompleted,
		},
	},
}

// NextEscrowStatus returns the status reached by applying ev, or InvalidState.
func NextEscrowStatus(from EscrowStatus, ev EscrowEvent) (EscrowStatus, error) {
	return escrowFSM.next(from, ev)
}

// MintEvent drives mint request transitions.
type MintEvent string

const (
	MintEventSubmitProof   MintEvent = "submit proof for"
	MintEventConfirm       MintEvent = "confirm"
	MintEventReject        MintEvent = "reject"
	MintEventExpire        MintEvent = "expire"
	MintEventCancel        MintEvent = "cancel"
	MintEventDispute       MintEvent = "dispute"
	MintEventSettleConfirm MintEvent = "settle-confirm"
	MintEventSettleReject  MintEvent = "settle-reject"
)

// MintCancelled is never persisted: cancel hard-deletes the row. It exists so
// cancellation goes through the same table as every other transition.
const MintCancelled MintStatus = "cancelled"

var mintFSM = transitions[MintStatus, MintEvent]{
	entity: "mint request",
	table: map[MintStatus]map[MintEvent]MintStatus{
		MintPending: {
			MintEventSubmitProof: MintProofSubmitted,
			MintEventReject:      MintRejected,
			MintEventExpire:      MintExpired,
			MintEventCancel:      MintCancelled,
		},
		MintProofSubmitted: {
			MintEventConfirm: MintConfirmed,
			MintEventReject:  MintRejected,
			MintEventExpire:  MintExpired,
			MintEventDispute: MintDisputed,
		},
		MintExpired: {
			MintEventDispute: MintDisputed,
		},
		MintDisputed: {
			MintEventSettleConfirm: MintConfirmed,
			MintEventSettleReject:  MintRejected,
		},
	},
}

// NextMintStatus returns the status reached by applying ev, or InvalidState.
func NextMintStatus(from MintStatus, ev MintEvent) (MintStatus, error) {
	return mintFSM.next(from, ev)
}

// BurnEvent drives burn request transitions.
type BurnEvent string

const (
	BurnEventFiatSent      BurnEvent = "mark fiat sent for"
	BurnEventConfirm       BurnEvent = "confirm"
	BurnEventReject        BurnEvent = "reject"
	BurnEventExpire        BurnEvent = "expire"
	BurnEventDispute       BurnEvent = "dispute"
	BurnEventSettleConfirm BurnEvent = "settle-confirm"
	BurnEventSettleReject  BurnEvent = "settle-reject"
)

var burnFSM = transitions[BurnStatus, BurnEvent]{
	entity: "burn request",
	table: map[BurnStatus]map[BurnEvent]BurnStatus{
		BurnEscrowed: {
			BurnEventFiatSent: BurnFiatSent,
			BurnEventReject:   BurnRejected,
			BurnEventExpire:   BurnExpired,
			BurnEventDispute:  BurnDisputed,
		},
		BurnFiatSent: {
			BurnEventConfirm: BurnConfirmed,
			BurnEventExpire:  BurnExpired,
			BurnEventDispute: BurnDisputed,
		},
		BurnExpired: {
			BurnEventDispute: BurnDisputed,
		},
		BurnDisputed: {
			BurnEventSettleConfirm: BurnConfirmed,
			BurnEventSettleReject:  BurnRejected,
		},
	},
}

// NextBurnStatus returns the status reached by applying ev, or InvalidState.
func NextBurnStatus(from BurnStatus, ev BurnEvent) (BurnStatus, error) {
	return burnFSM.next(from, ev)
}

// DisputeEvent drives dispute transitions.
type DisputeEvent string

const DisputeEventResolve DisputeEvent = "resolve"

var disputeFSM = transitions[DisputeStatus, DisputeEvent]{
	entity: "dispute",
	table: map[DisputeStatus]map[DisputeEvent]DisputeStatus{
		DisputeOpen: {DisputeEventResolve: DisputeResolved},
	},
}

// NextDisputeStatus returns the status reached by applying ev, or InvalidState.
func NextDisputeStatus(from DisputeStatus, ev DisputeEvent) (DisputeStatus, error) {
	return disputeFSM.next(from, ev)
}

// TxEvent drives transaction transitions.
type TxEvent string

const (
	TxEventComplete TxEvent = "complete"
	TxEventRefund   TxEvent = "refund"
	TxEventCancel   TxEvent = "cancel"
	TxEventFail     TxEvent = "fail"
)

var txFSM = transitions[TxStatus, TxEvent]{
	entity: "transaction",
	table: map[TxStatus]map[TxEvent]TxStatus{
		TxPending: {
			TxEventComplete: TxCompleted,
			TxEventRefund:   TxRefunded,
			TxEventCancel:   TxCancelled,
			TxEventFail:     TxFailed,
		},
	},
}

// NextTxStatus returns the status reached by applying ev, or InvalidState.
func NextTxStatus(from TxStatus, ev TxEvent) (TxStatus, error) {
	return txFSM.next(from, ev)
}

// WithdrawalEvent drives agent withdrawal transitions.
type WithdrawalEvent string

const (
	WithdrawalEventApprove  WithdrawalEvent = "approve"
	WithdrawalEventMarkPaid WithdrawalEvent = "mark paid"
	WithdrawalEventReject   WithdrawalEvent = "reject"
)

var withdrawalFSM = transitions[WithdrawalStatus, WithdrawalEvent]{
	entity: "withdrawal",
	table: map[WithdrawalStatus]map[WithdrawalEvent]WithdrawalStatus{
		WithdrawalPending: {
			WithdrawalEventApprove: WithdrawalApproved,
			WithdrawalEventReject:  WithdrawalRejected,
		},
		WithdrawalApproved: {
			WithdrawalEventMarkPaid: WithdrawalPaid,
			WithdrawalEventReject:   WithdrawalRejected,
		},
	},
}

// NextWithdrawalStatus returns the status reached by applying ev, or InvalidState.
func NextWithdrawalStatus(from WithdrawalStatus, ev WithdrawalEvent) (WithdrawalStatus, error) {
	return withdrawalFSM.next(from, ev)
}

// AgentEvent drives agent status transitions.
type AgentEvent string

const (
	AgentEventActivate AgentEvent = "activate"
	AgentEventSuspend  AgentEvent = "suspend"
)

var agentFSM = transitions[AgentStatus, AgentEvent]{
	entity: "agent",
	table: map[AgentStatus]map[AgentEvent]AgentStatus{
		AgentPending: {
			AgentEventActivate: AgentActive,
			AgentEventSuspend:  AgentSuspended,
		},
		AgentActive: {
			AgentEventSuspend: AgentSuspended,
		},
		AgentSuspended: {
			AgentEventActivate: AgentActive,
		},
	},
}

// NextAgentStatus returns the status reached by applying ev, or InvalidState.
func NextAgentStatus(from AgentStatus, ev AgentEvent) (AgentStatus, error) {
	return agentFSM.next(from, ev)
}
