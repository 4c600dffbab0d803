package swapdb

// ProtocolType identifies the swap protocol a stored swap belongs to. Each
// protocol has its own closed state set, they are never mixed.
type ProtocolType uint8

const (
	// ProtocolEscrowOut is an escrow (HTLC) swap paying out to Bitcoin.
	ProtocolEscrowOut ProtocolType = 0

	// ProtocolEscrowIn is an escrow swap funded over Lightning that the
	// client settles itself.
	ProtocolEscrowIn ProtocolType = 1

	// ProtocolWatchtowerIn is an escrow swap funded over Lightning that is
	// settled by a permissionless watchtower once the secret is
	// broadcast.
	ProtocolWatchtowerIn ProtocolType = 2

	// ProtocolVaultIn is a swap from on-chain Bitcoin controlled by an SPV
	// vault.
	ProtocolVaultIn ProtocolType = 3

	// ProtocolGasSwap is a small trusted swap used to top up gas on the
	// destination chain.
	ProtocolGasSwap ProtocolType = 4
)

// String returns the name of the protocol.
func (t ProtocolType) String() string {
	switch t {
	case ProtocolEscrowOut:
		return "EscrowOut"

	case ProtocolEscrowIn:
		return "EscrowIn"

	case ProtocolWatchtowerIn:
		return "WatchtowerIn"

	case ProtocolVaultIn:
		return "VaultIn"

	case ProtocolGasSwap:
		return "GasSwap"

	default:
		return "Unknown"
	}
}

// Direction expresses which way value moves relative to Bitcoin.
type Direction uint8

const (
	// DirectionToBitcoin pays the user out on the Bitcoin side.
	DirectionToBitcoin Direction = 0

	// DirectionFromBitcoin pays the user out on the smart chain side.
	DirectionFromBitcoin Direction = 1
)

// Direction returns the value flow direction of the protocol.
func (t ProtocolType) Direction() Direction {
	if t == ProtocolEscrowOut {
		return DirectionToBitcoin
	}

	return DirectionFromBitcoin
}

// EscrowOutState is the state of an escrow swap paying out to Bitcoin.
type EscrowOutState uint8

const (
	// EscrowOutCreated is the initial state, a quote has been accepted but
	// nothing irreversible has happened yet.
	EscrowOutCreated EscrowOutState = 0

	// EscrowOutQuoteSoftExpired means the quote validity deadline passed
	// while the swap was still uncommitted. A commit transaction sent
	// before the deadline may still confirm.
	EscrowOutQuoteSoftExpired EscrowOutState = 1

	// EscrowOutQuoteExpired means the quote expired with safety margin,
	// the swap can never be committed anymore.
	EscrowOutQuoteExpired EscrowOutState = 2

	// EscrowOutCommitted means the escrow is funded on the smart chain.
	EscrowOutCommitted EscrowOutState = 3

	// EscrowOutSoftClaimed means the intermediary paid the Bitcoin side
	// and delivered a claim proof that has not yet confirmed on the smart
	// chain.
	EscrowOutSoftClaimed EscrowOutState = 4

	// EscrowOutClaimed means the escrow was claimed on-chain, the swap
	// succeeded.
	EscrowOutClaimed EscrowOutState = 5

	// EscrowOutRefundable means the escrow expired unclaimed and the user
	// may take the funds back.
	EscrowOutRefundable EscrowOutState = 6

	// EscrowOutRefunded means the escrow was refunded on-chain.
	EscrowOutRefunded EscrowOutState = 7
)

// escrowOutTransitions is the closed transition graph of the escrow out
// protocol. A state missing from the map is terminal.
var escrowOutTransitions = map[EscrowOutState][]EscrowOutState{
	EscrowOutCreated: {
		EscrowOutQuoteSoftExpired, EscrowOutCommitted,
	},
	EscrowOutQuoteSoftExpired: {
		EscrowOutQuoteExpired, EscrowOutCommitted,
	},
	EscrowOutCommitted: {
		EscrowOutSoftClaimed, EscrowOutClaimed, EscrowOutRefundable,
	},
	EscrowOutSoftClaimed: {
		EscrowOutClaimed, EscrowOutRefundable,
	},
	EscrowOutRefundable: {
		EscrowOutRefunded, EscrowOutClaimed,
	},
}

// CanTransitionTo returns true if next is reachable from the current state in
// one step.
func (s EscrowOutState) CanTransitionTo(next EscrowOutState) bool {
	for _, n := range escrowOutTransitions[s] {
		if n == next {
			return true
		}
	}

	return false
}

// IsPending returns true if the swap is still in flight.
func (s EscrowOutState) IsPending() bool {
	switch s {
	case EscrowOutCreated, EscrowOutQuoteSoftExpired, EscrowOutCommitted,
		EscrowOutSoftClaimed, EscrowOutRefundable:

		return true
	}

	return false
}

// IsFinal returns true if the swap is in a terminal state.
func (s EscrowOutState) IsFinal() bool {
	return !s.IsPending()
}

// IsSuccess returns true if the swap completed successfully.
func (s EscrowOutState) IsSuccess() bool {
	return s == EscrowOutClaimed
}

// String returns a string representation of the state.
func (s EscrowOutState) String() string {
	switch s {
	case EscrowOutCreated:
		return "Created"

	case EscrowOutQuoteSoftExpired:
		return "QuoteSoftExpired"

	case EscrowOutQuoteExpired:
		return "QuoteExpired"

	case EscrowOutCommitted:
		return "Committed"

	case EscrowOutSoftClaimed:
		return "SoftClaimed"

	case EscrowOutClaimed:
		return "Claimed"

	case EscrowOutRefundable:
		return "Refundable"

	case EscrowOutRefunded:
		return "Refunded"

	default:
		return "Unknown"
	}
}

// EscrowInState is the state of a Lightning-funded escrow swap that the
// client settles itself.
type EscrowInState uint8

const (
	// EscrowInInvoiceCreated means the swap invoice has been handed to the
	// user but not paid yet.
	EscrowInInvoiceCreated EscrowInState = 0

	// EscrowInInvoicePaid means the intermediary acknowledged receipt of
	// the Lightning payment.
	EscrowInInvoicePaid EscrowInState = 1

	// EscrowInClaimCommitted means the intermediary funded the smart chain
	// escrow that the client can now claim with its secret.
	EscrowInClaimCommitted EscrowInState = 2

	// EscrowInClaimed means the client claimed the escrow, the swap
	// succeeded.
	EscrowInClaimed EscrowInState = 3

	// EscrowInFailed means the swap failed after the invoice was paid; the
	// payment is refunded cooperatively or times out on the Lightning
	// layer.
	EscrowInFailed EscrowInState = 4

	// EscrowInExpired means the invoice expired unpaid.
	EscrowInExpired EscrowInState = 5
)

var escrowInTransitions = map[EscrowInState][]EscrowInState{
	EscrowInInvoiceCreated: {
		EscrowInInvoicePaid, EscrowInExpired,
	},
	EscrowInInvoicePaid: {
		EscrowInClaimCommitted, EscrowInFailed,
	},
	EscrowInClaimCommitted: {
		EscrowInClaimed, EscrowInFailed,
	},
}

// CanTransitionTo returns true if next is reachable from the current state in
// one step.
func (s EscrowInState) CanTransitionTo(next EscrowInState) bool {
	for _, n := range escrowInTransitions[s] {
		if n == next {
			return true
		}
	}

	return false
}

// IsPending returns true if the swap is still in flight.
func (s EscrowInState) IsPending() bool {
	switch s {
	case EscrowInInvoiceCreated, EscrowInInvoicePaid,
		EscrowInClaimCommitted:

		return true
	}

	return false
}

// IsFinal returns true if the swap is in a terminal state.
func (s EscrowInState) IsFinal() bool {
	return !s.IsPending()
}

// IsSuccess returns true if the swap completed successfully.
func (s EscrowInState) IsSuccess() bool {
	return s == EscrowInClaimed
}

// String returns a string representation of the state.
func (s EscrowInState) String() string {
	switch s {
	case EscrowInInvoiceCreated:
		return "InvoiceCreated"

	case EscrowInInvoicePaid:
		return "InvoicePaid"

	case EscrowInClaimCommitted:
		return "ClaimCommitted"

	case EscrowInClaimed:
		return "Claimed"

	case EscrowInFailed:
		return "Failed"

	case EscrowInExpired:
		return "Expired"

	default:
		return "Unknown"
	}
}

// WatchtowerInState is the state of a Lightning-funded escrow swap settled by
// a permissionless watchtower. It deliberately does not share the escrow in
// state set: the claim edge has a different driver and the two sets must be
// free to diverge.
type WatchtowerInState uint8

const (
	// WatchtowerInInvoiceCreated means the swap invoice has been handed to
	// the user but not paid yet.
	WatchtowerInInvoiceCreated WatchtowerInState = 0

	// WatchtowerInInvoicePaid means the intermediary acknowledged receipt
	// of the Lightning payment.
	WatchtowerInInvoicePaid WatchtowerInState = 1

	// WatchtowerInClaimCommitted means the escrow is funded and the secret
	// has been broadcast for watchtowers to pick up.
	WatchtowerInClaimCommitted WatchtowerInState = 2

	// WatchtowerInClaimed means a watchtower (or the client itself as a
	// fallback) claimed the escrow.
	WatchtowerInClaimed WatchtowerInState = 3

	// WatchtowerInFailed means the swap failed after the invoice was paid.
	WatchtowerInFailed WatchtowerInState = 4

	// WatchtowerInExpired means the invoice expired unpaid.
	WatchtowerInExpired WatchtowerInState = 5
)

var watchtowerInTransitions = map[WatchtowerInState][]WatchtowerInState{
	WatchtowerInInvoiceCreated: {
		WatchtowerInInvoicePaid, WatchtowerInExpired,
	},
	WatchtowerInInvoicePaid: {
		WatchtowerInClaimCommitted, WatchtowerInFailed,
	},
	WatchtowerInClaimCommitted: {
		WatchtowerInClaimed, WatchtowerInFailed,
	},
}

// CanTransitionTo returns true if next is reachable from the current state in
// one step.
func (s WatchtowerInState) CanTransitionTo(next WatchtowerInState) bool {
	for _, n := range watchtowerInTransitions[s] {
		if n == next {
			return true
		}
	}

	return false
}

// IsPending returns true if the swap is still in flight.
func (s WatchtowerInState) IsPending() bool {
	switch s {
	case WatchtowerInInvoiceCreated, WatchtowerInInvoicePaid,
		WatchtowerInClaimCommitted:

		return true
	}

	return false
}

// IsFinal returns true if the swap is in a terminal state.
func (s WatchtowerInState) IsFinal() bool {
	return !s.IsPending()
}

// IsSuccess returns true if the swap completed successfully.
func (s WatchtowerInState) IsSuccess() bool {
	return s == WatchtowerInClaimed
}

// String returns a string representation of the state.
func (s WatchtowerInState) String() string {
	switch s {
	case WatchtowerInInvoiceCreated:
		return "InvoiceCreated"

	case WatchtowerInInvoicePaid:
		return "InvoicePaid"

	case WatchtowerInClaimCommitted:
		return "ClaimCommitted"

	case WatchtowerInClaimed:
		return "Claimed"

	case WatchtowerInFailed:
		return "Failed"

	case WatchtowerInExpired:
		return "Expired"

	default:
		return "Unknown"
	}
}

// VaultInState is the state of an SPV-vault controlled swap from on-chain
// Bitcoin.
type VaultInState uint8

const (
	// VaultInCreated is the initial state, the vault quote has been
	// accepted and lineage-verified.
	VaultInCreated VaultInState = 0

	// VaultInSigned means the user signed the Bitcoin funding
	// transaction.
	VaultInSigned VaultInState = 1

	// VaultInPosted means the signed transaction was posted to the
	// intermediary.
	VaultInPosted VaultInState = 2

	// VaultInBroadcast means the funding transaction is in the mempool.
	VaultInBroadcast VaultInState = 3

	// VaultInBtcConfirmed means the funding transaction reached the vault
	// owner's required confirmation depth.
	VaultInBtcConfirmed VaultInState = 4

	// VaultInFronted means a third party advanced the destination funds
	// before the required confirmation depth was reached.
	VaultInFronted VaultInState = 5

	// VaultInClaimed means the destination funds were released through
	// the vault withdrawal, the swap succeeded.
	VaultInClaimed VaultInState = 6

	// VaultInClosed means the vault was closed before processing the
	// withdrawal; the swap failed and the Bitcoin funds follow the vault
	// recovery path.
	VaultInClosed VaultInState = 7

	// VaultInQuoteExpired means the quote expired before the transaction
	// was broadcast.
	VaultInQuoteExpired VaultInState = 8
)

var vaultInTransitions = map[VaultInState][]VaultInState{
	VaultInCreated: {
		VaultInSigned, VaultInQuoteExpired,
	},
	VaultInSigned: {
		VaultInPosted, VaultInQuoteExpired,
	},
	VaultInPosted: {
		VaultInBroadcast, VaultInQuoteExpired,
	},
	VaultInBroadcast: {
		VaultInBtcConfirmed, VaultInFronted, VaultInClosed,
	},
	VaultInBtcConfirmed: {
		VaultInFronted, VaultInClaimed, VaultInClosed,
	},
	VaultInFronted: {
		VaultInClaimed,
	},
}

// CanTransitionTo returns true if next is reachable from the current state in
// one step.
func (s VaultInState) CanTransitionTo(next VaultInState) bool {
	for _, n := range vaultInTransitions[s] {
		if n == next {
			return true
		}
	}

	return false
}

// IsPending returns true if the swap is still in flight.
func (s VaultInState) IsPending() bool {
	switch s {
	case VaultInCreated, VaultInSigned, VaultInPosted, VaultInBroadcast,
		VaultInBtcConfirmed, VaultInFronted:

		return true
	}

	return false
}

// IsFinal returns true if the swap is in a terminal state.
func (s VaultInState) IsFinal() bool {
	return !s.IsPending()
}

// IsSuccess returns true if the swap completed successfully.
func (s VaultInState) IsSuccess() bool {
	return s == VaultInClaimed
}

// String returns a string representation of the state.
func (s VaultInState) String() string {
	switch s {
	case VaultInCreated:
		return "Created"

	case VaultInSigned:
		return "Signed"

	case VaultInPosted:
		return "Posted"

	case VaultInBroadcast:
		return "Broadcast"

	case VaultInBtcConfirmed:
		return "BtcConfirmed"

	case VaultInFronted:
		return "Fronted"

	case VaultInClaimed:
		return "Claimed"

	case VaultInClosed:
		return "Closed"

	case VaultInQuoteExpired:
		return "QuoteExpired"

	default:
		return "Unknown"
	}
}

// GasSwapState is the state of a trusted gas top-up swap.
type GasSwapState uint8

const (
	// GasSwapInvoiceCreated means the gas swap invoice has been handed to
	// the user but not paid yet.
	GasSwapInvoiceCreated GasSwapState = 0

	// GasSwapFinished means the intermediary paid out the gas, the swap
	// succeeded.
	GasSwapFinished GasSwapState = 1

	// GasSwapRefundable means the intermediary could not pay out and
	// authorized a refund.
	GasSwapRefundable GasSwapState = 2

	// GasSwapRefunded means the refund was settled.
	GasSwapRefunded GasSwapState = 3

	// GasSwapFailed means the swap failed terminally; recovery against
	// the intermediary is out of band.
	GasSwapFailed GasSwapState = 4

	// GasSwapExpired means the invoice expired unpaid.
	GasSwapExpired GasSwapState = 5
)

var gasSwapTransitions = map[GasSwapState][]GasSwapState{
	GasSwapInvoiceCreated: {
		GasSwapFinished, GasSwapRefundable, GasSwapFailed,
		GasSwapExpired,
	},
	GasSwapRefundable: {
		GasSwapRefunded,
	},
}

// CanTransitionTo returns true if next is reachable from the current state in
// one step.
func (s GasSwapState) CanTransitionTo(next GasSwapState) bool {
	for _, n := range gasSwapTransitions[s] {
		if n == next {
			return true
		}
	}

	return false
}

// IsPending returns true if the swap is still in flight.
func (s GasSwapState) IsPending() bool {
	switch s {
	case GasSwapInvoiceCreated, GasSwapRefundable:
		return true
	}

	return false
}

// IsFinal returns true if the swap is in a terminal state.
func (s GasSwapState) IsFinal() bool {
	return !s.IsPending()
}

// IsSuccess returns true if the swap completed successfully.
func (s GasSwapState) IsSuccess() bool {
	return s == GasSwapFinished
}

// String returns a string representation of the state.
func (s GasSwapState) String() string {
	switch s {
	case GasSwapInvoiceCreated:
		return "InvoiceCreated"

	case GasSwapFinished:
		return "Finished"

	case GasSwapRefundable:
		return "Refundable"

	case GasSwapRefunded:
		return "Refunded"

	case GasSwapFailed:
		return "Failed"

	case GasSwapExpired:
		return "Expired"

	default:
		return "Unknown"
	}
}
