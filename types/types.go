package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Proof is an indivisible unit of ecash value signed by a mint.
// Proofs are immutable once issued.
type Proof struct {
	// Amount of the proof in the keyset's unit.
	Amount uint64 `json:"amount"`

	// ID of the keyset the proof was signed under.
	ID string `json:"id"`

	// Secret is the x value whose signature the mint produced.
	Secret string `json:"secret"`

	// C is the mint's unblinded signature over the secret.
	C string `json:"C"`
}

type Proofs []Proof

// Amount returns the total value of the proof set.
func (ps Proofs) Amount() uint64 {
	var total uint64
	for _, p := range ps {
		total += p.Amount
	}
	return total
}

// Token is a proof collection plus mint/unit/memo metadata, the unit
// exchanged between customer wallets and the terminal.
type Token struct {
	Mint   string `json:"mint"`
	Proofs Proofs `json:"proofs"`
	Unit   string `json:"unit,omitempty"`
	Memo   string `json:"memo,omitempty"`
}

// Amount returns the token's total value.
func (t *Token) Amount() uint64 {
	return t.Proofs.Amount()
}

// PaymentState represents the lifecycle state of a payment.
type PaymentState string

const (
	StatePending             PaymentState = "pending"
	StateTokenReceived       PaymentState = "token_received"
	StateValidating          PaymentState = "validating"
	StateProcessing          PaymentState = "processing"
	StateCompleted           PaymentState = "completed"
	StatePendingVerification PaymentState = "pending_verification"
	StateFailed              PaymentState = "failed"
	StateCancelled           PaymentState = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
// pending_verification is not terminal: the reconciler still owns the outcome.
func (s PaymentState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// OverpaymentHandling is the resolved classification of excess payment.
type OverpaymentHandling string

const (
	HandlingTip    OverpaymentHandling = "tip"
	HandlingChange OverpaymentHandling = "change"
	HandlingPrompt OverpaymentHandling = "prompt"
)

// OverpaymentMode is the configured default used when neither threshold
// decides the classification.
type OverpaymentMode string

const (
	ModeAutoTip    OverpaymentMode = "auto_tip"
	ModeAutoChange OverpaymentMode = "auto_change"
	ModePrompt     OverpaymentMode = "prompt"
)

// OverpaymentInfo records how an excess amount was resolved. Only present
// when the received amount exceeds the requested amount.
type OverpaymentInfo struct {
	Amount      uint64              `json:"amount"`
	Handling    OverpaymentHandling `json:"handling"`
	ChangeToken string              `json:"changeToken,omitempty"`
}

// Payment is the record of one payment attempt. It is mutated only by the
// owning session (or the reconciler for offline-queued payments) and becomes
// immutable once in a terminal state.
type Payment struct {
	ID              string          `json:"id"`
	State           PaymentState    `json:"state"`
	RequestedAmount uint64          `json:"requestedAmount"`
	Unit            string          `json:"unit"`
	Currency        string          `json:"currency,omitempty"`
	ExchangeRate    decimal.Decimal `json:"exchangeRate"`

	ReceivedAmount uint64           `json:"receivedAmount,omitempty"`
	Mint           string           `json:"mint,omitempty"`
	Overpayment    *OverpaymentInfo `json:"overpayment,omitempty"`
	TransactionID  string           `json:"transactionId,omitempty"`
	OfflineQueued  bool             `json:"offlineQueued,omitempty"`
	ErrorCode      string           `json:"errorCode,omitempty"`
	ErrorMessage   string           `json:"errorMessage,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// FiatValue converts the received amount through the exchange rate captured
// at payment start.
func (p *Payment) FiatValue() decimal.Decimal {
	return decimal.NewFromUint64(p.ReceivedAmount).Mul(p.ExchangeRate)
}

// Record builds the immutable completed-payment record handed to downstream
// consumers (receipts, multi-terminal broadcast).
func (p *Payment) Record() *PaymentRecord {
	return &PaymentRecord{
		ID:            p.ID,
		Amount:        p.ReceivedAmount,
		Unit:          p.Unit,
		Currency:      p.Currency,
		FiatValue:     p.FiatValue(),
		Mint:          p.Mint,
		TransactionID: p.TransactionID,
		Overpayment:   p.Overpayment,
	}
}

// PaymentRecord is emitted on every completed payment. The engine does not
// format or transmit these itself.
type PaymentRecord struct {
	ID            string           `json:"id"`
	Amount        uint64           `json:"amount"`
	Unit          string           `json:"unit"`
	Currency      string           `json:"currency,omitempty"`
	FiatValue     decimal.Decimal  `json:"fiatValue"`
	Mint          string           `json:"mint"`
	TransactionID string           `json:"transactionId"`
	Overpayment   *OverpaymentInfo `json:"overpayment,omitempty"`
}

// ProofState is the mint-reported spend state of a single proof.
type ProofState string

const (
	ProofStateUnspent ProofState = "UNSPENT"
	ProofStatePending ProofState = "PENDING"
	ProofStateSpent   ProofState = "SPENT"
)

// QueueEntry is a provisionally-accepted offline payment awaiting
// reconciliation. It is owned exclusively by the offline queue until
// reconciliation deletes it.
type QueueEntry struct {
	PaymentID       string    `json:"paymentId"`
	RawToken        string    `json:"rawToken"`
	Mint            string    `json:"mint"`
	Amount          uint64    `json:"amount"`
	RequestedAmount uint64    `json:"requestedAmount"`
	TrustedMints    []string  `json:"trustedMints"`
	EnqueuedAt      time.Time `json:"enqueuedAt"`

	RetryCount    int       `json:"retryCount"`
	NextAttemptAt time.Time `json:"nextAttemptAt,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
}
