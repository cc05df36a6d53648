package settlement

import "errors"

var (
	// ErrEmptyReference is returned when a ledger entry has no idempotency reference.
	ErrEmptyReference = errors.New("settlement: empty reference")
	// ErrNegativeAmount is returned when a negative amount is provided.
	ErrNegativeAmount = errors.New("settlement: negative amount")
	// ErrEmptyBankAccount is returned when no bank account is given.
	ErrEmptyBankAccount = errors.New("settlement: empty bank account id")
	// ErrBankAccountNotFound is returned when the bank account does not exist.
	ErrBankAccountNotFound = errors.New("settlement: bank account not found")
	// ErrEmptyGateway is returned when a receivable has no gateway.
	ErrEmptyGateway = errors.New("settlement: empty gateway")
	// ErrNoReceivables is returned when a batch has no members.
	ErrNoReceivables = errors.New("settlement: no receivables")
	// ErrDuplicateReceivable is returned when an id appears twice in one batch.
	ErrDuplicateReceivable = errors.New("settlement: duplicate receivable in batch")
	// ErrReceivableNotFound is returned when a batch member does not exist.
	ErrReceivableNotFound = errors.New("settlement: receivable not found")
	// ErrReceivableSettled is returned when a batch member is already settled.
	ErrReceivableSettled = errors.New("settlement: receivable already settled")
	// ErrMixedGateways is returned when batch members belong to different gateways.
	ErrMixedGateways = errors.New("settlement: receivables span multiple gateways")
	// ErrFeeExceedsGross is returned when the fee deduction is larger than the batch gross.
	ErrFeeExceedsGross = errors.New("settlement: fee deduction exceeds gross amount")
	// ErrDuplicateExpense is returned when the expense idempotency key already exists.
	ErrDuplicateExpense = errors.New("settlement: expense already posted")
	// ErrDuplicateWalletCredit is returned when the wallet credit reference already exists.
	ErrDuplicateWalletCredit = errors.New("settlement: wallet credit already posted")
	// ErrBatchNotFound is returned when a batch is not found.
	ErrBatchNotFound = errors.New("settlement: batch not found")
)

// IsInvalidBatch reports whether err is a caller error raised while
// validating a batch request.
func IsInvalidBatch(err error) bool {
	switch {
	case errors.Is(err, ErrNoReceivables),
		errors.Is(err, ErrDuplicateReceivable),
		errors.Is(err, ErrReceivableNotFound),
		errors.Is(err, ErrReceivableSettled),
		errors.Is(err, ErrMixedGateways),
		errors.Is(err, ErrFeeExceedsGross),
		errors.Is(err, ErrNegativeAmount),
		errors.Is(err, ErrEmptyBankAccount),
		errors.Is(err, ErrEmptyGateway),
		errors.Is(err, ErrBankAccountNotFound):
		return true
	default:
		return false
	}
}
