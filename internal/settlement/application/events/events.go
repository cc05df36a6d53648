package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementBatchApplied is emitted after a gateway batch is committed.
type SettlementBatchApplied struct {
	BatchID       string          `json:"batch_id"`
	Gateway       string          `json:"gateway"`
	BankAccountID string          `json:"bank_account_id"`
	ReceivableIDs []string        `json:"receivable_ids"`
	NetAmount     decimal.Decimal `json:"net_amount"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// EventKey keys the event by batch.
func (e SettlementBatchApplied) EventKey() (string, time.Time) { return e.BatchID, e.OccurredAt }
