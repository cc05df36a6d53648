package orders

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TaxCategory is the TDS classification of the supplier. An empty value
// means the category has not been collected yet.
type TaxCategory string

const (
	TaxCategoryNone        TaxCategory = "none"
	TaxCategoryProvided    TaxCategory = "provided"
	TaxCategoryNotProvided TaxCategory = "not_provided"
)

// Valid reports whether c is a known category.
func (c TaxCategory) Valid() bool {
	switch c {
	case TaxCategoryNone, TaxCategoryProvided, TaxCategoryNotProvided:
		return true
	default:
		return false
	}
}

// PaymentChannel decides which banking fields are required.
type PaymentChannel string

const (
	ChannelUPI  PaymentChannel = "upi"
	ChannelBank PaymentChannel = "bank"
)

// Valid reports whether ch is a known channel.
func (ch PaymentChannel) Valid() bool {
	return ch == ChannelUPI || ch == ChannelBank
}

// Banking holds the supplier payout destination.
type Banking struct {
	UPIID         string `json:"upi_id,omitempty"`
	BankName      string `json:"bank_name,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	IFSCCode      string `json:"ifsc_code,omitempty"`
}

// Order is a buy order moving through the fulfilment pipeline.
type Order struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number"`
	Status      Status `json:"status"`

	Asset       string          `json:"asset"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	GrossAmount decimal.Decimal `json:"gross_amount"`
	PlatformFee decimal.Decimal `json:"platform_fee"`
	WalletID    string          `json:"wallet_id,omitempty"`

	TaxCategory      TaxCategory     `json:"tax_category,omitempty"`
	TaxAmount        decimal.Decimal `json:"tax_amount"`
	NetPayableAmount decimal.Decimal `json:"net_payable_amount"`
	PaidAmount       decimal.Decimal `json:"paid_amount"`

	Channel PaymentChannel `json:"payment_channel"`
	Banking Banking        `json:"banking"`

	TimerEndsAt *time.Time `json:"timer_ends_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`

	FundingAccountID  string `json:"funding_account_id,omitempty"`
	SettlementBatchID string `json:"settlement_batch_id,omitempty"`

	CreatedBy string    `json:"created_by"`
	PayerID   string    `json:"payer_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasBanking reports whether the banking fields required by the order's
// channel are all present.
func (o Order) HasBanking() bool {
	if o.Channel == ChannelUPI {
		return strings.TrimSpace(o.Banking.UPIID) != ""
	}
	return strings.TrimSpace(o.Banking.BankName) != "" &&
		strings.TrimSpace(o.Banking.AccountNumber) != "" &&
		strings.TrimSpace(o.Banking.IFSCCode) != ""
}

// HasTaxCategory reports whether a TDS category has been chosen.
func (o Order) HasTaxCategory() bool {
	return o.TaxCategory != ""
}

// OutstandingAmount is the part of the net payable not yet paid.
func (o Order) OutstandingAmount() decimal.Decimal {
	rest := o.NetPayableAmount.Sub(o.PaidAmount)
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

// Clone returns a detached copy.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	if o.TimerEndsAt != nil {
		t := *o.TimerEndsAt
		c.TimerEndsAt = &t
	}
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// Changes carries the fields written together with a status update.
// Nil pointers leave the stored value untouched.
type Changes struct {
	Banking           *Banking
	TaxCategory       *TaxCategory
	TaxAmount         *decimal.Decimal
	NetPayableAmount  *decimal.Decimal
	PaidAmount        *decimal.Decimal
	TimerEndsAt       *time.Time
	ClearTimer        bool
	FundingAccountID  *string
	SettlementBatchID *string
	PlatformFee       *decimal.Decimal
}

// Empty reports whether c changes nothing.
func (c Changes) Empty() bool {
	return c.Banking == nil && c.TaxCategory == nil && c.TaxAmount == nil &&
		c.NetPayableAmount == nil && c.PaidAmount == nil && c.TimerEndsAt == nil &&
		!c.ClearTimer && c.FundingAccountID == nil && c.SettlementBatchID == nil &&
		c.PlatformFee == nil
}

// Apply writes c onto o. Stores use it to keep in-memory and SQL updates
// consistent.
func (c Changes) Apply(o *Order) {
	if o == nil {
		return
	}
	if c.Banking != nil {
		o.Banking = *c.Banking
	}
	if c.TaxCategory != nil {
		o.TaxCategory = *c.TaxCategory
	}
	if c.TaxAmount != nil {
		o.TaxAmount = *c.TaxAmount
	}
	if c.NetPayableAmount != nil {
		o.NetPayableAmount = *c.NetPayableAmount
	}
	if c.PaidAmount != nil {
		o.PaidAmount = *c.PaidAmount
	}
	if c.ClearTimer {
		o.TimerEndsAt = nil
	}
	if c.TimerEndsAt != nil {
		t := c.TimerEndsAt.UTC()
		o.TimerEndsAt = &t
	}
	if c.FundingAccountID != nil {
		o.FundingAccountID = *c.FundingAccountID
	}
	if c.SettlementBatchID != nil {
		o.SettlementBatchID = *c.SettlementBatchID
	}
	if c.PlatformFee != nil {
		o.PlatformFee = *c.PlatformFee
	}
}
