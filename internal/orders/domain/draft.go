package orders

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	FieldOrderNumber Field = "order_number"
	FieldGrossAmount Field = "gross_amount"
	FieldQuantity    Field = "quantity"
	FieldPlatformFee Field = "platform_fee"
	FieldChannel     Field = "payment_channel"
	FieldExpiresAt   Field = "expires_at"
	FieldAmount      Field = "amount"
)

// Draft is the operator input for a new order.
type Draft struct {
	OrderNumber      string
	Asset            string
	Quantity         decimal.Decimal
	UnitPrice        decimal.Decimal
	GrossAmount      decimal.Decimal
	PlatformFee      decimal.Decimal
	WalletID         string
	TaxCategory      TaxCategory
	Channel          PaymentChannel
	Banking          Banking
	ExpiresAt        *time.Time
	FundingAccountID string
	CreatedBy        string
	PayerID          string
}

// NewOrder validates d and builds an order in status new. When gross is
// omitted it is derived from quantity and unit price.
func NewOrder(id string, d Draft, now time.Time) (*Order, error) {
	number := strings.TrimSpace(d.OrderNumber)
	if number == "" {
		return nil, NewValidationError(FieldOrderNumber, "required")
	}
	if !d.Channel.Valid() {
		return nil, NewValidationError(FieldChannel, "must be upi or bank")
	}
	if d.Quantity.IsNegative() {
		return nil, NewValidationError(FieldQuantity, "must not be negative")
	}
	if d.PlatformFee.IsNegative() {
		return nil, NewValidationError(FieldPlatformFee, "must not be negative")
	}
	if d.PlatformFee.GreaterThan(d.Quantity) {
		return nil, NewValidationError(FieldPlatformFee, "exceeds quantity")
	}
	gross := d.GrossAmount
	if gross.IsZero() {
		gross = d.Quantity.Mul(d.UnitPrice).Round(2)
	}
	if !gross.IsPositive() {
		return nil, NewValidationError(FieldGrossAmount, "must be positive")
	}
	if d.TaxCategory != "" && !d.TaxCategory.Valid() {
		return nil, NewValidationError(FieldTaxCategory, "must be none, provided or not_provided")
	}
	if d.ExpiresAt != nil && !d.ExpiresAt.After(now) {
		return nil, NewValidationError(FieldExpiresAt, "must be in the future")
	}

	order := &Order{
		ID:               id,
		OrderNumber:      number,
		Status:           StatusNew,
		Asset:            strings.ToUpper(strings.TrimSpace(d.Asset)),
		Quantity:         d.Quantity,
		UnitPrice:        d.UnitPrice,
		GrossAmount:      gross,
		PlatformFee:      d.PlatformFee,
		WalletID:         strings.TrimSpace(d.WalletID),
		TaxAmount:        decimal.Zero,
		NetPayableAmount: gross,
		PaidAmount:       decimal.Zero,
		Channel:          d.Channel,
		FundingAccountID: strings.TrimSpace(d.FundingAccountID),
		CreatedBy:        d.CreatedBy,
		PayerID:          strings.TrimSpace(d.PayerID),
		CreatedAt:        now.UTC(),
		UpdatedAt:        now.UTC(),
	}
	if d.ExpiresAt != nil {
		t := d.ExpiresAt.UTC()
		order.ExpiresAt = &t
	}
	if d.Banking != (Banking{}) {
		banking, err := NormalizeBanking(d.Channel, d.Banking)
		if err != nil {
			return nil, err
		}
		order.Banking = banking
	}
	if d.TaxCategory != "" {
		PayoutChanges(*order, d.TaxCategory).Apply(order)
	}
	return order, nil
}
