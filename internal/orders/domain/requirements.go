package orders

import (
	"strings"
)

// Collect names the data collection step a transition needs.
type Collect string

const (
	CollectNone    Collect = "none"
	CollectBanking Collect = "banking"
	CollectPan     Collect = "pan"
	CollectTimer   Collect = "timer"
)

// Requirement tells the caller which input must be gathered before the
// status change can be committed.
type Requirement struct {
	Collect Collect `json:"collect"`
	Fields  []Field `json:"fields,omitempty"`
}

// Satisfied reports whether nothing needs collecting.
func (r Requirement) Satisfied() bool {
	return r.Collect == CollectNone
}

// ResolveMissingFields returns the first collection step still needed before
// order can enter target. Requirements accumulate along the sequence, so a
// jump past several statuses asks for the earliest missing data first.
func ResolveMissingFields(order Order, target Status) Requirement {
	idx := target.Index()
	if idx < 0 {
		return Requirement{Collect: CollectNone}
	}
	if idx >= StatusBankingCollected.Index() && !order.HasBanking() {
		return Requirement{Collect: CollectBanking, Fields: missingBankingFields(order)}
	}
	if idx >= StatusPanCollected.Index() && !order.HasTaxCategory() {
		return Requirement{Collect: CollectPan, Fields: []Field{FieldTaxCategory}}
	}
	if idx >= StatusAddedToBank.Index() && order.Status.Index() >= 0 && order.Status.Index() < StatusAddedToBank.Index() {
		return Requirement{Collect: CollectTimer, Fields: []Field{FieldTimer}}
	}
	return Requirement{Collect: CollectNone}
}

func missingBankingFields(order Order) []Field {
	if order.Channel == ChannelUPI {
		return []Field{FieldUPIID}
	}
	var fields []Field
	if strings.TrimSpace(order.Banking.BankName) == "" {
		fields = append(fields, FieldBankName)
	}
	if strings.TrimSpace(order.Banking.AccountNumber) == "" {
		fields = append(fields, FieldAccountNumber)
	}
	if strings.TrimSpace(order.Banking.IFSCCode) == "" {
		fields = append(fields, FieldIFSCCode)
	}
	return fields
}

// ValidIFSC reports whether code is exactly 11 ASCII alphanumerics.
func ValidIFSC(code string) bool {
	if len(code) != 11 {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		default:
			return false
		}
	}
	return true
}

// NormalizeBanking trims input and validates it for channel. The returned
// value is what gets persisted.
func NormalizeBanking(channel PaymentChannel, in Banking) (Banking, error) {
	out := Banking{
		UPIID:         strings.TrimSpace(in.UPIID),
		BankName:      strings.TrimSpace(in.BankName),
		AccountNumber: strings.TrimSpace(in.AccountNumber),
		IFSCCode:      strings.ToUpper(strings.TrimSpace(in.IFSCCode)),
	}
	if channel == ChannelUPI {
		if out.UPIID == "" {
			return Banking{}, NewValidationError(FieldUPIID, "required")
		}
		return Banking{UPIID: out.UPIID}, nil
	}
	if out.BankName == "" {
		return Banking{}, NewValidationError(FieldBankName, "required")
	}
	if out.AccountNumber == "" {
		return Banking{}, NewValidationError(FieldAccountNumber, "required")
	}
	if !ValidIFSC(out.IFSCCode) {
		return Banking{}, NewValidationError(FieldIFSCCode, "must be 11 alphanumeric characters")
	}
	out.UPIID = ""
	return out, nil
}
