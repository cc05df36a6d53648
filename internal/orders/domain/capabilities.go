package orders

// DeskRole is the role a principal plays on the trading desk.
type DeskRole string

const (
	RoleViewer   DeskRole = "viewer"
	RoleCreator  DeskRole = "creator"
	RolePayer    DeskRole = "payer"
	RoleCombined DeskRole = "combined"
	RoleAdmin    DeskRole = "admin"
)

// Actor is the principal acting on an order.
type Actor struct {
	Subject string
	Role    DeskRole
}

// Capability names a single permission checked by the transition gate.
type Capability string

const (
	CapCollectBanking Capability = "collect_banking"
	CapCollectPan     Capability = "collect_pan"
	CapAddToBank      Capability = "add_to_bank"
	CapRecordPayment  Capability = "record_payment"
	CapCompleteOrder  Capability = "complete_order"
)

// RoleCapabilities is computed once per order view and passed as plain data.
type RoleCapabilities struct {
	CanCollectBanking bool `json:"can_collect_banking"`
	CanCollectPan     bool `json:"can_collect_pan"`
	CanAddToBank      bool `json:"can_add_to_bank"`
	CanRecordPayment  bool `json:"can_record_payment"`
	CanCompleteOrder  bool `json:"can_complete_order"`
}

// AllCapabilities grants every permission.
func AllCapabilities() RoleCapabilities {
	return RoleCapabilities{
		CanCollectBanking: true,
		CanCollectPan:     true,
		CanAddToBank:      true,
		CanRecordPayment:  true,
		CanCompleteOrder:  true,
	}
}

// Union merges two capability sets.
func (c RoleCapabilities) Union(other RoleCapabilities) RoleCapabilities {
	return RoleCapabilities{
		CanCollectBanking: c.CanCollectBanking || other.CanCollectBanking,
		CanCollectPan:     c.CanCollectPan || other.CanCollectPan,
		CanAddToBank:      c.CanAddToBank || other.CanAddToBank,
		CanRecordPayment:  c.CanRecordPayment || other.CanRecordPayment,
		CanCompleteOrder:  c.CanCompleteOrder || other.CanCompleteOrder,
	}
}

// Has reports whether c grants capability.
func (c RoleCapabilities) Has(capability Capability) bool {
	switch capability {
	case CapCollectBanking:
		return c.CanCollectBanking
	case CapCollectPan:
		return c.CanCollectPan
	case CapAddToBank:
		return c.CanAddToBank
	case CapRecordPayment:
		return c.CanRecordPayment
	case CapCompleteOrder:
		return c.CanCompleteOrder
	default:
		return false
	}
}

func creatorCapabilities() RoleCapabilities {
	return RoleCapabilities{CanCollectBanking: true, CanCollectPan: true, CanCompleteOrder: true}
}

func payerCapabilities() RoleCapabilities {
	return RoleCapabilities{CanAddToBank: true, CanRecordPayment: true}
}

// CapabilitiesFor derives capabilities from the actor's role relative to
// order. A subject that both created and funds the order acts as combined.
func CapabilitiesFor(actor Actor, order Order) RoleCapabilities {
	switch actor.Role {
	case RoleAdmin, RoleCombined:
		return AllCapabilities()
	case RoleCreator:
		caps := creatorCapabilities()
		if actor.Subject != "" && actor.Subject == order.PayerID {
			caps = caps.Union(payerCapabilities())
		}
		return caps
	case RolePayer:
		caps := payerCapabilities()
		if actor.Subject != "" && actor.Subject == order.CreatedBy {
			caps = caps.Union(creatorCapabilities())
		}
		return caps
	default:
		return RoleCapabilities{}
	}
}

// ParseDeskRole validates a raw role string.
func ParseDeskRole(raw string) (DeskRole, bool) {
	switch DeskRole(raw) {
	case RoleViewer, RoleCreator, RolePayer, RoleCombined, RoleAdmin:
		return DeskRole(raw), true
	default:
		return "", false
	}
}
