package orders

// Outcome classifies an EffectiveTransition.
type Outcome string

const (
	// OutcomeAvailable means the order may move to Target.
	OutcomeAvailable Outcome = "available"
	// OutcomeWaiting means another role must act first. Rendered as a
	// waiting indicator, never as an error.
	OutcomeWaiting Outcome = "waiting"
	// OutcomeNone means there is nothing to move to.
	OutcomeNone Outcome = "none"
)

// EffectiveTransition is the guard's decision for a proposed move.
type EffectiveTransition struct {
	From    Status     `json:"from"`
	Target  Status     `json:"target,omitempty"`
	Outcome Outcome    `json:"outcome"`
	Skipped []Status   `json:"skipped,omitempty"`
	Missing Capability `json:"missing_capability,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

// Available reports whether the transition can be applied.
func (t EffectiveTransition) Available() bool {
	return t.Outcome == OutcomeAvailable
}

// requiredCapability returns the capability needed to enter status.
func requiredCapability(status Status) (Capability, bool) {
	switch status {
	case StatusCompleted:
		return CapCompleteOrder, true
	case StatusPaid:
		return CapRecordPayment, true
	case StatusAddedToBank:
		return CapAddToBank, true
	case StatusPanCollected:
		return CapCollectPan, true
	default:
		return "", false
	}
}

// prerequisitePresent reports whether the data collected by entering status
// is already on the order, which makes the status skippable.
func prerequisitePresent(order Order, status Status) bool {
	switch status {
	case StatusBankingCollected:
		return order.HasBanking()
	case StatusPanCollected:
		return order.HasTaxCategory()
	default:
		return false
	}
}

func blockedBy(status Status, caps RoleCapabilities) (Capability, bool) {
	capability, gated := requiredCapability(status)
	if !gated || caps.Has(capability) {
		return "", false
	}
	return capability, true
}

// NextTransition proposes the nominal next status from the graph.
func NextTransition(order Order, caps RoleCapabilities) EffectiveTransition {
	next, ok := order.Status.Next()
	if !ok {
		return EffectiveTransition{From: order.Status, Outcome: OutcomeNone, Reason: "no next status"}
	}
	return ProposeTransition(order, next, caps)
}

// ProposeTransition computes the status the order would actually move to if
// target were requested by an actor holding caps. It never returns a status
// earlier in the sequence than the current one, except cancelled.
//
// Forward moves walk the sequence one status at a time starting after the
// current one. A status is passed over only while its data is already on the
// order and the status after it is open to caps. The walk stops at the first
// status that cannot be passed over; if that status is gated for another role
// the result is Waiting. An explicit target therefore never jumps past a
// status that still needs data or another role.
func ProposeTransition(order Order, target Status, caps RoleCapabilities) EffectiveTransition {
	from := order.Status
	result := EffectiveTransition{From: from, Outcome: OutcomeNone}

	if !target.Valid() || !from.Valid() {
		result.Reason = "unknown status"
		return result
	}
	if from.Terminal() {
		result.Reason = "order is terminal"
		return result
	}
	if target == StatusCancelled {
		result.Target = StatusCancelled
		result.Outcome = OutcomeAvailable
		return result
	}
	if target.Index() <= from.Index() {
		result.Reason = "status cannot move backwards"
		return result
	}

	current, _ := from.Next()
	if capability, blocked := blockedBy(current, caps); blocked {
		result.Outcome = OutcomeWaiting
		result.Missing = capability
		result.Reason = "waiting for " + string(capability)
		return result
	}

	var skipped []Status
	for prerequisitePresent(order, current) {
		next, ok := current.Next()
		if !ok {
			break
		}
		if _, blocked := blockedBy(next, caps); blocked {
			break
		}
		skipped = append(skipped, current)
		current = next
	}

	result.Target = current
	result.Outcome = OutcomeAvailable
	result.Skipped = skipped
	if current.Index() < target.Index() {
		result.Reason = "stops at " + string(current) + " before " + string(target)
	}
	return result
}
