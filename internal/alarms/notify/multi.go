package notify

import (
	"context"

	alarmapp "tradedesk/internal/alarms/application"
	alarms "tradedesk/internal/alarms/domain"
)

// MultiNotifier dispatches timer alerts to multiple notifiers.
type MultiNotifier struct {
	notifiers []alarmapp.AlertNotifier
}

// NewMultiNotifier constructs a MultiNotifier. Nil entries are ignored.
func NewMultiNotifier(notifiers ...alarmapp.AlertNotifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Notify forwards the alert to all notifiers.
func (m *MultiNotifier) Notify(ctx context.Context, alert alarms.Alert) {
	if m == nil {
		return
	}
	for _, notifier := range m.notifiers {
		if notifier != nil {
			notifier.Notify(ctx, alert)
		}
	}
}
