package orders

// Status is the lifecycle state of a buy order.
type Status string

const (
	StatusNew              Status = "new"
	StatusBankingCollected Status = "banking_collected"
	StatusPanCollected     Status = "pan_collected"
	StatusAddedToBank      Status = "added_to_bank"
	StatusPaid             Status = "paid"
	StatusCompleted        Status = "completed"
	StatusCancelled        Status = "cancelled"
)

// Field names an input that must exist before an order can leave a status.
type Field string

const (
	FieldUPIID         Field = "upi_id"
	FieldBankName      Field = "bank_name"
	FieldAccountNumber Field = "account_number"
	FieldIFSCCode      Field = "ifsc_code"
	FieldTaxCategory   Field = "tax_category"
	FieldTimer         Field = "timer_minutes"
)

// StatusInfo is the static metadata of a status.
type StatusInfo struct {
	Status   Status  `json:"status"`
	Label    string  `json:"label"`
	Icon     string  `json:"icon"`
	Requires []Field `json:"requires,omitempty"`
}

// sequence is the forward order of the pipeline. Cancelled sits outside it.
var sequence = []Status{
	StatusNew,
	StatusBankingCollected,
	StatusPanCollected,
	StatusAddedToBank,
	StatusPaid,
	StatusCompleted,
}

var statusInfo = map[Status]StatusInfo{
	StatusNew:              {Status: StatusNew, Label: "New", Icon: "inbox"},
	StatusBankingCollected: {Status: StatusBankingCollected, Label: "Banking Collected", Icon: "landmark", Requires: []Field{FieldUPIID, FieldBankName, FieldAccountNumber, FieldIFSCCode}},
	StatusPanCollected:     {Status: StatusPanCollected, Label: "PAN Collected", Icon: "id-card", Requires: []Field{FieldTaxCategory}},
	StatusAddedToBank:      {Status: StatusAddedToBank, Label: "Added to Bank", Icon: "timer", Requires: []Field{FieldTimer}},
	StatusPaid:             {Status: StatusPaid, Label: "Paid", Icon: "banknote"},
	StatusCompleted:        {Status: StatusCompleted, Label: "Completed", Icon: "check-circle"},
	StatusCancelled:        {Status: StatusCancelled, Label: "Cancelled", Icon: "x-circle"},
}

// Sequence returns a copy of the forward status sequence.
func Sequence() []Status {
	out := make([]Status, len(sequence))
	copy(out, sequence)
	return out
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusInfo[s]
	return ok
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Index returns the position of s in the forward sequence, or -1 for
// cancelled and unknown statuses.
func (s Status) Index() int {
	for i, candidate := range sequence {
		if candidate == s {
			return i
		}
	}
	return -1
}

// Next returns the status that follows s in the sequence.
func (s Status) Next() (Status, bool) {
	idx := s.Index()
	if idx < 0 || idx+1 >= len(sequence) {
		return "", false
	}
	return sequence[idx+1], true
}

// Info returns display metadata for s.
func (s Status) Info() StatusInfo {
	if info, ok := statusInfo[s]; ok {
		return info
	}
	return StatusInfo{Status: s, Label: string(s)}
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", ErrInvalidStatus
	}
	return s, nil
}
