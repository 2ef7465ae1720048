package report

// RecipientType selects who is paid for an item
type RecipientType string

const (
	RecipientNamedA RecipientType = "NAMED_A"
	RecipientNamedB RecipientType = "NAMED_B"
	RecipientOther  RecipientType = "OTHER"
)

// Valid reports whether t is one of the known recipient modes
func (t RecipientType) Valid() bool {
	switch t {
	case RecipientNamedA, RecipientNamedB, RecipientOther:
		return true
	}
	return false
}

// Named reports whether t is a recipient with a fixed bank account
func (t RecipientType) Named() bool {
	return t == RecipientNamedA || t == RecipientNamedB
}

// LanguageMode selects the required-field rule set and payee model
type LanguageMode string

const (
	LanguageDefault LanguageMode = "ko"
	LanguageAlt     LanguageMode = "ru"
)

// ParseLanguage maps a request value onto a LanguageMode, defaulting to
// LanguageDefault for anything unrecognised.
func ParseLanguage(s string) LanguageMode {
	if LanguageMode(s) == LanguageAlt {
		return LanguageAlt
	}
	return LanguageDefault
}

// ReceiptState tracks a receipt through upload and OCR
type ReceiptState string

const (
	StatePlaceholder ReceiptState = "PLACEHOLDER"
	StateUploading   ReceiptState = "UPLOADING"
	StateOCRPending  ReceiptState = "OCR_PENDING"
	StateReconciled  ReceiptState = "RECONCILED"
	StateFailed      ReceiptState = "FAILED"
)

// inFlight reports whether a network step was still outstanding
func (s ReceiptState) inFlight() bool {
	return s == StatePlaceholder || s == StateUploading || s == StateOCRPending
}

// Receipt is one uploaded proof attached to an item
type Receipt struct {
	ID                  string       `json:"id"`
	FileName            string       `json:"fileName"`
	Preview             string       `json:"preview"`
	Date                string       `json:"date"`
	Amount              int          `json:"amount"`
	Description         string       `json:"description"`
	RawText             string       `json:"rawText"`
	HasMultipleCurrency bool         `json:"hasMultipleCurrency"`
	State               ReceiptState `json:"state,omitempty"`
}

// ExpenseItem is one line of the report
type ExpenseItem struct {
	ID            int           `json:"id"`
	Description   string        `json:"description"`
	Date          string        `json:"date"`
	RecipientType RecipientType `json:"recipientType"`
	Recipient     string        `json:"recipient"`
	Bank          string        `json:"bank"`
	Account       string        `json:"account"`
	CountryCode   string        `json:"countryCode"`
	ManagerName   string        `json:"managerName"`
	TelegramID    string        `json:"telegramId"`
	TotalAmount   int           `json:"totalAmount"`
	Receipts      []Receipt     `json:"receipts"`
}

// clone returns a copy that shares no receipt storage with item
func (item ExpenseItem) clone() ExpenseItem {
	out := item
	out.Receipts = make([]Receipt, len(item.Receipts))
	copy(out.Receipts, item.Receipts)
	return out
}

// Payee holds the fixed payment details of a named recipient
type Payee struct {
	Name    string
	Bank    string
	Account string
}

// Directory maps the named recipient modes to their payment details
type Directory map[RecipientType]Payee

// DefaultDirectory returns the built-in named recipients
func DefaultDirectory() Directory {
	return Directory{
		RecipientNamedA: {Name: "Recipient A", Bank: "W", Account: "928-017364-02-101"},
		RecipientNamedB: {Name: "Recipient B", Bank: "K", Account: "133-104009-01-018"},
	}
}

// legacyOther is the label older snapshots stored for RecipientOther
const legacyOther = "기타"

// Resolve maps a stored recipient value, current or legacy, onto a
// RecipientType. Legacy snapshots stored the display name of the payee.
func (d Directory) Resolve(value string) (RecipientType, bool) {
	t := RecipientType(value)
	if t.Valid() {
		return t, true
	}
	switch value {
	case legacyOther, "other":
		return RecipientOther, true
	case "named_a":
		return RecipientNamedA, true
	case "named_b":
		return RecipientNamedB, true
	}
	for rt, payee := range d {
		if payee.Name != "" && payee.Name == value {
			return rt, true
		}
	}
	return "", false
}
