package report

import (
	"fmt"
	"sync"
	"time"

	"github.com/zombor/expense-report/internal/ocr"
)

const isoDate = "2006-01-02"

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Confirmer asks the user to approve a destructive action
type Confirmer interface {
	Confirm(prompt string) bool
}

// ConfirmFunc adapts a function to the Confirmer interface
type ConfirmFunc func(prompt string) bool

func (f ConfirmFunc) Confirm(prompt string) bool {
	return f(prompt)
}

// Confirmed approves every prompt
var Confirmed Confirmer = ConfirmFunc(func(string) bool { return true })

// ItemField names an item value that UpdateItemField can set
type ItemField string

const (
	FieldDescription   ItemField = "description"
	FieldDate          ItemField = "date"
	FieldRecipientType ItemField = "recipientType"
	FieldRecipient     ItemField = "recipient"
	FieldBank          ItemField = "bank"
	FieldAccount       ItemField = "account"
	FieldCountryCode   ItemField = "countryCode"
	FieldManagerName   ItemField = "managerName"
	FieldTelegramID    ItemField = "telegramId"
	FieldTotalAmount   ItemField = "totalAmount"
)

// Store owns the report items, the active selection and the id counter.
// Every mutation runs under one lock and is followed by a snapshot
// notification, so subscribers observe mutations in order. Subscribers must
// not call back into the store.
type Store struct {
	mu          sync.Mutex
	items       []*ExpenseItem
	nextID      int
	selected    int
	reportYear  int
	reportMonth int

	previews   Previews
	directory  Directory
	timeSource TimeSource
	listeners  []func(Snapshot)
}

// NewStore creates an empty Store with the built-in recipient directory
func NewStore(previews Previews) *Store {
	return NewStoreWithDeps(previews, DefaultDirectory(), &defaultTimeSource{})
}

// NewStoreWithDeps creates an empty Store with custom dependencies for testing
func NewStoreWithDeps(previews Previews, directory Directory, timeSrc TimeSource) *Store {
	return &Store{
		previews:   previews,
		directory:  directory,
		timeSource: timeSrc,
	}
}

// Subscribe registers fn to receive a snapshot after every mutation
func (s *Store) Subscribe(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// mutate runs fn under the lock and notifies subscribers when it succeeds
func (s *Store) mutate(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(); err != nil {
		return err
	}
	s.publishLocked()
	return nil
}

func (s *Store) publishLocked() {
	if len(s.listeners) == 0 {
		return
	}
	snap := s.snapshotLocked()
	for _, fn := range s.listeners {
		fn(snap)
	}
}

func (s *Store) find(id int) (*ExpenseItem, error) {
	for _, item := range s.items {
		if item.ID == id {
			return item, nil
		}
	}
	return nil, fmt.Errorf("item %d: %w", id, ErrItemNotFound)
}

// CreateItem appends a new empty item dated today. The new item is not selected.
func (s *Store) CreateItem() ExpenseItem {
	var created ExpenseItem
	_ = s.mutate(func() error {
		s.nextID++
		item := &ExpenseItem{
			ID:            s.nextID,
			Date:          s.timeSource.Now().Format(isoDate),
			RecipientType: RecipientOther,
			Receipts:      []Receipt{},
		}
		s.items = append(s.items, item)
		created = item.clone()
		return nil
	})
	return created
}

// Item returns a copy of the item with the given id
func (s *Store) Item(id int) (ExpenseItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, err := s.find(id)
	if err != nil {
		return ExpenseItem{}, false
	}
	return item.clone(), true
}

// Items returns copies of every item in report order
func (s *Store) Items() []ExpenseItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ExpenseItem, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item.clone())
	}
	return out
}

// Select makes id the active item; 0 clears the selection
func (s *Store) Select(id int) error {
	return s.mutate(func() error {
		if id != 0 {
			if _, err := s.find(id); err != nil {
				return err
			}
		}
		s.selected = id
		return nil
	})
}

// Selected returns the active item id
func (s *Store) Selected() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected, s.selected != 0
}

// DeleteItem removes an item after confirmation and releases its previews
func (s *Store) DeleteItem(id int, c Confirmer) error {
	if _, ok := s.Item(id); !ok {
		return fmt.Errorf("item %d: %w", id, ErrItemNotFound)
	}
	if c == nil || !c.Confirm(fmt.Sprintf("Delete item %d?", id)) {
		return ErrNotConfirmed
	}
	return s.mutate(func() error {
		for i, item := range s.items {
			if item.ID != id {
				continue
			}
			item.releasePreviews(s.previews)
			s.items = append(s.items[:i], s.items[i+1:]...)
			if s.selected == id {
				s.selected = 0
			}
			return nil
		}
		return fmt.Errorf("item %d: %w", id, ErrItemNotFound)
	})
}

// ResetAll releases every preview, removes every item and restarts the id
// counter after confirmation.
func (s *Store) ResetAll(c Confirmer) error {
	if c == nil || !c.Confirm("Reset all items?") {
		return ErrNotConfirmed
	}
	return s.mutate(func() error {
		for _, item := range s.items {
			item.releasePreviews(s.previews)
		}
		s.items = nil
		s.nextID = 0
		s.selected = 0
		return nil
	})
}

// UpdateItemField sets one item value. Date edits are mirrored into the
// first receipt; recipient type edits apply the directory rules.
func (s *Store) UpdateItemField(id int, field ItemField, value string) error {
	return s.mutate(func() error {
		item, err := s.find(id)
		if err != nil {
			return err
		}
		switch field {
		case FieldDescription:
			item.Description = value
		case FieldDate:
			item.setDate(ocr.NormalizeDate(value))
		case FieldRecipientType:
			return s.applyRecipientType(item, RecipientType(value))
		case FieldRecipient:
			item.Recipient = value
		case FieldBank:
			item.Bank = value
		case FieldAccount:
			item.Account = value
		case FieldCountryCode:
			item.CountryCode = value
		case FieldManagerName:
			item.ManagerName = value
		case FieldTelegramID:
			item.TelegramID = value
		case FieldTotalAmount:
			return fmt.Errorf("item field %q: %w", field, ErrReadOnlyField)
		default:
			return fmt.Errorf("item field %q: %w", field, ErrUnknownField)
		}
		return nil
	})
}

// SetRecipientType switches the payee mode of an item
func (s *Store) SetRecipientType(id int, t RecipientType) error {
	return s.mutate(func() error {
		item, err := s.find(id)
		if err != nil {
			return err
		}
		return s.applyRecipientType(item, t)
	})
}

func (s *Store) applyRecipientType(item *ExpenseItem, t RecipientType) error {
	if !t.Valid() {
		return fmt.Errorf("recipient type %q: %w", t, ErrInvalidRecipient)
	}
	item.RecipientType = t
	if t.Named() {
		payee := s.directory[t]
		item.Recipient = payee.Name
		item.Bank = payee.Bank
		item.Account = payee.Account
		return nil
	}
	item.Recipient = ""
	item.Bank = ""
	item.Account = ""
	return nil
}

// AttachReceipt appends r to the item. The first receipt of an item takes
// the item date when it has none of its own.
func (s *Store) AttachReceipt(itemID int, r Receipt) (Receipt, error) {
	err := s.mutate(func() error {
		item, err := s.find(itemID)
		if err != nil {
			return err
		}
		if len(item.Receipts) == 0 && r.Date == "" {
			r.Date = item.Date
		}
		item.attachReceipt(r)
		return nil
	})
	return r, err
}

// UpdateReceiptField sets one receipt value
func (s *Store) UpdateReceiptField(itemID int, receiptID string, field ReceiptField, value any) error {
	return s.mutate(func() error {
		item, err := s.find(itemID)
		if err != nil {
			return err
		}
		return item.updateReceipt(receiptID, field, value)
	})
}

// RemoveReceipt detaches a receipt and releases its preview
func (s *Store) RemoveReceipt(itemID int, receiptID string) error {
	return s.mutate(func() error {
		item, err := s.find(itemID)
		if err != nil {
			return err
		}
		return item.removeReceipt(receiptID, s.previews)
	})
}

// SetReportPeriod records the report year and month; zero clears a value
func (s *Store) SetReportPeriod(year, month int) error {
	if year < 0 || month < 0 || month > 12 {
		return fmt.Errorf("%d-%d: %w", year, month, ErrInvalidPeriod)
	}
	return s.mutate(func() error {
		s.reportYear = year
		s.reportMonth = month
		return nil
	})
}

// ReportPeriod returns the recorded report year and month
func (s *Store) ReportPeriod() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reportYear, s.reportMonth
}

// withReceipt runs fn against a live receipt. It reports false and does
// nothing when the item or receipt no longer exists.
func (s *Store) withReceipt(itemID int, receiptID string, fn func(item *ExpenseItem, idx int)) bool {
	found := false
	_ = s.mutate(func() error {
		item, err := s.find(itemID)
		if err != nil {
			return err
		}
		idx := item.receiptIndex(receiptID)
		if idx < 0 {
			return ErrReceiptNotFound
		}
		fn(item, idx)
		item.recalculate()
		found = true
		return nil
	})
	return found
}
