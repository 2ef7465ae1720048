package report

import "log/slog"

// Snapshot is the durable form of a Store
type Snapshot struct {
	Items       []ExpenseItem `json:"items"`
	NextID      int           `json:"nextId"`
	SelectedID  int           `json:"selectedId,omitempty"`
	ReportYear  int           `json:"reportYear,omitempty"`
	ReportMonth int           `json:"reportMonth,omitempty"`
}

// Snapshot returns a copy of the current store state
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	items := make([]ExpenseItem, 0, len(s.items))
	for _, item := range s.items {
		items = append(items, item.clone())
	}
	return Snapshot{
		Items:       items,
		NextID:      s.nextID,
		SelectedID:  s.selected,
		ReportYear:  s.reportYear,
		ReportMonth: s.reportMonth,
	}
}

// Sanitized returns a copy of snap with every ephemeral preview blanked.
// Ephemeral references do not survive a reload and must never be written.
func (snap Snapshot) Sanitized() Snapshot {
	out := snap
	out.Items = make([]ExpenseItem, 0, len(snap.Items))
	for _, item := range snap.Items {
		item = item.clone()
		for i := range item.Receipts {
			if IsEphemeral(item.Receipts[i].Preview) {
				item.Receipts[i].Preview = ""
			}
		}
		out.Items = append(out.Items, item)
	}
	return out
}

// Restore replaces the store state with a migrated copy of snap. Previews
// currently held by the store are released first.
func (s *Store) Restore(snap Snapshot) {
	snap = migrate(snap.Sanitized(), s.directory)
	_ = s.mutate(func() error {
		for _, item := range s.items {
			item.releasePreviews(s.previews)
		}
		s.items = make([]*ExpenseItem, 0, len(snap.Items))
		for i := range snap.Items {
			item := snap.Items[i]
			s.items = append(s.items, &item)
		}
		s.nextID = snap.NextID
		s.selected = snap.SelectedID
		s.reportYear = snap.ReportYear
		s.reportMonth = snap.ReportMonth
		return nil
	})
}

// migrate upgrades a stored snapshot to the current model
func migrate(snap Snapshot, directory Directory) Snapshot {
	maxID := 0
	selectedFound := false
	for i := range snap.Items {
		item := &snap.Items[i]
		if item.Receipts == nil {
			item.Receipts = []Receipt{}
		}
		if item.RecipientType != "" && !item.RecipientType.Valid() {
			if t, ok := directory.Resolve(string(item.RecipientType)); ok {
				item.RecipientType = t
			} else {
				slog.Warn("Unknown recipient type in snapshot", "item_id", item.ID, "recipient_type", item.RecipientType)
			}
		}
		for j := range item.Receipts {
			if item.Receipts[j].State.inFlight() || item.Receipts[j].State == "" {
				item.Receipts[j].State = interruptedState(item.Receipts[j])
			}
		}
		item.recalculate()
		if item.ID > maxID {
			maxID = item.ID
		}
		if item.ID == snap.SelectedID {
			selectedFound = true
		}
	}
	if snap.NextID < maxID {
		snap.NextID = maxID
	}
	if !selectedFound {
		snap.SelectedID = 0
	}
	return snap
}

// interruptedState picks the state of a receipt restored from storage. A
// pipeline step that was in flight did not survive the reload; receipts
// from snapshots that predate receipt states are treated as settled.
func interruptedState(r Receipt) ReceiptState {
	if r.State == "" {
		return StateReconciled
	}
	return StateFailed
}
