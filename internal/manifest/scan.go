package manifest

import (
	"fmt"
)

// Handlers dispatches records found during Scan. Object is called for
// UndoObject/RedoObject/UlogObject/AtomicObject records; Info is called for
// TxInfo records. Either may be nil to skip that category.
type Handlers struct {
	Object func(rec Record) error
	Info   func(rec Record) error
}

// Scan replays every record in the trusted-counter-bound window (start,
// end] — exclusive of start, inclusive of end, matching the bank's
// fetch-add-returns-new-value convention used by Append — dispatching each
// to h in tcv order (spec §4.4.3 "Scan & recovery").
//
// A decrypt failure or a tcv that doesn't match the slot's expected
// sequence position is reported as ErrCorrupt and stops the scan
// immediately: recovery must not silently skip a bad entry.
func (m *Manifest) Scan(start, end uint64, h Handlers) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if end < start {
		return fmt.Errorf("%w: end %d < start %d", ErrCorrupt, end, start)
	}

	for tcv := start + 1; tcv <= end; tcv++ {
		slotIdx := int(tcv-m.baseTCV) - 1

		rec, err := m.readSlot(slotIdx, tcv)
		if err != nil {
			return err
		}

		switch rec.Type {
		case TxInfo:
			if h.Info != nil {
				if err := h.Info(rec); err != nil {
					return err
				}
			}
		default:
			if h.Object != nil {
				if err := h.Object(rec); err != nil {
					return err
				}
			}
		}
	}

	return nil
}
