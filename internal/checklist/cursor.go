package checklist

import "github.com/repairtrack/engine/internal/domain"

// Current returns the item under the cursor and its index.
func (e *Engine) Current() (domain.ChecklistItem, int, error) {
	if !e.loaded {
		return domain.ChecklistItem{}, 0, domain.ErrNoActiveTemplate
	}
	return e.items[e.cursor], e.cursor, nil
}

// Next moves the cursor forward. It reports false when already on the last item.
func (e *Engine) Next() (bool, error) {
	if !e.loaded {
		return false, domain.ErrNoActiveTemplate
	}
	if e.cursor >= len(e.items)-1 {
		return false, nil
	}
	e.cursor++
	return true, nil
}

// Previous moves the cursor back. It reports false when already on the first item.
func (e *Engine) Previous() (bool, error) {
	if !e.loaded {
		return false, domain.ErrNoActiveTemplate
	}
	if e.cursor == 0 {
		return false, nil
	}
	e.cursor--
	return true, nil
}

// GoTo places the cursor on item i.
func (e *Engine) GoTo(i int) error {
	if !e.loaded {
		return domain.ErrNoActiveTemplate
	}
	if i < 0 || i >= len(e.items) {
		return domain.Detail(domain.ErrItemIndexOutOfRange, "%d not in [0,%d)", i, len(e.items))
	}
	e.cursor = i
	return nil
}
