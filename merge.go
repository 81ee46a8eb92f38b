package rill

import "sort"

type entryKind int

const (
	// entryRow holds a row delivered by an insert or update.
	entryRow entryKind = iota
	// entryTombstone hides a deleted row.
	entryTombstone
	// entryPatch updates a row only if the snapshot already holds it.
	entryPatch
)

// overlayEntry is the latest change event seen for one id.
type overlayEntry struct {
	kind    entryKind
	row     Row
	seq     uint64
	arrival uint64
}

// resultSet folds a fetched snapshot and the change feed into one view.
//
// Events are numbered as they arrive. A fetch records the number current when
// it was issued; when its rows land, entries at or below that number are
// dropped because the snapshot already reflects them, and later entries stay
// on top. Ids are unique in the view whichever side a row comes from.
type resultSet struct {
	columns    []string
	preds      []Predicate
	order      Order
	softDelete bool

	snapshot []Row
	overlay  map[string]*overlayEntry
	seq      uint64
}

func newResultSet(spec QuerySpec) *resultSet {
	order := DefaultOrder
	if spec.Order != nil {
		order = *spec.Order
	}
	return &resultSet{
		columns:    spec.Columns,
		preds:      spec.Filters.Predicates(),
		order:      order,
		softDelete: spec.SoftDelete,
		overlay:    make(map[string]*overlayEntry),
	}
}

// issued returns the event number a fetch starting now should record.
func (s *resultSet) issued() uint64 {
	return s.seq
}

// reset installs freshly fetched rows, discarding overlay entries the fetch
// already covers.
func (s *resultSet) reset(rows []Row, issuedAt uint64) {
	s.snapshot = dedupe(rows)
	for id, e := range s.overlay {
		if e.seq <= issuedAt {
			delete(s.overlay, id)
		}
	}
}

// seed shows rows until the first fetch of this set completes.
func (s *resultSet) seed(rows []Row) {
	s.snapshot = dedupe(rows)
}

// apply folds one change event into the set and reports whether the view changed.
func (s *resultSet) apply(ev ChangeEvent) bool {
	id := ev.ID()
	if id == "" {
		return false
	}
	s.seq++

	typ := ev.Type
	if typ != EventDelete && s.softDelete && ev.New.Deleted() {
		typ = EventDelete
	}

	before, present := s.lookup(id)

	switch typ {
	case EventInsert:
		if present {
			return s.put(id, entryRow, before.Merge(ev.New))
		}
		if !MatchAll(ev.New, s.preds) {
			return false
		}
		return s.put(id, entryRow, ev.New.Clone())

	case EventUpdate:
		if !present {
			e, ok := s.overlay[id]
			switch {
			case !ok:
				// Not in view: remember it in case an in-flight fetch brings the row.
				s.overlay[id] = &overlayEntry{kind: entryPatch, row: ev.New.Clone(), seq: s.seq, arrival: s.seq}
			case e.kind == entryPatch && s.find(id) == nil:
				e.row = e.row.Merge(ev.New)
				e.seq = s.seq
			}
			return false
		}
		next := before.Merge(ev.New)
		if !MatchAll(next, s.preds) {
			return s.put(id, entryTombstone, nil)
		}
		return s.put(id, entryRow, next)

	case EventDelete:
		s.overlay[id] = &overlayEntry{kind: entryTombstone, seq: s.seq, arrival: s.seq}
		return present
	}
	return false
}

func (s *resultSet) put(id string, kind entryKind, row Row) bool {
	arrival := s.seq
	if e, ok := s.overlay[id]; ok && e.kind == entryRow && kind == entryRow {
		// Replace in place: keep the original arrival position.
		arrival = e.arrival
	}
	s.overlay[id] = &overlayEntry{kind: kind, row: row, seq: s.seq, arrival: arrival}
	return true
}

// lookup returns the row currently visible under id.
func (s *resultSet) lookup(id string) (Row, bool) {
	return s.resolve(id, s.find(id))
}

// resolve layers the overlay entry for id over its snapshot row, if any.
func (s *resultSet) resolve(id string, base Row) (Row, bool) {
	e, ok := s.overlay[id]
	switch {
	case ok && e.kind == entryRow:
		return e.row, true
	case ok && e.kind == entryTombstone:
		return nil, false
	case base == nil:
		return nil, false
	case ok && e.kind == entryPatch:
		return s.patched(base, e.row)
	}
	return base, true
}

func (s *resultSet) find(id string) Row {
	for _, r := range s.snapshot {
		if r.ID() == id {
			return r
		}
	}
	return nil
}

// patched applies a deferred update to a snapshot row; the row leaves the
// view if the update moves it outside the filters.
func (s *resultSet) patched(r, patch Row) (Row, bool) {
	next := r.Merge(patch)
	if (s.softDelete && next.Deleted()) || !MatchAll(next, s.preds) {
		return nil, false
	}
	return next, true
}

// rows renders the merged view: realtime-only rows newest first, then the
// snapshot, stable-sorted by the query order. Rows are sorted whole and
// projected last so the order column need not be selected.
func (s *resultSet) rows() []Row {
	var fresh []*overlayEntry
	seen := make(map[string]struct{}, len(s.snapshot))
	out := make([]Row, 0, len(s.snapshot)+len(s.overlay))

	for _, r := range s.snapshot {
		id := r.ID()
		seen[id] = struct{}{}
		if row, ok := s.resolve(id, r); ok {
			out = append(out, row)
		}
	}
	for id, e := range s.overlay {
		if _, ok := seen[id]; ok || e.kind != entryRow {
			continue
		}
		fresh = append(fresh, e)
	}
	sort.Slice(fresh, func(i, j int) bool {
		return fresh[i].arrival > fresh[j].arrival
	})

	merged := make([]Row, 0, len(fresh)+len(out))
	for _, e := range fresh {
		merged = append(merged, e.row)
	}
	merged = append(merged, out...)
	SortRows(merged, s.order)
	for i, r := range merged {
		merged[i] = r.Project(s.columns)
	}
	return merged
}

// dedupe keeps the first row seen for each id.
func dedupe(rows []Row) []Row {
	seen := make(map[string]struct{}, len(rows))
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		id := r.ID()
		if id != "" {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
		}
		out = append(out, r)
	}
	return out
}
