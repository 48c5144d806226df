package dispatch

// dedupSet is a bounded insertion-ordered id window. When full, adding a
// new id evicts the oldest. Not safe for concurrent use; the dispatcher
// mutex covers it.
type dedupSet struct {
	cap   int
	order []string
	ids   map[string]struct{}
}

func newDedupSet(cap int) *dedupSet {
	return &dedupSet{cap: cap, ids: make(map[string]struct{}, cap)}
}

// add inserts id and reports true, or reports false when id is already in
// the window.
func (s *dedupSet) add(id string) bool {
	if _, dup := s.ids[id]; dup {
		return false
	}
	if len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
	s.order = append(s.order, id)
	s.ids[id] = struct{}{}
	return true
}
