package sigcodec

// SeenSet is the bounded recently-seen record set used to drop
// redeliveries. Oldest entries are evicted first once the cap is reached.
// Not safe for concurrent use; callers confine it to one goroutine.
type SeenSet struct {
	cap   int
	keys  map[string]struct{}
	order []string
}

func NewSeenSet(cap int) *SeenSet {
	if cap <= 0 {
		cap = 100
	}
	return &SeenSet{
		cap:  cap,
		keys: make(map[string]struct{}, cap),
	}
}

// Seen reports whether key was already recorded, and records it otherwise.
func (s *SeenSet) Seen(key string) bool {
	if _, ok := s.keys[key]; ok {
		return true
	}
	if len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.keys, oldest)
	}
	s.keys[key] = struct{}{}
	s.order = append(s.order, key)
	return false
}

func (s *SeenSet) Len() int { return len(s.keys) }
