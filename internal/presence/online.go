package presence

import (
	"sort"
	"sync"
)

// OnlineSet is the signal-driven set of users shown as online. It is
// independent of the Registry: joining a conversation view adds a user,
// leaving or disconnecting removes it.
type OnlineSet struct {
	mu      sync.Mutex
	members map[string]struct{}
}

// NewOnlineSet returns an empty set.
func NewOnlineSet() *OnlineSet {
	return &OnlineSet{members: make(map[string]struct{})}
}

// MarkOnline adds identity and returns the snapshot taken right after.
func (s *OnlineSet) MarkOnline(identity string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[identity] = struct{}{}
	return s.snapshotLocked()
}

// MarkOffline removes identity and returns the snapshot taken right after.
func (s *OnlineSet) MarkOffline(identity string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, identity)
	return s.snapshotLocked()
}

// Snapshot returns the members in lexical order.
func (s *OnlineSet) Snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Contains reports membership.
func (s *OnlineSet) Contains(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[identity]
	return ok
}

func (s *OnlineSet) snapshotLocked() []string {
	out := make([]string, 0, len(s.members))
	for identity := range s.members {
		out = append(out, identity)
	}
	sort.Strings(out)
	return out
}
