package signals

import (
	"sort"
	"strings"
	"sync"
)

// flagSet tracks identifiers explicitly marked trusted or suspicious.
// Marking one clears the other.
type flagSet struct {
	mu         sync.RWMutex
	trusted    map[string]struct{}
	suspicious map[string]struct{}
}

func newFlagSet(trusted, suspicious []string) *flagSet {
	f := &flagSet{
		trusted:    make(map[string]struct{}),
		suspicious: make(map[string]struct{}),
	}
	for _, id := range trusted {
		f.trusted[id] = struct{}{}
	}
	for _, id := range suspicious {
		f.suspicious[id] = struct{}{}
	}
	return f
}

func (f *flagSet) markTrusted(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.suspicious, id)
	f.trusted[id] = struct{}{}
}

func (f *flagSet) markSuspicious(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.trusted, id)
	f.suspicious[id] = struct{}{}
}

func (f *flagSet) isTrusted(id string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.trusted[id]
	return ok
}

func (f *flagSet) isSuspicious(id string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.suspicious[id]
	return ok
}

func (f *flagSet) counts() (trusted, suspicious int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.trusted), len(f.suspicious)
}

// stringSet is a case-insensitive membership set for configuration lists.
type stringSet map[string]struct{}

func newStringSet(values []string) stringSet {
	s := make(stringSet, len(values))
	for _, v := range values {
		s[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	return s
}

func (s stringSet) has(v string) bool {
	if v == "" {
		return false
	}
	_, ok := s[strings.ToLower(v)]
	return ok
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
