package correlator

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"webinteract/internal/domain"
)

const pendingShards = 32

// PendingSet holds outstanding calls keyed by request id. Removal and
// resolution share one path so exactly one party ever observes an entry
// leaving the set.
type PendingSet struct {
	shards [pendingShards]pendingShard
	size   atomic.Int64
}

type pendingShard struct {
	mu    sync.Mutex
	calls map[string]*pendingEntry
}

type pendingEntry struct {
	call   domain.PendingCall
	result chan domain.CallOutcome
}

func NewPendingSet() *PendingSet {
	p := &PendingSet{}
	for i := range p.shards {
		p.shards[i].calls = make(map[string]*pendingEntry)
	}
	return p
}

func (p *PendingSet) shard(requestID string) *pendingShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(requestID))
	return &p.shards[h.Sum32()%pendingShards]
}

// Add registers call and returns the channel its outcome will be delivered
// on. It reports false if the request id is already pending.
func (p *PendingSet) Add(call domain.PendingCall) (<-chan domain.CallOutcome, bool) {
	s := p.shard(call.RequestID)
	entry := &pendingEntry{call: call, result: make(chan domain.CallOutcome, 1)}
	s.mu.Lock()
	if _, exists := s.calls[call.RequestID]; exists {
		s.mu.Unlock()
		return nil, false
	}
	s.calls[call.RequestID] = entry
	s.mu.Unlock()
	p.size.Add(1)
	return entry.result, true
}

// Get returns the pending call without removing it.
func (p *PendingSet) Get(requestID string) (domain.PendingCall, bool) {
	s := p.shard(requestID)
	s.mu.Lock()
	entry, ok := s.calls[requestID]
	s.mu.Unlock()
	if !ok {
		return domain.PendingCall{}, false
	}
	return entry.call, true
}

// Resolve removes the call if match accepts it and delivers outcome. A nil
// match accepts any call. The returned call is the removed entry.
func (p *PendingSet) Resolve(requestID string, match func(domain.PendingCall) bool, outcome domain.CallOutcome) (domain.PendingCall, bool) {
	s := p.shard(requestID)
	s.mu.Lock()
	entry, ok := s.calls[requestID]
	if !ok || (match != nil && !match(entry.call)) {
		s.mu.Unlock()
		return domain.PendingCall{}, false
	}
	delete(s.calls, requestID)
	s.mu.Unlock()
	p.size.Add(-1)
	entry.result <- outcome
	return entry.call, true
}

// Remove drops the call without delivering an outcome. It reports false when
// another party already resolved it.
func (p *PendingSet) Remove(requestID string) bool {
	s := p.shard(requestID)
	s.mu.Lock()
	_, ok := s.calls[requestID]
	if ok {
		delete(s.calls, requestID)
	}
	s.mu.Unlock()
	if ok {
		p.size.Add(-1)
	}
	return ok
}

// ResolveWhere resolves every call accepted by match with outcome and returns
// how many were resolved.
func (p *PendingSet) ResolveWhere(match func(domain.PendingCall) bool, outcome domain.CallOutcome) int {
	resolved := 0
	for i := range p.shards {
		s := &p.shards[i]
		var matched []*pendingEntry
		s.mu.Lock()
		for id, entry := range s.calls {
			if match(entry.call) {
				delete(s.calls, id)
				matched = append(matched, entry)
			}
		}
		s.mu.Unlock()
		for _, entry := range matched {
			p.size.Add(-1)
			entry.result <- outcome
		}
		resolved += len(matched)
	}
	return resolved
}

func (p *PendingSet) Len() int {
	return int(p.size.Load())
}
