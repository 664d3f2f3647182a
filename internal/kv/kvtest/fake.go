// Package kvtest provides an in-process fake implementing kv.Client, used
// in place of a real Redis/miniredis instance in unit tests.
package kvtest

import (
	"context"
	"sync"
	"time"

	"github.com/sandchest/sandchest/internal/kv"
)

type entry struct {
	value    string
	expireAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

// Fake is a single-process, mutex-guarded stand-in for the shared KV
// store. It implements every operation in kv.Client with the same atomic
// semantics a real backend provides within one process.
type Fake struct {
	mu        sync.Mutex
	strings   map[string]entry
	sets      map[string]map[string]bool
	lists     map[string][]kv.ExecEvent
	ttlWarned map[string]bool
}

var _ kv.Client = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		strings:   make(map[string]entry),
		sets:      make(map[string]map[string]bool),
		lists:     make(map[string][]kv.ExecEvent),
		ttlWarned: make(map[string]bool),
	}
}

func (f *Fake) get(key string) (string, bool) {
	e, ok := f.strings[key]
	if !ok || e.expired(time.Now()) {
		delete(f.strings, key)
		return "", false
	}
	return e.value, true
}

func slotKey(nodeID string, slot int) string {
	return nodeID + "/" + itoa(slot)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (f *Fake) AcquireSlotLease(_ context.Context, nodeID string, slot int, sandboxID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := slotKey(nodeID, slot)
	if _, ok := f.get(key); ok {
		return false, nil
	}
	f.strings[key] = entry{value: sandboxID, expireAt: time.Now().Add(ttl)}
	return true, nil
}

func (f *Fake) ReleaseSlotLease(_ context.Context, nodeID string, slot int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.strings, slotKey(nodeID, slot))
	return nil
}

func (f *Fake) RenewSlotLease(_ context.Context, nodeID string, slot int, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := slotKey(nodeID, slot)
	v, ok := f.get(key)
	if !ok {
		return false, nil
	}
	f.strings[key] = entry{value: v, expireAt: time.Now().Add(ttl)}
	return true, nil
}

func (f *Fake) CheckRateLimit(_ context.Context, orgID, category string, limit int, window time.Duration) (kv.RateLimitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := "rl/" + orgID + "/" + category
	now := time.Now()
	e, ok := f.strings[key]
	if !ok || e.expired(now) {
		e = entry{value: "0", expireAt: now.Add(window)}
	}
	count := atoi(e.value) + 1
	e.value = itoa(count)
	f.strings[key] = e

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return kv.RateLimitResult{Allowed: count <= limit, Remaining: remaining, ResetAt: e.expireAt}, nil
}

func atoi(s string) int {
	n := 0
	neg := false
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}

const eventBufferCap = 10000

func (f *Fake) pushEvent(key string, event kv.ExecEvent) {
	list := append(f.lists[key], event)
	if len(list) > eventBufferCap {
		list = list[len(list)-eventBufferCap:]
	}
	f.lists[key] = list
}

func (f *Fake) getEvents(key string, afterSeq int64) []kv.ExecEvent {
	var out []kv.ExecEvent
	for _, ev := range f.lists[key] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out
}

func (f *Fake) PushExecEvent(_ context.Context, execID string, event kv.ExecEvent, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushEvent("exec/"+execID, event)
	return nil
}

func (f *Fake) GetExecEvents(_ context.Context, execID string, afterSeq int64) ([]kv.ExecEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getEvents("exec/"+execID, afterSeq), nil
}

func (f *Fake) PushReplayEvent(_ context.Context, sandboxID string, event kv.ExecEvent, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushEvent("replay/"+sandboxID, event)
	return nil
}

func (f *Fake) GetReplayEvents(_ context.Context, sandboxID string, afterSeq int64) ([]kv.ExecEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getEvents("replay/"+sandboxID, afterSeq), nil
}

func (f *Fake) AddArtifactPaths(_ context.Context, sandboxID string, paths []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := "artifacts/" + sandboxID
	set, ok := f.sets[key]
	if !ok {
		set = make(map[string]bool)
		f.sets[key] = set
	}
	added := 0
	for _, p := range paths {
		if !set[p] {
			set[p] = true
			added++
		}
	}
	return added, nil
}

func (f *Fake) GetArtifactPaths(_ context.Context, sandboxID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.sets["artifacts/"+sandboxID]
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out, nil
}

func (f *Fake) CountArtifactPaths(_ context.Context, sandboxID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sets["artifacts/"+sandboxID]), nil
}

func (f *Fake) AcquireLeaderLock(_ context.Context, workerName, instanceID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := "leader/" + workerName
	if _, ok := f.get(key); ok {
		return false, nil
	}
	f.strings[key] = entry{value: instanceID, expireAt: time.Now().Add(ttl)}
	return true, nil
}

func (f *Fake) RegisterNodeHeartbeat(_ context.Context, nodeID string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strings["heartbeat/"+nodeID] = entry{value: "1", expireAt: time.Now().Add(ttl)}
	return nil
}

func (f *Fake) HasNodeHeartbeat(_ context.Context, nodeID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.get("heartbeat/" + nodeID)
	return ok, nil
}

func (f *Fake) MarkTTLWarned(_ context.Context, sandboxID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := "ttlwarn/" + sandboxID
	if _, ok := f.get(key); ok {
		return false, nil
	}
	f.strings[key] = entry{value: "1", expireAt: time.Now().Add(ttl)}
	return true, nil
}

func (f *Fake) Ping(_ context.Context) (bool, error) {
	return true, nil
}
