// Package registry holds the in-memory set of active alerts, indexed by
// symbol. It is the only state shared between change sync and evaluation,
// so every operation is safe under concurrent callers.
package registry

import (
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/stockwatch/alert-engine/internal/domain"
)

const shardCount = 32

var ErrCapacity = errors.New("registry: max alerts reached")

// Hooks fire on 0->1 and 1->0 transitions of a symbol's active alert
// count, inside the mutating critical section so the subscription state
// can never lag behind the registry. Implementations must not block.
type Hooks struct {
	SymbolActivated   func(symbol string)
	SymbolDeactivated func(symbol string)
}

type shard struct {
	mu       sync.RWMutex
	bySymbol map[string]map[string]domain.Alert
}

type Registry struct {
	shards [shardCount]shard
	hooks  Hooks

	maxAlerts int64
	count     atomic.Int64

	// id -> symbol, for O(1) routing of id-only operations. Lock order is
	// always shard.mu before idMu.
	idMu sync.RWMutex
	ids  map[string]string
}

func New(maxAlerts int, hooks Hooks) *Registry {
	r := &Registry{
		hooks:     hooks,
		maxAlerts: int64(maxAlerts),
		ids:       make(map[string]string),
	}
	for i := range r.shards {
		r.shards[i].bySymbol = make(map[string]map[string]domain.Alert)
	}
	return r
}

func (r *Registry) shardFor(symbol string) *shard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return &r.shards[h.Sum32()%shardCount]
}

// Upsert inserts or replaces an active alert. The caller guarantees the
// alert validated and is Active; terminal alerts never enter the registry.
func (r *Registry) Upsert(a domain.Alert) error {
	// A symbol change for an existing id is delete+insert.
	if prev, ok := r.symbolOf(a.ID); ok && prev != a.Symbol {
		r.Remove(a.ID)
	}

	s := r.shardFor(a.Symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.bySymbol[a.Symbol]
	_, exists := bucket[a.ID]
	if !exists {
		// Reserve the slot before inserting: concurrent upserts hold
		// different shard locks, so a load-then-add would let two callers
		// slip past the cap together.
		if n := r.count.Add(1); r.maxAlerts > 0 && n > r.maxAlerts {
			r.count.Add(-1)
			return ErrCapacity
		}
	}

	activated := len(bucket) == 0
	if bucket == nil {
		bucket = make(map[string]domain.Alert)
		s.bySymbol[a.Symbol] = bucket
	}
	bucket[a.ID] = a

	r.idMu.Lock()
	r.ids[a.ID] = a.Symbol
	r.idMu.Unlock()

	if activated && r.hooks.SymbolActivated != nil {
		r.hooks.SymbolActivated(a.Symbol)
	}
	return nil
}

// Remove deletes an alert by id. Reports whether anything was removed.
func (r *Registry) Remove(id string) bool {
	sym, ok := r.symbolOf(id)
	if !ok {
		return false
	}
	return r.removeFrom(sym, id)
}

// MarkTriggered atomically transitions an active alert to Triggered,
// removing it from evaluation. Returns true only for the caller that
// performed the transition; concurrent or repeated calls are no-ops.
func (r *Registry) MarkTriggered(id string) bool {
	return r.Remove(id)
}

// MarkExpired removes an alert that aged past its validity end. Same
// at-most-once semantics as MarkTriggered, but callers produce no
// notification for it.
func (r *Registry) MarkExpired(id string) bool {
	return r.Remove(id)
}

func (r *Registry) removeFrom(symbol, id string) bool {
	s := r.shardFor(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.bySymbol[symbol]
	if _, ok := bucket[id]; !ok {
		return false
	}
	delete(bucket, id)
	r.count.Add(-1)

	r.idMu.Lock()
	if r.ids[id] == symbol {
		delete(r.ids, id)
	}
	r.idMu.Unlock()

	if len(bucket) == 0 {
		delete(s.bySymbol, symbol)
		if r.hooks.SymbolDeactivated != nil {
			r.hooks.SymbolDeactivated(symbol)
		}
	}
	return true
}

// ActiveForSymbol returns copies of the active alerts for one symbol.
func (r *Registry) ActiveForSymbol(symbol string) []domain.Alert {
	s := r.shardFor(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket := s.bySymbol[symbol]
	if len(bucket) == 0 {
		return nil
	}
	out := make([]domain.Alert, 0, len(bucket))
	for _, a := range bucket {
		out = append(out, a)
	}
	return out
}

// Get returns a copy of the alert with the given id.
func (r *Registry) Get(id string) (domain.Alert, bool) {
	sym, ok := r.symbolOf(id)
	if !ok {
		return domain.Alert{}, false
	}

	s := r.shardFor(sym)
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.bySymbol[sym][id]
	return a, ok
}

// Symbols returns every symbol with at least one active alert. The
// subscription manager reconciles the feed against this set.
func (r *Registry) Symbols() []string {
	out := make([]string, 0, 64)
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for sym := range s.bySymbol {
			out = append(out, sym)
		}
		s.mu.RUnlock()
	}
	return out
}

// IDs returns the ids of every alert currently held. Used by snapshot
// reconciliation to find alerts the store no longer knows about.
func (r *Registry) IDs() []string {
	r.idMu.RLock()
	defer r.idMu.RUnlock()

	out := make([]string, 0, len(r.ids))
	for id := range r.ids {
		out = append(out, id)
	}
	return out
}

func (r *Registry) Len() int {
	return int(r.count.Load())
}

func (r *Registry) symbolOf(id string) (string, bool) {
	r.idMu.RLock()
	defer r.idMu.RUnlock()
	sym, ok := r.ids[id]
	return sym, ok
}
