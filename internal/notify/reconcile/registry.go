// Package reconcile tracks which entity ids have had their "added"
// notification delivered, and applies later edits to those messages, even
// when the edit arrives while the original broadcast is still in flight.
package reconcile

import (
	"context"
	"sync"
	"time"

	"rosterbot/internal/eventbus"
	kit "rosterbot/internal/transport"
	logx "rosterbot/pkg/logx"
)

// Edit rewrites one already-delivered message. Failures are best-effort:
// the registry logs and swallows them per handle.
type Edit func(ctx context.Context, ref kit.MessageRef) error

type slotState int

const (
	// stateNotStarted: slot reserved (eagerly, before any network call) but
	// the owning broadcast has not begun sending yet.
	stateNotStarted slotState = iota
	// stateInFlight: the owning broadcast is sending.
	stateInFlight
	// stateCompleted: handles are known; edits run immediately.
	stateCompleted
)

type slot struct {
	state   slotState
	pending []Edit
	handles []kit.MessageRef
	batch   *batch
	touched time.Time
}

// batch is the completion barrier for one group of ids that were announced
// together: no slot in the group finalizes until the group's last broadcast
// has finished. remaining is an explicit decrement counter, so duplicate ids
// in the input cannot confuse completion.
type batch struct {
	remaining int
	ids       []int64
}

type Config struct {
	// SlotTTL bounds retention of completed slots and of queues for ids that
	// never see a matching "added" broadcast.
	SlotTTL time.Duration
	// QueueMax caps deferred edits per slot; the oldest is dropped on overflow.
	QueueMax int
}

type Registry struct {
	mu    sync.Mutex
	slots map[int64]*slot

	cfg Config
	bus eventbus.Bus
	log logx.Logger

	// now is swappable for tests.
	now func() time.Time

	opCount uint64
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.SlotTTL <= 0 {
		cfg.SlotTTL = 6 * time.Hour
	}
	if cfg.QueueMax <= 0 {
		cfg.QueueMax = 8
	}
	return &Registry{
		slots: map[int64]*slot{},
		cfg:   cfg,
		bus:   bus,
		log:   log,
		now:   time.Now,
	}
}

// Begin eagerly reserves a slot for every id in the batch, before any network
// call, closing the race with a same-id update arriving early. A slot already
// present from an early update keeps its queued edits.
//
// Slots for a given id are created by Begin at most once per batch; an update
// alone never moves a slot past NotStarted.
func (r *Registry) Begin(ids []int64) {
	if len(ids) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybePruneLocked()

	b := &batch{ids: append([]int64(nil), ids...)}
	now := r.now()
	for _, id := range ids {
		sl := r.slots[id]
		if sl == nil {
			sl = &slot{}
			r.slots[id] = sl
		}
		if sl.batch != nil {
			// Already owned by a live batch; don't double-count.
			continue
		}
		sl.state = stateNotStarted
		sl.batch = b
		sl.touched = now
		b.remaining++
	}
}

// Started marks the id's broadcast as sending.
func (r *Registry) Started(id int64) {
	r.mu.Lock()
	if sl := r.slots[id]; sl != nil && sl.state == stateNotStarted {
		sl.state = stateInFlight
		sl.touched = r.now()
	}
	r.mu.Unlock()
}

// Complete records the delivered handles for id and decrements its batch
// barrier. Once the batch's last id completes, every slot in the batch
// transitions to Completed and its deferred edits run in enqueue order.
func (r *Registry) Complete(ctx context.Context, id int64, handles []kit.MessageRef) {
	type flushItem struct {
		id      int64
		handles []kit.MessageRef
		edits   []Edit
	}

	r.mu.Lock()
	sl := r.slots[id]
	if sl == nil || sl.batch == nil {
		r.mu.Unlock()
		return
	}
	b := sl.batch
	sl.handles = append([]kit.MessageRef(nil), handles...)
	sl.batch = nil
	sl.touched = r.now()
	b.remaining--
	if b.remaining > 0 {
		r.mu.Unlock()
		return
	}

	// Barrier down: finalize the whole batch.
	var flush []flushItem
	for _, bid := range b.ids {
		bsl := r.slots[bid]
		if bsl == nil || bsl.state == stateCompleted {
			continue
		}
		bsl.state = stateCompleted
		bsl.touched = r.now()
		if len(bsl.pending) > 0 {
			flush = append(flush, flushItem{id: bid, handles: bsl.handles, edits: bsl.pending})
			bsl.pending = nil
		}
	}
	r.mu.Unlock()

	for _, f := range flush {
		for _, edit := range f.edits {
			r.runEdit(ctx, f.id, f.handles, edit)
		}
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{Type: eventbus.TypeReconcileFlushed, Data: map[string]any{
				"entity_id": f.id,
				"edits":     len(f.edits),
				"handles":   len(f.handles),
			}})
		}
	}
}

// Apply runs edit against every delivered message for id, or defers it until
// the owning broadcast completes. An id never seen via Begin gets an
// on-demand slot with a bounded queue, so a stray update can neither grow
// memory without bound nor touch another entity's messages.
func (r *Registry) Apply(ctx context.Context, id int64, edit Edit) {
	r.mu.Lock()
	r.maybePruneLocked()
	sl := r.slots[id]
	if sl == nil {
		sl = &slot{touched: r.now()}
		r.slots[id] = sl
	}
	if sl.state != stateCompleted {
		if len(sl.pending) >= r.cfg.QueueMax {
			sl.pending = sl.pending[1:]
			r.log.Warn("deferred edit queue full; dropping oldest", logx.Int64("entity_id", id))
		}
		sl.pending = append(sl.pending, edit)
		sl.touched = r.now()
		r.mu.Unlock()
		return
	}
	handles := append([]kit.MessageRef(nil), sl.handles...)
	sl.touched = r.now()
	r.mu.Unlock()

	r.runEdit(ctx, id, handles, edit)
}

// Handles reports the delivered message refs for a completed id.
func (r *Registry) Handles(id int64) ([]kit.MessageRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl := r.slots[id]
	if sl == nil || sl.state != stateCompleted {
		return nil, false
	}
	return append([]kit.MessageRef(nil), sl.handles...), true
}

func (r *Registry) runEdit(ctx context.Context, id int64, handles []kit.MessageRef, edit Edit) {
	for _, ref := range handles {
		if err := edit(ctx, ref); err != nil {
			// Best-effort: a stale or deleted message must not affect
			// sibling handles.
			r.log.Debug("edit failed", logx.Int64("entity_id", id), logx.Int64("chat_id", ref.ChatID), logx.Int("message_id", ref.MessageID), logx.Err(err))
		}
	}
}

// maybePruneLocked drops slots untouched for longer than SlotTTL. Slots still
// owned by a live batch are kept regardless. Call with r.mu held.
func (r *Registry) maybePruneLocked() {
	r.opCount++
	if r.opCount%32 != 0 {
		return
	}
	cutoff := r.now().Add(-r.cfg.SlotTTL)
	for id, sl := range r.slots {
		if sl.batch != nil {
			continue
		}
		if sl.touched.Before(cutoff) {
			if n := len(sl.pending); n > 0 {
				r.log.Warn("dropping expired slot with deferred edits", logx.Int64("entity_id", id), logx.Int("edits", n))
			}
			delete(r.slots, id)
		}
	}
}
