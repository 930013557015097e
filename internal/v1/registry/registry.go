// Package registry holds the in-memory session table: one slot per live
// TCP connection, a fixed-size array scanned first-free on allocation.
//
// The registry mutex guards allocation, teardown, and every iteration used
// for broadcast or sweeping. Slot fields read by those scans are mutated
// through Update so broadcasts never observe a torn state.
package registry

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/openexam/server/internal/v1/types"
)

// DefaultSize matches the historical 100-slot table.
const DefaultSize = 100

// broadcastWriteTimeout bounds each peer write during fan-out so one stuck
// socket cannot delay delivery to the rest.
const broadcastWriteTimeout = 2 * time.Second

// ErrFull is returned when every slot is taken.
var ErrFull = errors.New("registry: server full")

// Slot is one connected client. Conn, ID, and Index are immutable after
// allocation; the volatile fields are guarded by the registry mutex.
type Slot struct {
	Index  int
	ID     string // correlation id for logs
	Conn   net.Conn
	Remote string

	SessionID   string
	Username    string
	State       types.SessionState
	CurrentRoom string
	PracticeID  string

	QuestionIDs    []int64
	Answers        []byte // 0 = unanswered, else 'A'..'D'
	TotalQuestions int
	HasSubmitted   bool
}

// ResetExam zeroes the slot's per-exam fields. Callers hold the registry
// mutex (via Update or a broadcast callback).
func (sl *Slot) ResetExam() {
	sl.QuestionIDs = nil
	sl.Answers = nil
	sl.TotalQuestions = 0
	sl.HasSubmitted = false
}

// AnswerAt returns the saved letter at position i, or the unanswered mark.
func (sl *Slot) AnswerAt(i int) byte {
	if i < 0 || i >= len(sl.Answers) || sl.Answers[i] == 0 {
		return types.UnansweredMark
	}
	return sl.Answers[i]
}

// ForceCandidate is a consistent copy of one slot's exam progress, taken
// under the registry mutex for grading outside it.
type ForceCandidate struct {
	Slot     *Slot
	Username string
	Answers  []byte
}

// Registry is the fixed-size session table.
type Registry struct {
	mu    sync.Mutex
	slots []*Slot
}

// New returns a registry with the given number of slots.
func New(size int) *Registry {
	if size <= 0 {
		size = DefaultSize
	}
	return &Registry{slots: make([]*Slot, size)}
}

// Allocate claims the first free slot for the connection. Returns ErrFull
// when the table is exhausted.
func (r *Registry) Allocate(conn net.Conn, id string) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, sl := range r.slots {
		if sl != nil {
			continue
		}
		slot := &Slot{
			Index:  i,
			ID:     id,
			Conn:   conn,
			Remote: conn.RemoteAddr().String(),
			State:  types.StateConnected,
		}
		r.slots[i] = slot
		return slot, nil
	}
	return nil, ErrFull
}

// Release frees the slot. Safe to call twice.
func (r *Registry) Release(slot *Slot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slot.Index >= 0 && slot.Index < len(r.slots) && r.slots[slot.Index] == slot {
		r.slots[slot.Index] = nil
	}
}

// Update runs fn on the slot under the registry mutex. All mutation of
// volatile slot fields by the owning worker goes through here.
func (r *Registry) Update(slot *Slot, fn func(*Slot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(slot)
}

// Snapshot reads the slot's volatile fields under the mutex and returns
// copies via fn's captured variables.
func (r *Registry) Snapshot(slot *Slot, fn func(Slot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(*slot)
}

// ActiveCount returns the number of occupied slots.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, sl := range r.slots {
		if sl != nil {
			n++
		}
	}
	return n
}

// CloseAll closes every active connection, unblocking workers parked in
// reads. Used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sl := range r.slots {
		if sl != nil {
			_ = sl.Conn.Close()
		}
	}
}

// BroadcastRoom writes line to every slot currently in roomID and runs
// transition on each under the mutex, after the write. Each write carries
// a short deadline so a dead peer cannot stall the rest. Returns how many
// slots were written to (counting failed writes, whose transition still
// runs so the room state stays coherent).
func (r *Registry) BroadcastRoom(roomID string, line []byte, transition func(*Slot)) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, sl := range r.slots {
		if sl == nil || sl.CurrentRoom != roomID {
			continue
		}
		_ = sl.Conn.SetWriteDeadline(time.Now().Add(broadcastWriteTimeout))
		_, _ = sl.Conn.Write(line)
		_ = sl.Conn.SetWriteDeadline(time.Time{})
		if transition != nil {
			transition(sl)
		}
		n++
	}
	return n
}

// RoomCandidates returns a consistent copy of every slot in roomID that
// has not submitted, for the sweeper to grade outside the mutex.
func (r *Registry) RoomCandidates(roomID string) []ForceCandidate {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []ForceCandidate
	for _, sl := range r.slots {
		if sl == nil || sl.CurrentRoom != roomID || sl.HasSubmitted {
			continue
		}
		out = append(out, ForceCandidate{
			Slot:     sl,
			Username: sl.Username,
			Answers:  append([]byte(nil), sl.Answers...),
		})
	}
	return out
}
