// Package serialization is an in-process command scheduler. Each vdev
// owns a FIFO queue in which at most one command is active; the rest wait
// in the pending list until the active one is removed or times out.
//
// Callbacks are always invoked with no scheduler lock held, so a callback
// may call back into the Scheduler.
package serialization

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sentinel errors.
var (
	ErrDuplicate      = errors.New("command already queued")
	ErrInvalidCommand = errors.New("invalid command")
	ErrUnknownVdev    = errors.New("unknown vdev")
)

// CmdType identifies what a command does. Two commands with the same ID
// and type are duplicates.
type CmdType string

const (
	CmdConnect    CmdType = "connect"
	CmdDisconnect CmdType = "disconnect"
	CmdPreauth    CmdType = "preauth"
	CmdReassoc    CmdType = "reassoc"
	CmdRoam       CmdType = "roam"
)

// Reason is passed to a command callback.
type Reason int

const (
	ReasonActivate Reason = iota
	ReasonCancel
	ReasonActiveTimeout
	ReasonReleaseMemory
)

func (r Reason) String() string {
	switch r {
	case ReasonActivate:
		return "activate"
	case ReasonCancel:
		return "cancel"
	case ReasonActiveTimeout:
		return "active_timeout"
	case ReasonReleaseMemory:
		return "release_memory"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// ActivationReason tells an ACTIVATE callback where it is running.
type ActivationReason int

const (
	// ActivationDirect means the command became active inside Submit, on
	// the submitter's goroutine.
	ActivationDirect ActivationReason = iota
	// ActivationPendingToActive means a queued command was promoted after
	// the previous active command went away.
	ActivationPendingToActive
)

// Status is the result of Submit.
type Status int

const (
	StatusDenied Status = iota
	StatusPending
	StatusActive
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	}
	return "denied"
}

// RemoveStatus reports where Remove found the command.
type RemoveStatus int

const (
	NotFound RemoveStatus = iota
	InActiveList
	InPendingList
)

// Callback receives lifecycle notifications for a command. An error
// returned for ReasonActivate makes the scheduler drop the command.
type Callback func(cmd Command, reason Reason) error

// Command is one unit submitted to the scheduler.
type Command struct {
	ID           uint32
	Type         CmdType
	Vdev         uint8
	Timeout      time.Duration
	HighPriority bool
	Callback     Callback
	// Activation is filled by the scheduler for ReasonActivate.
	Activation ActivationReason
}

type entry struct {
	cmd   Command
	timer *time.Timer
}

type queue struct {
	active  *entry
	pending []*entry
	stats   QueueStats
}

// QueueStats are per-vdev counters.
type QueueStats struct {
	Vdev       uint8   `json:"vdev"`
	ActiveID   *uint32 `json:"active_id,omitempty"`
	ActiveType CmdType `json:"active_type,omitempty"`
	Pending    int     `json:"pending"`
	Submitted  uint64  `json:"submitted"`
	Activated  uint64  `json:"activated"`
	Timeouts   uint64  `json:"timeouts"`
	Removed    uint64  `json:"removed"`
	Cancelled  uint64  `json:"cancelled"`
}

// Scheduler arbitrates commands per vdev.
type Scheduler struct {
	mu     sync.Mutex
	queues map[uint8]*queue
	logger *zap.Logger
}

// New creates an empty Scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		queues: make(map[uint8]*queue),
		logger: logger,
	}
}

// Submit queues cmd. When the vdev has no active command, cmd becomes
// active immediately and its callback receives ReasonActivate with
// ActivationDirect before Submit returns.
func (s *Scheduler) Submit(cmd Command) (Status, error) {
	if cmd.Callback == nil {
		return StatusDenied, fmt.Errorf("submit %s %#x: %w: nil callback", cmd.Type, cmd.ID, ErrInvalidCommand)
	}

	s.mu.Lock()
	q := s.queueLocked(cmd.Vdev)
	if q.find(cmd.ID, cmd.Type) != nil {
		s.mu.Unlock()
		return StatusDenied, fmt.Errorf("submit %s %#x: %w", cmd.Type, cmd.ID, ErrDuplicate)
	}
	q.stats.Submitted++

	e := &entry{cmd: cmd}
	if q.active != nil {
		q.insertPending(e)
		s.mu.Unlock()
		s.logger.Debug("command pending",
			zap.Uint8("vdev", cmd.Vdev),
			zap.String("type", string(cmd.Type)),
			zap.Uint32("id", cmd.ID),
			zap.Bool("high_priority", cmd.HighPriority),
		)
		return StatusPending, nil
	}

	s.makeActiveLocked(q, e)
	s.mu.Unlock()

	s.activate(e, ActivationDirect)
	return StatusActive, nil
}

// Remove deletes the command with the given id and type. Removing the
// active command fires ReasonReleaseMemory and promotes the next pending
// one. Removing a pending command fires ReasonCancel then
// ReasonReleaseMemory.
func (s *Scheduler) Remove(vdev uint8, id uint32, typ CmdType) RemoveStatus {
	s.mu.Lock()
	q, ok := s.queues[vdev]
	if !ok {
		s.mu.Unlock()
		return NotFound
	}
	if e := q.active; e != nil && e.cmd.ID == id && e.cmd.Type == typ {
		s.mu.Unlock()
		s.dequeueActive(q, e)
		return InActiveList
	}
	e := q.removePending(id, typ)
	if e == nil {
		s.mu.Unlock()
		return NotFound
	}
	q.stats.Removed++
	q.stats.Cancelled++
	s.mu.Unlock()

	s.invoke(e.cmd, ReasonCancel)
	s.invoke(e.cmd, ReasonReleaseMemory)
	return InPendingList
}

// CancelPending removes a command only if it is still pending.
func (s *Scheduler) CancelPending(vdev uint8, id uint32, typ CmdType) bool {
	s.mu.Lock()
	q, ok := s.queues[vdev]
	if !ok {
		s.mu.Unlock()
		return false
	}
	e := q.removePending(id, typ)
	if e == nil {
		s.mu.Unlock()
		return false
	}
	q.stats.Cancelled++
	s.mu.Unlock()

	s.invoke(e.cmd, ReasonCancel)
	s.invoke(e.cmd, ReasonReleaseMemory)
	return true
}

// IsActive reports whether the command is the vdev's active command.
func (s *Scheduler) IsActive(vdev uint8, id uint32, typ CmdType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[vdev]
	if !ok || q.active == nil {
		return false
	}
	return q.active.cmd.ID == id && q.active.cmd.Type == typ
}

// FlushVdev cancels every pending command and removes the active one,
// then forgets the vdev.
func (s *Scheduler) FlushVdev(vdev uint8) {
	s.mu.Lock()
	q, ok := s.queues[vdev]
	if !ok {
		s.mu.Unlock()
		return
	}
	pending := q.pending
	q.pending = nil
	active := q.active
	q.active = nil
	if active != nil && active.timer != nil {
		active.timer.Stop()
	}
	delete(s.queues, vdev)
	s.mu.Unlock()

	for _, e := range pending {
		s.invoke(e.cmd, ReasonCancel)
		s.invoke(e.cmd, ReasonReleaseMemory)
	}
	if active != nil {
		s.invoke(active.cmd, ReasonReleaseMemory)
	}
}

// VdevStats returns the counters of one vdev.
func (s *Scheduler) VdevStats(vdev uint8) (QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[vdev]
	if !ok {
		return QueueStats{}, fmt.Errorf("vdev %d: %w", vdev, ErrUnknownVdev)
	}
	return q.snapshot(vdev), nil
}

// Stats returns the counters of every vdev seen so far.
func (s *Scheduler) Stats() []QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QueueStats, 0, len(s.queues))
	for vdev, q := range s.queues {
		out = append(out, q.snapshot(vdev))
	}
	slices.SortFunc(out, func(a, b QueueStats) int { return cmp.Compare(a.Vdev, b.Vdev) })
	return out
}

func (s *Scheduler) queueLocked(vdev uint8) *queue {
	q, ok := s.queues[vdev]
	if !ok {
		q = &queue{}
		s.queues[vdev] = q
	}
	return q
}

func (s *Scheduler) makeActiveLocked(q *queue, e *entry) {
	q.active = e
	q.stats.Activated++
	if e.cmd.Timeout > 0 {
		e.timer = time.AfterFunc(e.cmd.Timeout, func() { s.onTimeout(e) })
	}
}

// activate runs the ACTIVATE callback. A failed activation drops the
// command and promotes the next one.
func (s *Scheduler) activate(e *entry, why ActivationReason) {
	cmd := e.cmd
	cmd.Activation = why
	if err := cmd.Callback(cmd, ReasonActivate); err != nil {
		s.logger.Warn("command activation failed, dequeuing",
			zap.Uint8("vdev", cmd.Vdev),
			zap.String("type", string(cmd.Type)),
			zap.Uint32("id", cmd.ID),
			zap.Error(err),
		)
		s.mu.Lock()
		q := s.queues[cmd.Vdev]
		s.mu.Unlock()
		if q != nil {
			s.dequeueActive(q, e)
		}
	}
}

func (s *Scheduler) onTimeout(e *entry) {
	s.mu.Lock()
	q := s.queues[e.cmd.Vdev]
	if q == nil || q.active != e {
		s.mu.Unlock()
		return
	}
	q.stats.Timeouts++
	s.mu.Unlock()

	s.logger.Warn("active command timed out",
		zap.Uint8("vdev", e.cmd.Vdev),
		zap.String("type", string(e.cmd.Type)),
		zap.Uint32("id", e.cmd.ID),
		zap.Duration("timeout", e.cmd.Timeout),
	)
	s.invoke(e.cmd, ReasonActiveTimeout)
	s.dequeueActive(q, e)
}

// dequeueActive removes e if it is still the active command, releases it
// and activates pending commands until one accepts activation.
func (s *Scheduler) dequeueActive(q *queue, e *entry) {
	s.mu.Lock()
	if q.active != e {
		s.mu.Unlock()
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	q.active = nil
	q.stats.Removed++
	var next *entry
	if len(q.pending) > 0 {
		next = q.pending[0]
		q.pending = q.pending[1:]
		s.makeActiveLocked(q, next)
	}
	s.mu.Unlock()

	s.invoke(e.cmd, ReasonReleaseMemory)
	if next != nil {
		s.logger.Debug("command moved from pending to active",
			zap.Uint8("vdev", next.cmd.Vdev),
			zap.String("type", string(next.cmd.Type)),
			zap.Uint32("id", next.cmd.ID),
		)
		s.activate(next, ActivationPendingToActive)
	}
}

func (s *Scheduler) invoke(cmd Command, reason Reason) {
	if err := cmd.Callback(cmd, reason); err != nil {
		s.logger.Debug("command callback returned error",
			zap.String("reason", reason.String()),
			zap.Uint32("id", cmd.ID),
			zap.Error(err),
		)
	}
}

func (q *queue) find(id uint32, typ CmdType) *entry {
	if q.active != nil && q.active.cmd.ID == id && q.active.cmd.Type == typ {
		return q.active
	}
	for _, e := range q.pending {
		if e.cmd.ID == id && e.cmd.Type == typ {
			return e
		}
	}
	return nil
}

// insertPending appends e, or for high-priority commands places it after
// the last pending high-priority command.
func (q *queue) insertPending(e *entry) {
	if !e.cmd.HighPriority {
		q.pending = append(q.pending, e)
		return
	}
	pos := 0
	for pos < len(q.pending) && q.pending[pos].cmd.HighPriority {
		pos++
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[pos+1:], q.pending[pos:])
	q.pending[pos] = e
}

func (q *queue) removePending(id uint32, typ CmdType) *entry {
	for i, e := range q.pending {
		if e.cmd.ID == id && e.cmd.Type == typ {
			q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
			return e
		}
	}
	return nil
}

func (q *queue) snapshot(vdev uint8) QueueStats {
	st := q.stats
	st.Vdev = vdev
	st.Pending = len(q.pending)
	if q.active != nil {
		id := q.active.cmd.ID
		st.ActiveID = &id
		st.ActiveType = q.active.cmd.Type
	}
	return st
}
