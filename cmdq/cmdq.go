// Package cmdq schedules protocol commands for a session.
//
// A session executes one command at a time. Commands added while the session is
// not ready are kept waiting, and are all made ready when the session becomes
// active. Commands with the same identity are merged into one command with
// multiple listeners.
package cmdq

import (
	"errors"
	"fmt"
	"sync"
)

// ErrCanceled is matched by the errors listeners get for canceled commands.
var ErrCanceled = errors.New("command canceled")

// CancelType is the reason commands are canceled.
type CancelType int

const (
	CancelUnknown      CancelType = iota
	CancelNoAccount               // Account was removed.
	CancelNoConnection            // Connection could not be made.
	CancelShutdown                // Process is shutting down.
)

func (t CancelType) String() string {
	switch t {
	case CancelNoAccount:
		return "no-account"
	case CancelNoConnection:
		return "no-connection"
	case CancelShutdown:
		return "shutdown"
	}
	return "unknown"
}

// CancelError is the error listeners of canceled commands get.
type CancelError struct {
	Type CancelType
}

func (e CancelError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCanceled, e.Type)
}

func (e CancelError) Unwrap() error {
	return ErrCanceled
}

// Priority of a command, higher priorities run first. Commands with the same
// priority run in order of addition.
type Priority int

const (
	PriorityLow    Priority = -1 // E.g. keepalives.
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1 // E.g. explicit user requests.
)

// Command is a unit of work for a session. Execution is done by the caller of
// Next.
type Command interface {
	// Name for logging and metrics.
	Name() string
	Priority() Priority
	// Identity for merging with equivalent commands. Empty for commands that are
	// never merged.
	Identity() string
}

// State of a command in the queue.
type State int

const (
	StateWaiting State = iota // Until the session is active.
	StateReady
	StateRunning
	StateDone // Finished or canceled.
)

func (s State) String() string {
	return [...]string{"waiting", "ready", "running", "done"}[s]
}

type entry struct {
	cmd       Command
	seq       int64
	listeners []func(err error)
}

// Queue holds the commands of a session. A Queue is safe for concurrent use,
// commands can be added from other goroutines than the one executing them.
type Queue struct {
	mu      sync.Mutex
	active  bool
	seq     int64
	waiting []*entry
	ready   []*entry // Sorted by priority, then seq.
	running *entry
	notify  chan struct{}
}

// New returns a new, inactive queue.
func New() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Notify returns a channel that receives a value when a command may be ready to
// run. Executors wait on it, then call Next.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// find returns the entry for a command with the same identity, and its state.
func (q *Queue) find(ident string) (*entry, State) {
	if ident == "" {
		return nil, StateDone
	}
	if q.running != nil && q.running.cmd.Identity() == ident {
		return q.running, StateRunning
	}
	for _, e := range q.ready {
		if e.cmd.Identity() == ident {
			return e, StateReady
		}
	}
	for _, e := range q.waiting {
		if e.cmd.Identity() == ident {
			return e, StateWaiting
		}
	}
	return nil, StateDone
}

// Add adds cmd with optional listener done, which is called once with the result
// of the command. If a command with the same identity is queued or running, cmd
// is not added, done is registered with the existing command, and merged is true.
// The returned state is StateReady if the session is active, StateWaiting
// otherwise, or the state of the existing command.
func (q *Queue) Add(cmd Command, done func(err error)) (state State, merged bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, st := q.find(cmd.Identity()); e != nil {
		if done != nil {
			e.listeners = append(e.listeners, done)
		}
		return st, true
	}

	q.seq++
	e := &entry{cmd: cmd, seq: q.seq}
	if done != nil {
		e.listeners = []func(error){done}
	}
	if !q.active {
		q.waiting = append(q.waiting, e)
		return StateWaiting, false
	}
	q.insertReady(e)
	q.signal()
	return StateReady, false
}

func (q *Queue) insertReady(e *entry) {
	i := len(q.ready)
	for i > 0 {
		p := q.ready[i-1]
		if p.cmd.Priority() > e.cmd.Priority() || p.cmd.Priority() == e.cmd.Priority() && p.seq < e.seq {
			break
		}
		i--
	}
	q.ready = append(q.ready, nil)
	copy(q.ready[i+1:], q.ready[i:])
	q.ready[i] = e
}

// Activate marks the session as active, making all waiting commands ready.
func (q *Queue) Activate() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active = true
	for _, e := range q.waiting {
		q.insertReady(e)
	}
	q.waiting = nil
	if len(q.ready) > 0 {
		q.signal()
	}
}

// Pause marks the session as inactive. Ready commands go back to waiting. A
// running command is not affected.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active = false
	// Keep order of addition.
	l := append(q.waiting, q.ready...)
	for i := 1; i < len(l); i++ {
		for j := i; j > 0 && l[j].seq < l[j-1].seq; j-- {
			l[j], l[j-1] = l[j-1], l[j]
		}
	}
	q.waiting = l
	q.ready = nil
}

// Active returns whether the session is active.
func (q *Queue) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Next returns the next command to execute, or nil if the session is not active,
// a command is running, or no command is ready. The caller must call Done when
// the command has finished.
func (q *Queue) Next() Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.active || q.running != nil || len(q.ready) == 0 {
		return nil
	}
	q.running = q.ready[0]
	q.ready = q.ready[1:]
	return q.running.cmd
}

// Done marks the running command cmd as finished with err, and calls its
// listeners. Done returns true if the session is active and nothing is left to
// run, i.e. the session can consider idling or disconnecting.
func (q *Queue) Done(cmd Command, err error) (idle bool, rerr error) {
	q.mu.Lock()
	if q.running == nil || q.running.cmd != cmd {
		q.mu.Unlock()
		return false, fmt.Errorf("command %s is not running", cmd.Name())
	}
	e := q.running
	q.running = nil
	idle = q.active && len(q.ready) == 0
	if len(q.ready) > 0 {
		q.signal()
	}
	q.mu.Unlock()

	// Listeners are called without the lock, they may add new commands.
	for _, fn := range e.listeners {
		fn(err)
	}
	return idle, nil
}

// Cancel cancels all waiting and ready commands, calling their listeners with a
// CancelError. A running command is not canceled, it must finish on its own. The
// number of canceled commands is returned.
func (q *Queue) Cancel(t CancelType) int {
	q.mu.Lock()
	l := append(q.waiting, q.ready...)
	q.waiting = nil
	q.ready = nil
	q.mu.Unlock()

	err := CancelError{t}
	for _, e := range l {
		for _, fn := range e.listeners {
			fn(err)
		}
	}
	return len(l)
}

// Running returns the running command, or nil.
func (q *Queue) Running() Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running == nil {
		return nil
	}
	return q.running.cmd
}

// Len returns the number of waiting and ready commands.
func (q *Queue) Len() (waiting, ready int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting), len(q.ready)
}

// Pending returns the names of commands that have not yet run, in order of
// execution, for status reporting.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var l []string
	for _, e := range q.ready {
		l = append(l, e.cmd.Name())
	}
	for _, e := range q.waiting {
		l = append(l, e.cmd.Name())
	}
	return l
}
