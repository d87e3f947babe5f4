package power

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tphummel/lab_power/internal/models"
)

// eventBuffer is larger than the number of events any operation emits
// (one per poll tick plus a handful of step lines), so the producer never
// waits on a slow consumer.
const eventBuffer = 512

// EventKind distinguishes progress lines from the terminal event.
type EventKind string

const (
	EventLog      EventKind = "log"
	EventComplete EventKind = "complete"
	EventError    EventKind = "error"
)

// Event is one message on an operation's progress stream. Result is set
// only on the terminal event.
type Event struct {
	Kind    EventKind      `json:"kind"`
	Message string         `json:"message,omitempty"`
	Result  *models.Result `json:"result,omitempty"`
}

// Operation is a running power action. Events are delivered in order with
// exactly one terminal event (complete or error) last, after which the
// channel is closed.
type Operation struct {
	ID        string
	Server    string
	Action    models.Action
	StartedAt time.Time

	logger *slog.Logger
	events chan Event
	done   chan struct{}

	mu       sync.Mutex
	detached bool
	logs     []string
	result   models.Result
}

func newOperation(id, server string, action models.Action, started time.Time, logger *slog.Logger) *Operation {
	return &Operation{
		ID:        id,
		Server:    server,
		Action:    action,
		StartedAt: started,
		logger:    logger.With("op", id, "server", server, "action", action),
		events:    make(chan Event, eventBuffer),
		done:      make(chan struct{}),
	}
}

// Events returns the progress stream.
func (op *Operation) Events() <-chan Event { return op.events }

// Detach stops event delivery. The operation itself runs to completion.
func (op *Operation) Detach() {
	op.mu.Lock()
	op.detached = true
	op.mu.Unlock()
}

// Done is closed once the operation has finished and its state is persisted.
func (op *Operation) Done() <-chan struct{} { return op.done }

// Wait blocks until the operation finishes and returns its result.
func (op *Operation) Wait() models.Result {
	<-op.done
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result
}

func (op *Operation) log(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	op.logger.Info(msg)

	op.mu.Lock()
	defer op.mu.Unlock()
	op.logs = append(op.logs, msg)
	op.send(Event{Kind: EventLog, Message: msg})
}

// finish publishes the terminal event and closes the stream.
func (op *Operation) finish(kind EventKind, res models.Result) {
	op.mu.Lock()
	res.Logs = append([]string{}, op.logs...)
	op.result = res
	op.send(Event{Kind: kind, Message: res.Message, Result: &res})
	close(op.events)
	op.mu.Unlock()
	close(op.done)
}

// send must be called with mu held.
func (op *Operation) send(ev Event) {
	if op.detached {
		return
	}
	select {
	case op.events <- ev:
	default:
		op.logger.Warn("progress event dropped", "message", ev.Message)
	}
}

func (op *Operation) logLines() []string {
	op.mu.Lock()
	defer op.mu.Unlock()
	return append([]string{}, op.logs...)
}
