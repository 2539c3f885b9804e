// Package bus is a synchronous command/event dispatcher: a Command has
// exactly one handler and its error propagates to the caller; an Event
// fans out to every registered listener, and a listener's error is
// logged, not fatal to its siblings. Dispatching one Command or Event
// may itself dispatch further messages (a command handler that raises
// events, an event listener that issues a command); those nested
// dispatches run to completion, breadth-first within the originating
// call, before Dispatch returns — the same ordering nyxmon's
// MessageBus.handle loop gives by draining a FIFO queue.
package bus

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/watchdeer/watchdeer/internal/domain"
)

// CommandHandler executes a Command and may return further messages to
// dispatch (events it raised as a side effect).
type CommandHandler func(ctx context.Context, cmd domain.Command) ([]domain.Message, error)

// EventListener reacts to an Event and may return further messages.
type EventListener func(ctx context.Context, evt domain.Event) ([]domain.Message, error)

// Bus wires Command handlers and Event listeners and drains the
// message queue they produce.
type Bus struct {
	log       *zap.Logger
	commands  map[string]CommandHandler
	listeners map[string][]EventListener
}

func New(log *zap.Logger) *Bus {
	return &Bus{
		log:       log,
		commands:  map[string]CommandHandler{},
		listeners: map[string][]EventListener{},
	}
}

// RegisterCommand installs the single handler for a command name. A
// second registration for the same name overwrites the first (used by
// tests to substitute a fake handler).
func (b *Bus) RegisterCommand(name string, h CommandHandler) {
	b.commands[name] = h
}

// RegisterEvent adds one more listener for an event name. All
// registered listeners run whenever that event is dispatched.
func (b *Bus) RegisterEvent(name string, l EventListener) {
	b.listeners[name] = append(b.listeners[name], l)
}

// Dispatch enqueues msg and drains the resulting message queue
// (including any messages handlers/listeners return) breadth-first.
// It returns the first command-handler error encountered; event
// listener errors are logged and otherwise swallowed so one broken
// listener cannot block delivery to the others or to the caller.
func (b *Bus) Dispatch(ctx context.Context, msg domain.Message) error {
	queue := []domain.Message{msg}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		switch m := current.(type) {
		case domain.Command:
			name := fmt.Sprintf("%T", m)
			handler, ok := b.commands[name]
			if !ok {
				return errors.Errorf("no handler registered for command %s", name)
			}
			produced, err := handler(ctx, m)
			if err != nil {
				return errors.Wrapf(err, "handling command %s", name)
			}
			queue = append(queue, produced...)

		case domain.Event:
			name := fmt.Sprintf("%T", m)
			for _, listener := range b.listeners[name] {
				produced, err := listener(ctx, m)
				if err != nil {
					b.log.Error("event listener failed", zap.String("event", name), zap.Error(err))
					continue
				}
				queue = append(queue, produced...)
			}

		default:
			return errors.Errorf("dispatched message is neither a Command nor an Event: %T", current)
		}
	}

	return nil
}
