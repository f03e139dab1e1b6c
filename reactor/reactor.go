// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral strategy selection and the registration table shared by
// every strategy.

package reactor

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/momentics/fasttun/api"
)

// Kind selects a reactor strategy.
type Kind int

const (
	KindEpoll Kind = iota
	KindSelect
)

func (k Kind) String() string {
	switch k {
	case KindEpoll:
		return "epoll"
	case KindSelect:
		return "select"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a configuration string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "epoll":
		return KindEpoll, nil
	case "select":
		return KindSelect, nil
	default:
		return 0, fmt.Errorf("reactor: unknown strategy %q: %w", s, api.ErrInvalidArgument)
	}
}

// New constructs the reactor strategy named by kind.
func New(kind Kind, log *zap.Logger) (api.Reactor, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("reactor").With(zap.Stringer("strategy", kind))
	switch kind {
	case KindEpoll:
		return newEpollReactor(log)
	case KindSelect:
		return newSelectReactor(log)
	default:
		return nil, fmt.Errorf("reactor: %v: %w", kind, api.ErrInvalidArgument)
	}
}

// handlerTable maps descriptors to handlers. Triggers resolve the handler at
// call time, so a handler removed earlier in the same dispatch cycle is
// skipped rather than invoked through a stale reference.
type handlerTable struct {
	reads  map[int]api.ReadHandler
	writes map[int]api.WriteHandler
	log    *zap.Logger
}

func newHandlerTable(log *zap.Logger) handlerTable {
	return handlerTable{
		reads:  make(map[int]api.ReadHandler),
		writes: make(map[int]api.WriteHandler),
		log:    log,
	}
}

func (t *handlerTable) isRegistered(fd int, forRead bool) bool {
	if forRead {
		_, ok := t.reads[fd]
		return ok
	}
	_, ok := t.writes[fd]
	return ok
}

func (t *handlerTable) triggerRead(fd int) bool {
	h, ok := t.reads[fd]
	if !ok {
		return false
	}
	t.guard(fd, "read", func() { h.HandleRead(fd) })
	return true
}

func (t *handlerTable) triggerWrite(fd int) bool {
	h, ok := t.writes[fd]
	if !ok {
		return false
	}
	t.guard(fd, "write", func() { h.HandleWrite(fd) })
	return true
}

// triggerError prefers an explicit ErrorHandler and otherwise falls back to
// whichever direction is registered, read first.
func (t *handlerTable) triggerError(fd int) bool {
	if h, ok := t.reads[fd]; ok {
		if eh, ok := h.(api.ErrorHandler); ok {
			t.guard(fd, "error", func() { eh.HandleError(fd) })
			return true
		}
		return t.triggerRead(fd)
	}
	if h, ok := t.writes[fd]; ok {
		if eh, ok := h.(api.ErrorHandler); ok {
			t.guard(fd, "error", func() { eh.HandleError(fd) })
			return true
		}
		return t.triggerWrite(fd)
	}
	return false
}

func (t *handlerTable) maxFD() int {
	max := -1
	for fd := range t.reads {
		if fd > max {
			max = fd
		}
	}
	for fd := range t.writes {
		if fd > max {
			max = fd
		}
	}
	return max
}

// guard keeps the loop alive when a handler panics.
func (t *handlerTable) guard(fd int, dir string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			t.log.Error("handler panic",
				zap.Int("fd", fd),
				zap.String("direction", dir),
				zap.Any("panic", rec),
				zap.Stack("stack"))
		}
	}()
	fn()
}
