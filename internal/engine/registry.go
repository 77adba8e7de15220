package engine

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/a-essam23/go-chatroom/pkg/pipeline"
	"github.com/a-essam23/go-chatroom/pkg/protocol"
)

/*
* The table of command handlers the workers dispatch into.
* It is filled once at startup; lookups afterwards only take the read lock.
 */
type Registry struct {
	logger    *slog.Logger
	handlers  map[protocol.Kind]pipeline.HandlerFunc
	handlerMu sync.RWMutex
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		handlers: make(map[protocol.Kind]pipeline.HandlerFunc),
		logger:   logger.With(slog.String("component", "registry")),
	}
}

// --- Handler Methods ---

func (r *Registry) Register(kind protocol.Kind, fn pipeline.HandlerFunc) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	if kind == protocol.KindUnknown {
		panic("cannot register a handler for unknown commands")
	}
	if _, exists := r.handlers[kind]; exists {
		panic(fmt.Sprintf("handler already registered: %s", kind))
	}
	r.handlers[kind] = fn
}

func (r *Registry) Handler(kind protocol.Kind) (pipeline.HandlerFunc, bool) {
	r.handlerMu.RLock()
	defer r.handlerMu.RUnlock()
	fn, ok := r.handlers[kind]
	return fn, ok
}

func (r *Registry) Count() int {
	r.handlerMu.RLock()
	defer r.handlerMu.RUnlock()
	return len(r.handlers)
}
