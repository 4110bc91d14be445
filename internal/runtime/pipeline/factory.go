package pipeline

import (
	"fmt"
	"io"
	"sync"
)

// HandlerFactory creates handler instances by type tag and releases them
// when a pipeline is done with them.
type HandlerFactory interface {
	Create(handlerType string) (any, error)
	Release(handler any)
}

// Shared marks an instance owned outside the pipeline. Shared instances are
// never released by the builder.
type Shared interface {
	Shared() bool
}

// SharedReporter is implemented by factories that know which handler types
// they serve as singletons.
type SharedReporter interface {
	IsShared(handlerType string) bool
}

// FactoryFunc adapts a function into a HandlerFactory whose Release closes
// io.Closer instances.
type FactoryFunc func(handlerType string) (any, error)

func (f FactoryFunc) Create(handlerType string) (any, error) { return f(handlerType) }

func (f FactoryFunc) Release(handler any) { closeHandler(handler) }

// Factory is a registration based HandlerFactory.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]func() (any, error)
	singletons   map[string]any
}

func NewFactory() *Factory {
	return &Factory{
		constructors: make(map[string]func() (any, error)),
		singletons:   make(map[string]any),
	}
}

// Register sets the constructor used for every Create of handlerType.
func (f *Factory) Register(handlerType string, constructor func() (any, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[handlerType] = constructor
}

// Singleton serves instance for every Create of handlerType. It is never
// released.
func (f *Factory) Singleton(handlerType string, instance any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singletons[handlerType] = instance
}

func (f *Factory) Create(handlerType string) (any, error) {
	f.mu.RLock()
	instance, shared := f.singletons[handlerType]
	constructor := f.constructors[handlerType]
	f.mu.RUnlock()

	if shared {
		return instance, nil
	}
	if constructor == nil {
		return nil, fmt.Errorf("no constructor registered for handler type %q", handlerType)
	}
	return constructor()
}

func (f *Factory) Release(handler any) { closeHandler(handler) }

func (f *Factory) IsShared(handlerType string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.singletons[handlerType]
	return ok
}

func closeHandler(handler any) {
	if c, ok := handler.(io.Closer); ok {
		_ = c.Close()
	}
}

func isShared(factory HandlerFactory, handlerType string, instance any) bool {
	if s, ok := instance.(Shared); ok && s.Shared() {
		return true
	}
	if r, ok := factory.(SharedReporter); ok {
		return r.IsShared(handlerType)
	}
	return false
}
