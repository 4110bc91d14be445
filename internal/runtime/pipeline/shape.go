package pipeline

import (
	"sort"
	"sync"

	"github.com/drblury/commandflow/internal/runtime/inbox"
	"github.com/drblury/commandflow/internal/runtime/registry"
)

// shape is the ordering derived from a handler's descriptor. Instances are
// created fresh on every build; only the shape is cached.
type shape struct {
	pre  []registry.Step
	post []registry.Step

	inbox        registry.InboxMode
	inboxOptions inbox.Options
}

var shapes = struct {
	sync.RWMutex
	m map[string]*shape
}{m: make(map[string]*shape)}

// ClearShapeCache drops every cached pipeline shape. Call it after changing
// handler descriptors, for example between tests.
func ClearShapeCache() {
	shapes.Lock()
	defer shapes.Unlock()
	shapes.m = make(map[string]*shape)
}

func cachedShapes() int {
	shapes.RLock()
	defer shapes.RUnlock()
	return len(shapes.m)
}

func shapeKey(requestType, handlerType string) string {
	return requestType + "/" + handlerType
}

func shapeFor(reg *registry.Registry, requestType, handlerType string) *shape {
	key := shapeKey(requestType, handlerType)

	shapes.RLock()
	s, ok := shapes.m[key]
	shapes.RUnlock()
	if ok {
		return s
	}

	s = computeShape(reg.Descriptor(handlerType))

	shapes.Lock()
	defer shapes.Unlock()
	if existing, ok := shapes.m[key]; ok {
		return existing
	}
	shapes.m[key] = s
	return s
}

func computeShape(d registry.Descriptor) *shape {
	s := &shape{inbox: d.Inbox, inboxOptions: d.InboxOptions}
	for _, step := range d.Steps {
		if step.Phase == registry.PhasePost {
			s.post = append(s.post, step)
			continue
		}
		s.pre = append(s.pre, step)
	}
	byOrder := func(steps []registry.Step) func(i, j int) bool {
		return func(i, j int) bool { return steps[i].Order < steps[j].Order }
	}
	sort.SliceStable(s.pre, byOrder(s.pre))
	sort.SliceStable(s.post, byOrder(s.post))
	return s
}
