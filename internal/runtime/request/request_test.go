package request

import (
	"context"
	"sync"
	"testing"
)

type greet struct {
	Base
	Name string
}

func TestBase(t *testing.T) {
	t.Parallel()
	req := &greet{Base: NewBase("greet"), Name: "ada"}
	var r Request = req

	if r.ID() == "" || r.RequestType() != "greet" {
		t.Fatalf("unexpected base %#v", req.Base)
	}
	r.Properties()["attempt"] = 1
	if req.Props["attempt"] != 1 {
		t.Fatal("expected properties to be stored on the request")
	}
}

func TestContextBag(t *testing.T) {
	t.Parallel()
	rc := NewContext(nil)
	if rc.Context() == nil {
		t.Fatal("expected background context")
	}

	rc.Set(BagChannelName, "orders")
	if v, ok := rc.Get(BagChannelName); !ok || v != "orders" {
		t.Fatalf("Get() = %v, %v", v, ok)
	}
	rc.Delete(BagChannelName)
	if _, ok := rc.Get(BagChannelName); ok {
		t.Fatal("expected key to be deleted")
	}
}

func TestContextWithContextSharesBag(t *testing.T) {
	t.Parallel()
	rc := NewContext(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bound := rc.WithContext(ctx)
	bound.Set("k", "v")
	if v, _ := rc.Get("k"); v != "v" {
		t.Fatal("expected WithContext to share the bag")
	}
	if bound.Context() != ctx {
		t.Fatal("expected bound context")
	}
}

func TestContextConcurrentAccess(t *testing.T) {
	t.Parallel()
	rc := NewContext(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rc.Set("k", i)
			_, _ = rc.Get("k")
			_ = rc.Bag()
		}(i)
	}
	wg.Wait()
}

func TestBaseStampKeepsExistingIdentity(t *testing.T) {
	t.Parallel()
	var empty Base
	empty.Stamp("m-1", "c-1", "orders.place")
	if empty.ID() != "m-1" || empty.CorrelationID() != "c-1" || empty.RequestType() != "orders.place" {
		t.Fatalf("unexpected stamped base %+v", empty)
	}

	set := Base{RequestID: "r-1", Type: "orders.cancel"}
	set.Stamp("m-2", "c-2", "orders.place")
	if set.ID() != "r-1" || set.RequestType() != "orders.cancel" || set.CorrelationID() != "c-2" {
		t.Fatalf("Stamp overwrote identity: %+v", set)
	}
}
