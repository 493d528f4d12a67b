package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xiaonanln/goreplica/codec"
	"github.com/xiaonanln/goreplica/object"
	"github.com/xiaonanln/goreplica/schema"
	"github.com/xiaonanln/goreplica/util/testutil"
)

// testWait bounds every wait in node tests.
const testWait = 5 * time.Second

// mustHost makes n listen on a fresh inproc: URL and returns the URL.
func mustHost(t *testing.T, n *Node, caps ...Capability) string {
	t.Helper()
	if err := n.SetHostURL(testutil.InprocURL(t), caps...); err != nil {
		t.Fatalf("SetHostURL failed: %v", err)
	}
	return n.HostURL()
}

// mustConnect connects n to url.
func mustConnect(t *testing.T, n *Node, url string) {
	t.Helper()
	if err := n.ConnectToNode(url); err != nil {
		t.Fatalf("ConnectToNode(%s) failed: %v", url, err)
	}
}

func waitState(t *testing.T, r *Replica, want State) {
	t.Helper()
	testutil.WaitFor(t, testWait, "replica "+r.Name()+" to become "+want.String(), func() bool {
		return r.State() == want
	})
}

var counterSchema = schema.NewBuilder("Counter").
	Property("value", codec.Int, schema.ReadWrite).
	Property("label", codec.String, schema.ReadOnly).
	Property("limit", codec.Int, schema.Constant).
	Signal("overflowed", codec.Int, codec.String).
	Method("increment", codec.Int, codec.Int).
	Method("record", codec.Void, codec.Int, codec.String, codec.Bool).
	Method("fail", codec.Int).
	Method("later", codec.String, codec.Int).
	Method("hang", codec.Int).
	MustBuild()

// counterSchemaV2 differs from counterSchema by one property.
var counterSchemaV2 = schema.NewBuilder("Counter").
	Property("value", codec.Int, schema.ReadWrite).
	Property("label", codec.String, schema.ReadOnly).
	Property("limit", codec.Int, schema.Constant).
	Property("step", codec.Int, schema.ReadWrite).
	Signal("overflowed", codec.Int, codec.String).
	Method("increment", codec.Int, codec.Int).
	Method("record", codec.Void, codec.Int, codec.String, codec.Bool).
	Method("fail", codec.Int).
	Method("later", codec.String, codec.Int).
	Method("hang", codec.Int).
	MustBuild()

// recordCall is one execution of Counter.record.
type recordCall struct {
	n    int64
	text string
	flag bool
}

// testCounter implements Counter on top of object.Base.
type testCounter struct {
	*object.Base
	records chan recordCall
}

func newTestCounter(value int64) *testCounter {
	c := &testCounter{Base: object.NewBase(counterSchema), records: make(chan recordCall, 16)}
	c.Set("value", value)
	c.Set("label", "counter")
	c.Set("limit", 100)
	c.Handle("increment", func(ctx context.Context, args []any) (any, error) {
		v := c.Get("value").(int64) + args[0].(int64)
		if err := c.Set("value", v); err != nil {
			return nil, err
		}
		return v, nil
	})
	c.Handle("record", func(ctx context.Context, args []any) (any, error) {
		c.records <- recordCall{n: args[0].(int64), text: args[1].(string), flag: args[2].(bool)}
		return nil, nil
	})
	c.Handle("fail", func(ctx context.Context, args []any) (any, error) {
		return nil, errors.New("counter is broken")
	})
	c.Handle("later", func(ctx context.Context, args []any) (any, error) {
		d := object.NewDeferred()
		n := args[0].(int64)
		go func() {
			time.Sleep(20 * time.Millisecond)
			if n < 0 {
				d.Reject(errors.New("negative"))
				return
			}
			d.Resolve("done")
		}()
		return d, nil
	})
	c.Handle("hang", func(ctx context.Context, args []any) (any, error) {
		return object.NewDeferred(), nil
	})
	return c
}

// events collects replica callbacks for assertions.
type events struct {
	mu      sync.Mutex
	states  []State
	changes []int
	signals [][]any
}

func watch(r *Replica) *events {
	ev := &events{}
	r.OnStateChanged(func(_, to State) {
		ev.mu.Lock()
		ev.states = append(ev.states, to)
		ev.mu.Unlock()
	})
	r.OnPropertyChanged(func(index int, _ any) {
		ev.mu.Lock()
		ev.changes = append(ev.changes, index)
		ev.mu.Unlock()
	})
	r.OnSignal(func(_ int, args []any) {
		ev.mu.Lock()
		ev.signals = append(ev.signals, args)
		ev.mu.Unlock()
	})
	return ev
}

func (ev *events) changesOf(index int) int {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	n := 0
	for _, i := range ev.changes {
		if i == index {
			n++
		}
	}
	return n
}

func (ev *events) numSignals() int {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return len(ev.signals)
}

func (ev *events) sawState(s State) bool {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	for _, x := range ev.states {
		if x == s {
			return true
		}
	}
	return false
}
