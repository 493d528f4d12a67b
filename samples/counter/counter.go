package main

import (
	"context"

	"github.com/xiaonanln/goreplica/codec"
	"github.com/xiaonanln/goreplica/object"
	"github.com/xiaonanln/goreplica/schema"
)

// CounterSchema is shared by the source and every replica.
var CounterSchema = schema.NewBuilder("Counter").
	PersistedProperty("value", codec.Int, schema.ReadOnly).
	Signal("wasReset", codec.Int).
	Method("increment", codec.Int, codec.Int).
	Method("decrement", codec.Int, codec.Int).
	Method("reset", codec.Void).
	MustBuild()

// Counter is a counter that can be incremented, decremented and reset.
//
// Methods run on the owning node's event loop one at a time, so the value
// needs no lock of its own.
type Counter struct {
	object.Base
}

func NewCounter() *Counter {
	c := &Counter{}
	c.Init(CounterSchema)
	c.Handle("increment", c.increment)
	c.Handle("decrement", c.decrement)
	c.Handle("reset", c.reset)
	return c
}

func (c *Counter) Value() int64 {
	return c.Get("value").(int64)
}

func (c *Counter) add(delta int64) (any, error) {
	value := c.Value() + delta
	if err := c.Set("value", value); err != nil {
		return nil, err
	}
	return value, nil
}

func (c *Counter) increment(ctx context.Context, args []any) (any, error) {
	return c.add(args[0].(int64))
}

func (c *Counter) decrement(ctx context.Context, args []any) (any, error) {
	return c.add(-args[0].(int64))
}

func (c *Counter) reset(ctx context.Context, args []any) (any, error) {
	previous := c.Value()
	if err := c.Set("value", 0); err != nil {
		return nil, err
	}
	c.Logger.Infof("Counter reset from %d", previous)
	return nil, c.Emit("wasReset", previous)
}
