package object

import (
	"context"
	"fmt"
	"sync"

	"github.com/xiaonanln/goreplica/codec"
	"github.com/xiaonanln/goreplica/schema"
	rerrors "github.com/xiaonanln/goreplica/util/errors"
	"github.com/xiaonanln/goreplica/util/logger"
)

// Object is an application object that can be published as a Source.
//
// Invoke runs on the owning Node's event loop and must not block. A method that
// needs to wait for something returns a *Deferred and resolves it later from any
// goroutine; the reply is sent when it resolves.
type Object interface {
	Schema() *schema.TypeSchema

	// Properties returns the current value of every property in index order.
	// It is read once when the object is enabled; afterwards the binding owns the values.
	Properties() []any

	Invoke(ctx context.Context, method int, args []any) (any, error)
}

// PropertyWriter is implemented by objects that want to inspect writes coming
// from replicas. The returned value is what gets stored; an error rejects the write.
type PropertyWriter interface {
	WriteProperty(ctx context.Context, index int, value any) (any, error)
}

// PropertyObserver is implemented by objects that want to mirror the binding's
// authoritative values. PropertyChanged runs on the event loop after a new value was stored.
type PropertyObserver interface {
	PropertyChanged(index int, value any)
}

// Binding is the handle a Node gives an enabled object.
type Binding interface {
	Name() string
	SetProperty(index int, value any) error
	EmitSignal(index int, args ...any) error
}

// Bindable objects are told when they get enabled (b != nil) or disabled (b == nil).
type Bindable interface {
	Bind(b Binding)
}

// MethodFunc implements one method of a Base object.
type MethodFunc func(ctx context.Context, args []any) (any, error)

// Base is a ready-made Object keeping its property values in memory and
// dispatching methods through handlers registered by name.
type Base struct {
	mu      sync.RWMutex
	schema  *schema.TypeSchema
	values  []any
	methods []MethodFunc
	binding Binding

	Logger *logger.Logger
}

// NewBase creates a Base with every property set to its zero value.
func NewBase(ts *schema.TypeSchema) *Base {
	base := &Base{}
	base.Init(ts)
	return base
}

// Init prepares an embedded Base. Calling it again resets all values and handlers.
func (base *Base) Init(ts *schema.TypeSchema) {
	base.mu.Lock()
	defer base.mu.Unlock()
	base.schema = ts
	base.values = make([]any, len(ts.Properties))
	for i, p := range ts.Properties {
		base.values[i] = schema.ZeroValue(p.Type, ts.Records())
	}
	base.methods = make([]MethodFunc, len(ts.Methods))
	base.Logger = logger.NewLogger(fmt.Sprintf("%s@%p", ts.TypeName, base))
}

func (base *Base) String() string {
	if b := base.Binding(); b != nil {
		return fmt.Sprintf("%s(%s)", base.schema.TypeName, b.Name())
	}
	return fmt.Sprintf("%s(unbound)", base.schema.TypeName)
}

func (base *Base) Schema() *schema.TypeSchema {
	return base.schema
}

func (base *Base) Properties() []any {
	base.mu.RLock()
	defer base.mu.RUnlock()
	out := make([]any, len(base.values))
	copy(out, base.values)
	return out
}

// Get returns the value of the named property, nil if there is no such property.
func (base *Base) Get(name string) any {
	i, ok := base.schema.PropertyIndex(name)
	if !ok {
		return nil
	}
	base.mu.RLock()
	defer base.mu.RUnlock()
	return base.values[i]
}

// Set changes the named property. Once the object is enabled the change is
// forwarded to the binding, which replicates it.
func (base *Base) Set(name string, value any) error {
	i, ok := base.schema.PropertyIndex(name)
	if !ok {
		return rerrors.New(rerrors.KindInvalidArgument, "object.Set", "%s has no property %q", base.schema.TypeName, name)
	}
	p := base.schema.Properties[i]
	v := value
	if _, child := value.(Object); !child || p.Type.Kind != codec.KindObject {
		var err error
		if v, err = codec.Normalize(value, p.Type, base.schema.Records()); err != nil {
			return err
		}
	}

	base.mu.Lock()
	b := base.binding
	if b == nil || p.Modifier != schema.Constant {
		base.values[i] = v
	}
	base.mu.Unlock()

	if b != nil {
		return b.SetProperty(i, v)
	}
	return nil
}

// Emit fires the named signal. It is a no-op while the object is not enabled.
func (base *Base) Emit(name string, args ...any) error {
	i, ok := base.schema.SignalIndex(name)
	if !ok {
		return rerrors.New(rerrors.KindInvalidArgument, "object.Emit", "%s has no signal %q", base.schema.TypeName, name)
	}
	if b := base.Binding(); b != nil {
		return b.EmitSignal(i, args...)
	}
	return nil
}

// Handle registers fn as the implementation of the named method.
func (base *Base) Handle(name string, fn MethodFunc) {
	i, ok := base.schema.MethodIndex(name)
	if !ok {
		panic(fmt.Sprintf("%s has no method %q", base.schema.TypeName, name))
	}
	base.mu.Lock()
	base.methods[i] = fn
	base.mu.Unlock()
}

func (base *Base) Invoke(ctx context.Context, method int, args []any) (any, error) {
	if method < 0 || method >= len(base.schema.Methods) {
		return nil, rerrors.New(rerrors.KindInvalidArgument, "object.Invoke", "%s has no method %d", base.schema.TypeName, method)
	}
	base.mu.RLock()
	fn := base.methods[method]
	base.mu.RUnlock()
	if fn == nil {
		return nil, rerrors.New(rerrors.KindInvalidArgument, "object.Invoke", "%s.%s is not implemented", base.schema.TypeName, base.schema.Methods[method].Name)
	}
	return fn(ctx, args)
}

func (base *Base) PropertyChanged(index int, value any) {
	base.mu.Lock()
	base.values[index] = value
	base.mu.Unlock()
}

func (base *Base) Bind(b Binding) {
	base.mu.Lock()
	base.binding = b
	base.mu.Unlock()
	if b != nil {
		base.Logger.SetPrefix(fmt.Sprintf("%s@%s", base.schema.TypeName, b.Name()))
	}
}

// Binding returns the current binding, nil while not enabled.
func (base *Base) Binding() Binding {
	base.mu.RLock()
	defer base.mu.RUnlock()
	return base.binding
}
