package object

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/xiaonanln/goreplica/codec"
	"github.com/xiaonanln/goreplica/schema"
	rerrors "github.com/xiaonanln/goreplica/util/errors"
)

var engineSchema = schema.NewBuilder("Engine").
	Property("rpm", codec.Int, schema.ReadWrite).
	Property("serial", codec.String, schema.Constant).
	Signal("stalled", codec.Int).
	Method("setRpm", codec.Void, codec.Int).
	Method("double", codec.Int, codec.Int).
	MustBuild()

// recordingBinding collects what a Base forwards once enabled.
type recordingBinding struct {
	mu      sync.Mutex
	sets    map[int]any
	signals []int
}

func (b *recordingBinding) Name() string { return "Engine" }

func (b *recordingBinding) SetProperty(index int, value any) error {
	if engineSchema.Properties[index].Modifier == schema.Constant {
		return rerrors.New(rerrors.KindConstantProperty, "test", "constant")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sets == nil {
		b.sets = make(map[int]any)
	}
	b.sets[index] = value
	return nil
}

func (b *recordingBinding) EmitSignal(index int, args ...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signals = append(b.signals, index)
	return nil
}

func TestBase_ZeroValues(t *testing.T) {
	obj := NewBase(engineSchema)

	props := obj.Properties()
	if len(props) != 2 {
		t.Fatalf("Expected 2 properties, got %d", len(props))
	}
	if props[0] != int64(0) {
		t.Errorf("Expected rpm=0, got %v", props[0])
	}
	if props[1] != "" {
		t.Errorf("Expected empty serial, got %v", props[1])
	}
}

func TestBase_SetGetUnbound(t *testing.T) {
	obj := NewBase(engineSchema)

	if err := obj.Set("rpm", 1234); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got := obj.Get("rpm"); got != int64(1234) {
		t.Errorf("Expected rpm=1234 (int64), got %v (%T)", got, got)
	}

	if err := obj.Set("rpm", "fast"); !errors.Is(err, rerrors.ErrInvalidArgument) {
		t.Errorf("Expected InvalidArgument for wrong type, got %v", err)
	}
	if err := obj.Set("missing", 1); !errors.Is(err, rerrors.ErrInvalidArgument) {
		t.Errorf("Expected InvalidArgument for unknown property, got %v", err)
	}
	if obj.Get("missing") != nil {
		t.Error("Expected nil for unknown property")
	}
}

func TestBase_SetForwardsToBinding(t *testing.T) {
	obj := NewBase(engineSchema)
	b := &recordingBinding{}
	obj.Bind(b)

	if err := obj.Set("rpm", 99); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if b.sets[0] != int64(99) {
		t.Errorf("Expected binding to receive rpm=99, got %v", b.sets[0])
	}

	if err := obj.Set("serial", "X1"); !errors.Is(err, rerrors.ErrConstantProperty) {
		t.Errorf("Expected ConstantProperty, got %v", err)
	}
	if obj.Get("serial") != "" {
		t.Errorf("Constant property must not change once bound, got %v", obj.Get("serial"))
	}

	if err := obj.Emit("stalled", 3); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if len(b.signals) != 1 || b.signals[0] != 0 {
		t.Errorf("Expected one stalled signal, got %v", b.signals)
	}

	obj.Bind(nil)
	if obj.Binding() != nil {
		t.Error("Expected binding to be cleared")
	}
}

func TestBase_PropertyChanged(t *testing.T) {
	obj := NewBase(engineSchema)
	obj.PropertyChanged(0, int64(7))
	if got := obj.Get("rpm"); got != int64(7) {
		t.Errorf("Expected rpm=7, got %v", got)
	}
}

func TestBase_Invoke(t *testing.T) {
	obj := NewBase(engineSchema)
	obj.Handle("double", func(ctx context.Context, args []any) (any, error) {
		return args[0].(int64) * 2, nil
	})

	idx, _ := engineSchema.MethodIndex("double")
	got, err := obj.Invoke(context.Background(), idx, []any{int64(21)})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if got != int64(42) {
		t.Errorf("Expected 42, got %v", got)
	}

	t.Run("unimplemented", func(t *testing.T) {
		idx, _ := engineSchema.MethodIndex("setRpm")
		_, err := obj.Invoke(context.Background(), idx, []any{int64(1)})
		if !errors.Is(err, rerrors.ErrInvalidArgument) {
			t.Errorf("Expected InvalidArgument, got %v", err)
		}
	})

	t.Run("out of range", func(t *testing.T) {
		_, err := obj.Invoke(context.Background(), 17, nil)
		if !errors.Is(err, rerrors.ErrInvalidArgument) {
			t.Errorf("Expected InvalidArgument, got %v", err)
		}
	})
}

func TestBase_HandleUnknownMethodPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected Handle to panic for an unknown method")
		}
	}()
	NewBase(engineSchema).Handle("nope", nil)
}

func TestBase_String(t *testing.T) {
	obj := NewBase(engineSchema)
	if got := obj.String(); got != "Engine(unbound)" {
		t.Errorf("Expected Engine(unbound), got %s", got)
	}
	obj.Bind(&recordingBinding{})
	if got := obj.String(); got != "Engine(Engine)" {
		t.Errorf("Expected Engine(Engine), got %s", got)
	}
}

func TestObjectInterface(t *testing.T) {
	var _ Object = (*Base)(nil)
	var _ PropertyObserver = (*Base)(nil)
	var _ Bindable = (*Base)(nil)
}
