package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/inwardlab/session-coordinator/pkg/types"
)

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry()
	r.Register("double", func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]int{"n": in.N * 2})
	})

	out, err := r.Calculate(context.Background(), "double", json.RawMessage(`{"n":21}`))
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	var got struct {
		N int `json:"n"`
	}
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.N != 42 {
		t.Errorf("result: got %d, want 42", got.N)
	}
}

func TestRegistryUnknownEngine(t *testing.T) {
	r := NewRegistry()
	_, err := r.Calculate(context.Background(), "mystery", nil)
	if !errors.Is(err, types.ErrBackend) {
		t.Errorf("got %v, want ErrBackend", err)
	}
}

func TestRegistryWrapsEngineErrors(t *testing.T) {
	r := NewRegistry()
	r.Register("broken", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("internal failure")
	})

	_, err := r.Calculate(context.Background(), "broken", nil)
	if !errors.Is(err, types.ErrBackend) {
		t.Errorf("got %v, want ErrBackend", err)
	}
}

func TestRegistryMapsContextExpiry(t *testing.T) {
	r := NewRegistry()
	r.Register("slow", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.Calculate(ctx, "slow", nil)
	if !errors.Is(err, types.ErrTimeout) {
		t.Errorf("got %v, want ErrTimeout", err)
	}
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry()
	r.Register("b", Echo)
	r.Register("a", Echo)

	names := r.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("names: got %v, want [a b]", names)
	}
}

func TestEcho(t *testing.T) {
	out, err := Echo(context.Background(), json.RawMessage(`{"v":1}`))
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if string(out) != `{"v":1}` {
		t.Errorf("echo output: got %s", out)
	}

	out, err = Echo(context.Background(), nil)
	if err != nil {
		t.Fatalf("echo nil: %v", err)
	}
	if string(out) != `{}` {
		t.Errorf("echo nil output: got %s", out)
	}
}
