package script

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/innovationfleet/mitogen/pkg/mitogen/definition"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const powSource = `
function pow(base, exp)
  local result = 1
  for i = 1, exp do
    result = result * base
  end
  return result
end
`

func TestEngineCallTopLevelFunction(t *testing.T) {
	e := NewEngine(definition.NewDefaultLogger("test"))
	if _, err := e.Load("pow", powSource); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got, err := e.Call(context.Background(), "pow", "", "pow", []interface{}{float64(2), float64(10)}, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != float64(1024) {
		t.Fatalf("pow(2, 10) = %v, want 1024", got)
	}
}

const requirerSource = `
local dep = require("helper")
function addOne(n)
  return dep.add(n, 1)
end
`

const helperSource = `
local helper = {}
function helper.add(a, b)
  return a + b
end
return helper
`

func TestEngineResolvesRequireClosure(t *testing.T) {
	e := NewEngine(definition.NewDefaultLogger("test"))
	if _, err := e.Load("helper", helperSource); err != nil {
		t.Fatalf("Load helper: %v", err)
	}
	chunk, err := e.Load("requirer", requirerSource)
	if err != nil {
		t.Fatalf("Load requirer: %v", err)
	}
	if len(chunk.Requires) != 1 || chunk.Requires[0] != "helper" {
		t.Fatalf("Requires = %v, want [helper]", chunk.Requires)
	}

	got, err := e.Call(context.Background(), "requirer", "", "addOne", []interface{}{float64(41)}, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != float64(42) {
		t.Fatalf("addOne(41) = %v, want 42", got)
	}
}

func TestEngineCallTimeoutRejectsAlreadyExpiredDeadline(t *testing.T) {
	e := NewEngine(definition.NewDefaultLogger("test"))
	if _, err := e.Load("pow", powSource); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := e.Call(ctx, "pow", "", "pow", []interface{}{float64(2), float64(1000000)}, nil)
	if err == nil {
		t.Fatal("Call: want deadline error, got nil")
	}
}

func TestEngineUnknownFunction(t *testing.T) {
	e := NewEngine(definition.NewDefaultLogger("test"))
	if _, err := e.Load("pow", powSource); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := e.Call(context.Background(), "pow", "", "missing", nil, nil); err == nil {
		t.Fatal("Call: want error for missing function")
	}
}
