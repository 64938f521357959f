package toolregistry

import (
	"context"
	"testing"
)

type addInput struct {
	A int `json:"a"`
	B int `json:"b"`
}

type addOutput struct {
	Sum int `json:"sum"`
}

func TestTypedTool_InvokeRoundTrip(t *testing.T) {
	tool, err := NewTypedTool[addInput, addOutput]("add", "adds two integers", nil, func(ctx context.Context, in addInput) (addOutput, error) {
		return addOutput{Sum: in.A + in.B}, nil
	})
	if err != nil {
		t.Fatalf("NewTypedTool: %v", err)
	}

	if len(tool.Schema().Parameters) == 0 {
		t.Fatal("expected generated schema")
	}

	result, err := tool.Invoke(context.Background(), map[string]any{"a": float64(2), "b": float64(3)})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	out, ok := result.Output.(addOutput)
	if !ok {
		t.Fatalf("Output type = %T, want addOutput", result.Output)
	}
	if out.Sum != 5 {
		t.Errorf("Sum = %d, want 5", out.Sum)
	}
}

func TestTypedTool_RegistersIntoRegistry(t *testing.T) {
	tool, err := NewTypedTool[addInput, addOutput]("add", "adds two integers", nil, func(ctx context.Context, in addInput) (addOutput, error) {
		return addOutput{Sum: in.A + in.B}, nil
	})
	if err != nil {
		t.Fatalf("NewTypedTool: %v", err)
	}

	r := New()
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := r.Get("add"); !ok {
		t.Fatal("expected tool to be registered")
	}
}
