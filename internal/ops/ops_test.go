package ops

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"pkt.systems/txd/internal/txn"
)

func TestInvokeEncodesResult(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("echo", func(ctx context.Context, tx any, args json.RawMessage) (any, error) {
		in, err := DecodeArgs[struct {
			Name string `json:"name"`
		}](args)
		if err != nil {
			return nil, err
		}
		return map[string]any{"hello": in.Name, "tx": tx}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	out, err := r.Invoke(context.Background(), "echo", "handle", json.RawMessage(`{"name":"space"}`))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(out) != `{"hello":"space","tx":"handle"}` {
		t.Fatalf("unexpected result %s", out)
	}
}

func TestInvokeClassifiesErrors(t *testing.T) {
	r := NewRegistry()
	domain := errors.New("project name taken")
	_ = r.Register("fail", func(ctx context.Context, tx any, args json.RawMessage) (any, error) {
		return nil, domain
	})
	_, err := r.Invoke(context.Background(), "fail", nil, nil)
	if !txn.IsCode(err, txn.CodeOperationFailed) || !errors.Is(err, domain) {
		t.Fatalf("expected operation_failed wrapping domain error, got %v", err)
	}
	_, err = r.Invoke(context.Background(), "missing", nil, nil)
	if !txn.IsCode(err, txn.CodeUnknownOperation) {
		t.Fatalf("expected unknown_operation, got %v", err)
	}
	_, err = DecodeArgs[map[string]int](json.RawMessage(`{"a":"b"}`))
	if !txn.IsCode(err, txn.CodeInvalidRequest) {
		t.Fatalf("expected invalid_request, got %v", err)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	fn := func(ctx context.Context, tx any, args json.RawMessage) (any, error) { return nil, nil }
	if err := r.Register("a", fn); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("a", fn); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if err := r.Register(" ", fn); err == nil {
		t.Fatal("expected empty name error")
	}
	if names := r.Names(); len(names) != 1 || names[0] != "a" {
		t.Fatalf("unexpected names %v", names)
	}
}
