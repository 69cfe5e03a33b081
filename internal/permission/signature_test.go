package permission

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSignature_Deterministic(t *testing.T) {
	input := json.RawMessage(`{"path":"/tmp/x","recursive":true}`)

	first, err := Signature("read_file", input)
	if err != nil {
		t.Fatalf("failed to compute signature: %v", err)
	}
	second, err := Signature("read_file", input)
	if err != nil {
		t.Fatalf("failed to compute signature: %v", err)
	}

	if first != second {
		t.Errorf("signature not deterministic: %s != %s", first, second)
	}
	if len(first) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(first))
	}
	if first != strings.ToLower(first) {
		t.Errorf("expected lowercase hex, got %s", first)
	}
}

func TestSignature_KeyOrderInsensitive(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{
			name: "flat object",
			a:    `{"a":1,"b":2}`,
			b:    `{"b":2,"a":1}`,
		},
		{
			name: "nested object",
			a:    `{"outer":{"x":1,"y":2},"z":3}`,
			b:    `{"z":3,"outer":{"y":2,"x":1}}`,
		},
		{
			name: "whitespace",
			a:    `{"a": 1, "b": [1, 2]}`,
			b:    `{"b":[1,2],"a":1}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sigA, err := Signature("tool", json.RawMessage(tt.a))
			if err != nil {
				t.Fatalf("failed to sign a: %v", err)
			}
			sigB, err := Signature("tool", json.RawMessage(tt.b))
			if err != nil {
				t.Fatalf("failed to sign b: %v", err)
			}
			if sigA != sigB {
				t.Errorf("expected equal signatures, got %s and %s", sigA, sigB)
			}
		})
	}
}

func TestSignature_ValueSensitive(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{
			name: "different values",
			a:    `{"path":"/etc/passwd"}`,
			b:    `{"path":"/etc/hosts"}`,
		},
		{
			name: "array order matters",
			a:    `{"items":[1,2,3]}`,
			b:    `{"items":[3,2,1]}`,
		},
		{
			name: "extra key",
			a:    `{"a":1}`,
			b:    `{"a":1,"b":null}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sigA, err := Signature("tool", json.RawMessage(tt.a))
			if err != nil {
				t.Fatalf("failed to sign a: %v", err)
			}
			sigB, err := Signature("tool", json.RawMessage(tt.b))
			if err != nil {
				t.Fatalf("failed to sign b: %v", err)
			}
			if sigA == sigB {
				t.Errorf("expected different signatures, both %s", sigA)
			}
		})
	}
}

func TestSignature_ToolNameBound(t *testing.T) {
	input := json.RawMessage(`{"cmd":"ls"}`)

	sigA, err := Signature("shell", input)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	sigB, err := Signature("exec", input)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}

	if sigA == sigB {
		t.Error("different tools with same input must not share a signature")
	}
}

func TestSignature_EmptyInputEqualsEmptyObject(t *testing.T) {
	sigNil, err := Signature("clock", nil)
	if err != nil {
		t.Fatalf("failed to sign nil input: %v", err)
	}
	sigEmpty, err := Signature("clock", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("failed to sign empty object: %v", err)
	}

	if sigNil != sigEmpty {
		t.Errorf("nil input should canonicalize to {}: %s != %s", sigNil, sigEmpty)
	}
}

func TestSignature_InvalidInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "truncated", input: `{"a":`},
		{name: "trailing data", input: `{"a":1}{"b":2}`},
		{name: "bare garbage", input: `not json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Signature("tool", json.RawMessage(tt.input)); err == nil {
				t.Errorf("expected error for input %q", tt.input)
			}
		})
	}
}

func TestCanonicalJSON_SortsNestedKeys(t *testing.T) {
	got, err := CanonicalJSON(json.RawMessage(`{"b":{"d":2,"c":1},"a":[{"y":0,"x":0}]}`))
	if err != nil {
		t.Fatalf("failed to canonicalize: %v", err)
	}

	want := `{"a":[{"x":0,"y":0}],"b":{"c":1,"d":2}}`
	if string(got) != want {
		t.Errorf("canonical form mismatch:\n got: %s\nwant: %s", got, want)
	}
}

func TestCanonicalJSON_PreservesNumberLiterals(t *testing.T) {
	got, err := CanonicalJSON(json.RawMessage(`{"big":12345678901234567890,"f":0.1}`))
	if err != nil {
		t.Fatalf("failed to canonicalize: %v", err)
	}

	want := `{"big":12345678901234567890,"f":0.1}`
	if string(got) != want {
		t.Errorf("number literals rewritten:\n got: %s\nwant: %s", got, want)
	}
}
