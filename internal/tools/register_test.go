package tools

import (
	"testing"

	"github.com/haasonsaas/conductor/internal/agent"
)

func TestRegisterBuiltins(t *testing.T) {
	registry := agent.NewToolRegistry()
	RegisterBuiltins(registry, Config{ReadRoot: t.TempDir()})

	for _, name := range []string{"clock", "calc", "http_fetch", "read_file"} {
		if _, ok := registry.Get(name); !ok {
			t.Errorf("expected %s to be registered", name)
		}
	}
}

func TestRegisterBuiltinsNoReadRoot(t *testing.T) {
	registry := agent.NewToolRegistry()
	RegisterBuiltins(registry, Config{})

	if _, ok := registry.Get("read_file"); ok {
		t.Fatal("read_file should not be registered without a read root")
	}
	if registry.Len() != 3 {
		t.Fatalf("expected 3 tools, got %d", registry.Len())
	}
}

func TestBuiltinSchemasAreObjects(t *testing.T) {
	registry := agent.NewToolRegistry()
	RegisterBuiltins(registry, Config{ReadRoot: t.TempDir()})

	for _, def := range registry.Definitions() {
		if len(def.Schema) == 0 {
			t.Errorf("%s: empty schema", def.Name)
		}
	}
}
