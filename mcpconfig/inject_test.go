package mcpconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestInjectCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".claude.json")

	changed, err := InjectNotion(path, "secret-token")
	if err != nil {
		t.Fatalf("InjectNotion: %v", err)
	}
	if !changed {
		t.Error("changed = false on first injection")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("config is not valid JSON: %v", err)
	}
	servers := cfg["mcpServers"].(map[string]any)
	notion := servers["notion"].(map[string]any)
	if notion["command"] != "npx" {
		t.Errorf("command = %v, want npx", notion["command"])
	}
	env := notion["env"].(map[string]any)
	if env["NOTION_TOKEN"] != "secret-token" {
		t.Errorf("NOTION_TOKEN = %v, want secret-token", env["NOTION_TOKEN"])
	}
}

func TestInjectIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".claude.json")

	if _, err := InjectNotion(path, "secret-token"); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	changed, err := InjectNotion(path, "secret-token")
	if err != nil {
		t.Fatalf("second InjectNotion: %v", err)
	}
	if changed {
		t.Error("changed = true on identical second injection")
	}

	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Error("config bytes differ after identical second injection")
	}
}

func TestInjectPreservesExistingConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".claude.json")
	seed := `{"theme":"dark","mcpServers":{"other":{"command":"foo"}}}`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := InjectNotion(path, "tok"); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(path)
	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg["theme"] != "dark" {
		t.Error("unrelated top-level key lost")
	}
	servers := cfg["mcpServers"].(map[string]any)
	if _, ok := servers["other"]; !ok {
		t.Error("existing MCP server entry lost")
	}
	if _, ok := servers["notion"]; !ok {
		t.Error("notion entry missing")
	}
}

func TestInjectTokenChangeRewrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".claude.json")

	if _, err := InjectNotion(path, "old"); err != nil {
		t.Fatal(err)
	}
	changed, err := InjectNotion(path, "new")
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("changed = false after token rotation")
	}
}

func TestInjectEmptyTokenIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".claude.json")

	changed, err := InjectNotion(path, "")
	if err != nil || changed {
		t.Errorf("InjectNotion with empty token = (%v, %v), want (false, nil)", changed, err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file created despite empty token")
	}
}
