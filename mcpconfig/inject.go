// Package mcpconfig merges MCP server entries into the assistant's
// per-user JSON config file. It runs once at startup, before any child
// process spawns, so no file locking is needed.
package mcpconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/telepilot/telepilot/log"
)

const notionServerName = "notion"

// DefaultPath returns the assistant config file location for a home dir
func DefaultPath(home string) string {
	return filepath.Join(home, ".claude.json")
}

// InjectNotion ensures mcpServers.notion carries the given token. Returns
// whether the file was written; an identical existing entry is left alone.
func InjectNotion(configPath, token string) (bool, error) {
	if token == "" {
		return false, nil
	}

	cfg := map[string]any{}
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return false, fmt.Errorf("failed to parse %s: %w", configPath, err)
		}
	case os.IsNotExist(err):
		// Created below with only the required structure
	default:
		return false, fmt.Errorf("failed to read %s: %w", configPath, err)
	}

	entry := map[string]any{
		"command": "npx",
		"args":    []any{"-y", "@notionhq/notion-mcp-server"},
		"env":     map[string]any{"NOTION_TOKEN": token},
	}

	servers, _ := cfg["mcpServers"].(map[string]any)
	if servers == nil {
		servers = map[string]any{}
		cfg["mcpServers"] = servers
	}
	if existing, ok := servers[notionServerName]; ok && reflect.DeepEqual(existing, entry) {
		return false, nil
	}
	servers[notionServerName] = entry

	if err := writeAtomic(configPath, cfg); err != nil {
		return false, err
	}

	log.Info().Str("path", configPath).Msg("injected notion MCP server config")
	return true, nil
}

// writeAtomic marshals cfg and replaces path via temp file + rename
func writeAtomic(path string, cfg map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	out = append(out, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), ".claude-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
