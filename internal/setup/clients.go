package setup

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ServerName is how muxfleet registers itself in MCP client configs.
const ServerName = "muxfleet"

// serverEntry is the stdio launch stanza clients need to start the tool
// server.
func serverEntry(exe string) map[string]any {
	return map[string]any{
		"type":    "stdio",
		"command": exe,
		"args":    []string{"server", "start"},
	}
}

// WriteProjectMCP registers the tool server in a project's .mcp.json,
// the file Claude Code reads per checkout.
func WriteProjectMCP(dir, exe string) (string, error) {
	path := filepath.Join(dir, ".mcp.json")
	return path, upsertEntry(path, "mcpServers", exe)
}

// WriteClaudeCode registers the tool server globally in ~/.claude.json.
func WriteClaudeCode(exe string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home: %w", err)
	}
	path := filepath.Join(home, ".claude.json")
	return path, upsertEntry(path, "mcpServers", exe)
}

// WriteVSCodeMCP registers the tool server in a project's
// .vscode/mcp.json.
func WriteVSCodeMCP(dir, exe string) (string, error) {
	path := filepath.Join(dir, ".vscode", "mcp.json")
	return path, upsertEntry(path, "servers", exe)
}

// ToggleClient flips the muxfleet entry for a named client: claude-code,
// mcp or vscode. dir anchors the project-scoped configs.
func ToggleClient(client, dir, exe string) (string, bool, error) {
	var path, rootKey string
	switch client {
	case "claude-code":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", false, fmt.Errorf("resolving home: %w", err)
		}
		path, rootKey = filepath.Join(home, ".claude.json"), "mcpServers"
	case "mcp":
		path, rootKey = filepath.Join(dir, ".mcp.json"), "mcpServers"
	case "vscode":
		path, rootKey = filepath.Join(dir, ".vscode", "mcp.json"), "servers"
	default:
		return "", false, fmt.Errorf("unknown client %q: want claude-code, mcp or vscode", client)
	}
	enabled, err := Toggle(path, rootKey, exe)
	return path, enabled, err
}

// Toggle flips the muxfleet entry in a client config: present becomes
// absent and back. Returns whether the entry is enabled afterwards.
func Toggle(path, rootKey, exe string) (bool, error) {
	doc, err := loadJSON(path)
	if err != nil {
		return false, err
	}
	servers := section(doc, rootKey)
	if _, on := servers[ServerName]; on {
		delete(servers, ServerName)
		return false, saveJSON(path, doc)
	}
	servers[ServerName] = serverEntry(exe)
	return true, saveJSON(path, doc)
}

// upsertEntry adds or refreshes the muxfleet stanza without touching the
// rest of the file. Other servers and unrelated keys survive the write.
func upsertEntry(path, rootKey, exe string) error {
	doc, err := loadJSON(path)
	if err != nil {
		return err
	}
	section(doc, rootKey)[ServerName] = serverEntry(exe)
	return saveJSON(path, doc)
}

func section(doc map[string]any, key string) map[string]any {
	if m, ok := doc[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	doc[key] = m
	return m
}

func loadJSON(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		// Refuse to clobber a file we cannot parse.
		return nil, fmt.Errorf("%s is not valid JSON: %w", path, err)
	}
	return doc, nil
}

func saveJSON(path string, doc map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(raw, '\n'), 0o644)
}
