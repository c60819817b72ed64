// Package mcpconfig injects an MCP server entry into the assistant's
// per-user JSON configuration file before any ProcessDriver is spawned.
package mcpconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// serverEntry is one mcpServers value: the launcher command, args, and the
// env block carrying the integration token.
type serverEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env,omitempty"`
}

// Opts parameterizes Inject.
type Opts struct {
	ConfigPath     string // e.g. filepath.Join(home, ".claude.json")
	IntegrationKey string // e.g. "notion"
	TokenVar       string // e.g. "NOTION_TOKEN"
	Token          string
	LauncherCmd    string
	LauncherArgs   []string
}

// Inject merges an mcpServers entry into the assistant's per-user config
// file and writes it atomically (write-temp-then-rename). If the file does
// not exist, it is created with only the required structure. The operation
// is idempotent: an existing, identical entry causes no write. If
// opts.Token is empty the injector is a no-op.
func Inject(opts Opts) error {
	if opts.Token == "" {
		return nil
	}
	if opts.ConfigPath == "" {
		return fmt.Errorf("mcpconfig: config path is required")
	}

	raw, err := os.ReadFile(opts.ConfigPath)
	var doc map[string]json.RawMessage
	if err == nil {
		if jsonErr := json.Unmarshal(raw, &doc); jsonErr != nil {
			doc = nil
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("mcpconfig: read %s: %w", opts.ConfigPath, err)
	}
	if doc == nil {
		doc = make(map[string]json.RawMessage)
	}

	servers := make(map[string]serverEntry)
	if existing, ok := doc["mcpServers"]; ok {
		_ = json.Unmarshal(existing, &servers)
	}

	entry := serverEntry{
		Command: opts.LauncherCmd,
		Args:    append([]string{}, opts.LauncherArgs...),
		Env:     map[string]string{opts.TokenVar: opts.Token},
	}

	if current, ok := servers[opts.IntegrationKey]; ok && entriesEqual(current, entry) {
		return nil
	}
	servers[opts.IntegrationKey] = entry

	serversJSON, err := json.Marshal(servers)
	if err != nil {
		return fmt.Errorf("mcpconfig: marshal mcpServers: %w", err)
	}
	doc["mcpServers"] = serversJSON

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("mcpconfig: marshal config: %w", err)
	}

	return writeAtomic(opts.ConfigPath, out)
}

func entriesEqual(a, b serverEntry) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return bytes.Equal(aj, bj)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".mcpconfig-*.tmp")
	if err != nil {
		return fmt.Errorf("mcpconfig: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("mcpconfig: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("mcpconfig: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("mcpconfig: rename into place: %w", err)
	}
	return nil
}
