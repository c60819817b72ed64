package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wayfarer-labs/relay/internal/config"
	"github.com/wayfarer-labs/relay/internal/transport"
)

func writeMockBinary(t *testing.T, dir, script string) string {
	t.Helper()
	path := filepath.Join(dir, "claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write mock binary: %v", err)
	}
	return path
}

func testConfig(t *testing.T, binary string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Telegram: config.TelegramConfig{
			AllowedUserIDs:  []int64{1},
			InlineMaxLength: 3000,
		},
		Assistant: config.AssistantConfig{
			BinaryPath:       binary,
			WorkdirRoot:      filepath.Join(dir, "sessions"),
			DefaultName:      "default",
			GracefulTimeoutS: 1,
			ForceTimeoutS:    1,
		},
		Queue: config.QueueConfig{
			Workers:     2,
			Depth:       10,
			MaxSessions: 8,
		},
		History: config.HistoryConfig{
			RingSize: 20,
			DBPath:   ":memory:",
		},
	}
}

func TestBoot_WiresDefaultSessionAndRespondsToMessage(t *testing.T) {
	dir := t.TempDir()
	binary := writeMockBinary(t, dir, `
read -r line
echo '{"type":"result","result":"pong"}'
cat >/dev/null
`)
	cfg := testConfig(t, binary)

	ctx := context.Background()
	c, err := Boot(ctx, cfg)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	defer c.Shutdown(context.Background())

	fake := transport.NewFakeAdapter()
	c.Transport.SetAdapter(fake)

	c.Transport.OnMessage(ctx, transport.Inbound{ChatID: 1, UserID: 1, Text: "hello"})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if fake.SentCount() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	last, ok := fake.LastSent()
	if !ok || last.Text != "pong" {
		t.Fatalf("last sent = %+v ok=%v, want inline pong", last, ok)
	}
}

func TestBoot_SurvivesMCPInjectFailure(t *testing.T) {
	dir := t.TempDir()
	binary := writeMockBinary(t, dir, `
read -r line
echo '{"type":"result","result":"pong"}'
cat >/dev/null
`)
	cfg := testConfig(t, binary)
	cfg.MCP.Token = "secret-token"
	// A home directory that does not exist makes mcpconfig's atomic write
	// fail (it can't create its temp file under a missing directory),
	// exercising the non-fatal path: Boot must still succeed.
	cfg.Assistant.HomeDir = filepath.Join(dir, "no-such-home")

	ctx := context.Background()
	c, err := Boot(ctx, cfg)
	if err != nil {
		t.Fatalf("Boot: %v, want nil (mcp inject failure must not be fatal)", err)
	}
	defer c.Shutdown(context.Background())

	if c.Sessions.DefaultName() != "default" {
		t.Fatalf("default session not wired after mcp inject failure: %q", c.Sessions.DefaultName())
	}
}

func TestMCPConfigPath_FallsBackToUserHomeDir(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no resolvable home dir in this environment: %v", err)
	}
	got := mcpConfigPath("")
	want := home + "/.claude.json"
	if got != want {
		t.Fatalf("mcpConfigPath(\"\") = %q, want %q", got, want)
	}
}

func TestBoot_DropsMessageFromUnallowedUser(t *testing.T) {
	dir := t.TempDir()
	binary := writeMockBinary(t, dir, `
read -r line
echo '{"type":"result","result":"pong"}'
cat >/dev/null
`)
	cfg := testConfig(t, binary)

	ctx := context.Background()
	c, err := Boot(ctx, cfg)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	defer c.Shutdown(context.Background())

	fake := transport.NewFakeAdapter()
	c.Transport.SetAdapter(fake)

	c.Transport.OnMessage(ctx, transport.Inbound{ChatID: 1, UserID: 999, Text: "hello"})

	time.Sleep(100 * time.Millisecond)
	if fake.SentCount() != 0 {
		t.Fatalf("expected no delivery for unallowed user, got %d sends", fake.SentCount())
	}
}
