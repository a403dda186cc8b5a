package config

import (
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("MESH_HOST", "192.168.1.20")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.JS8Mode != "tcp" {
		t.Errorf("Expected default JS8_MODE tcp, got %s", cfg.JS8Mode)
	}
	if cfg.JS8Port != 2442 {
		t.Errorf("Expected default JS8_PORT 2442, got %d", cfg.JS8Port)
	}
	if cfg.AckTimeout != 30*time.Second {
		t.Errorf("Expected default ACK_TIMEOUT 30s, got %v", cfg.AckTimeout)
	}
	if cfg.DedupWindow != 20 {
		t.Errorf("Expected default DEDUP_WINDOW 20, got %d", cfg.DedupWindow)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

func TestLoadConfig_MissingMeshHost(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected validation error without MESH_HOST")
	}
}

func TestConfig_Addresses(t *testing.T) {
	cfg := &Config{
		JS8Host:  "127.0.0.1",
		JS8Port:  2442,
		MeshHost: "10.0.0.5",
	}

	if got := cfg.ListenAddr(); got != "127.0.0.1:2442" {
		t.Errorf("ListenAddr = %s", got)
	}
	// Sender falls back to the listener endpoint
	if got := cfg.SendAddr(); got != "127.0.0.1:2442" {
		t.Errorf("SendAddr = %s", got)
	}
	if got := cfg.MeshAddr(); got != "10.0.0.5:4403" {
		t.Errorf("MeshAddr should apply default port, got %s", got)
	}

	cfg.JS8SendHost = "192.168.1.2"
	cfg.JS8SendPort = 2443
	if got := cfg.SendAddr(); got != "192.168.1.2:2443" {
		t.Errorf("SendAddr = %s", got)
	}

	cfg.MeshHost = "10.0.0.5:4444"
	if got := cfg.MeshAddr(); got != "10.0.0.5:4444" {
		t.Errorf("MeshAddr should keep explicit port, got %s", got)
	}
}

func TestParseRoutes(t *testing.T) {
	routes, invalid := ParseRoutes([]string{
		"NET=!aa11bb22",
		"net=QXT2",
		"Info=Channel2",
		"broken",
		"=empty",
	})

	if len(invalid) != 2 {
		t.Errorf("Expected 2 invalid rules, got %d: %v", len(invalid), invalid)
	}
	if got := routes["net"]; len(got) != 2 || got[0] != "!aa11bb22" || got[1] != "QXT2" {
		t.Errorf("Unexpected net routes: %v", got)
	}
	if got := routes["info"]; len(got) != 1 || got[0] != "Channel2" {
		t.Errorf("Tags must be case-normalized, got %v", routes)
	}
}
