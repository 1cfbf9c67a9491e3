package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/keystone-gateway/keystone/internal/config"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "keystone.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeTempConfig(t, "script_path: routes.lua\n")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host != config.DefaultHost {
		t.Errorf("Host = %q, want %q", cfg.Host, config.DefaultHost)
	}
	if cfg.Port != config.DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, config.DefaultPort)
	}
	if cfg.ReadBufferSize != config.DefaultReadBufferSize {
		t.Errorf("ReadBufferSize = %d, want %d", cfg.ReadBufferSize, config.DefaultReadBufferSize)
	}
	if cfg.MaxParams != config.DefaultMaxParams {
		t.Errorf("MaxParams = %d, want %d", cfg.MaxParams, config.DefaultMaxParams)
	}
}

func TestLoad_ValidFile(t *testing.T) {
	path := writeTempConfig(t, `
host: 0.0.0.0
port: 9090
script_path: /etc/keystone/routes.lua
enable_bpf_affinity: true
admin_addr: 127.0.0.1:9100
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host != "0.0.0.0" || cfg.Port != 9090 {
		t.Errorf("unexpected host/port: %+v", cfg)
	}
	if !cfg.EnableBPFAffinity {
		t.Errorf("EnableBPFAffinity = false, want true")
	}
	if cfg.AdminAddr != "127.0.0.1:9100" {
		t.Errorf("AdminAddr = %q", cfg.AdminAddr)
	}
}

func TestLoad_MissingScriptPath(t *testing.T) {
	path := writeTempConfig(t, "port: 8080\n")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for missing script_path, got nil")
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	path := writeTempConfig(t, "script_path: routes.lua\nport: 70000\n")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for out-of-range port, got nil")
	}
}

func TestLoad_MaxParamsMustMatchRouterCapacity(t *testing.T) {
	path := writeTempConfig(t, "script_path: routes.lua\nmax_params: 8\n")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for max_params not matching the router's compiled-in capacity")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	path := writeTempConfig(t, "script_path: routes.lua\nlog_level: verbose\n")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestRead_EmptyPathSkipsValidation(t *testing.T) {
	cfg, err := config.Read("")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if cfg.ScriptPath != "" {
		t.Errorf("ScriptPath = %q, want empty before a caller fills it in", cfg.ScriptPath)
	}
	if cfg.Host != config.DefaultHost {
		t.Errorf("Host = %q, want %q", cfg.Host, config.DefaultHost)
	}

	cfg.ScriptPath = "routes.lua"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate after filling ScriptPath: %v", err)
	}
}
