package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr() != "127.0.0.1:7177" {
		t.Fatalf("unexpected listen addr %s", cfg.ListenAddr())
	}
	if cfg.BizHawkAddr != "0.0.0.0:8080" || cfg.BizHawkMaxFrame != 65536 {
		t.Fatalf("unexpected bizhawk defaults %+v", cfg)
	}
	if cfg.OBSHost != "localhost" || cfg.OBSPort != 4455 || cfg.OBSStatusInterval != time.Second {
		t.Fatalf("unexpected obs defaults %+v", cfg)
	}
	if cfg.OBSRefreshProperty != "refreshnocache" || len(cfg.OBSRefreshInputs) != 0 {
		t.Fatalf("unexpected refresh defaults %+v", cfg)
	}
	if cfg.RedisAddr != "" || cfg.MQTTBrokerURL != "" {
		t.Fatalf("optional sinks should be off by default")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SOCKET_PORT", "9000")
	t.Setenv("OBS_WEBSOCKET_PASSWORD", "hunter2")
	t.Setenv("OBS_MICROPHONE_INPUT", "Desk Mic")
	t.Setenv("OBS_STATUS_INTERVAL", "2500ms")
	t.Setenv("OBS_REFRESH_INPUTS", "Omnywidget, Kaizo Background,")
	t.Setenv("OBS_RECONNECT", "false")
	t.Setenv("BIZHAWK_ENABLED", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SocketPort != 9000 || cfg.OBSPassword != "hunter2" || cfg.OBSMicrophoneInput != "Desk Mic" {
		t.Fatalf("env not applied %+v", cfg)
	}
	if cfg.OBSStatusInterval != 2500*time.Millisecond {
		t.Fatalf("unexpected interval %s", cfg.OBSStatusInterval)
	}
	if want := []string{"Omnywidget", "Kaizo Background"}; !reflect.DeepEqual(cfg.OBSRefreshInputs, want) {
		t.Fatalf("unexpected inputs %q", cfg.OBSRefreshInputs)
	}
	if cfg.OBSReconnect || cfg.BizHawkEnabled {
		t.Fatalf("booleans not applied %+v", cfg)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	yaml := "socket_port: 7300\nobs_microphone_input: File Mic\nobs_refresh_inputs:\n  - A\n  - B\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("OBS_MICROPHONE_INPUT", "Env Mic")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SocketPort != 7300 {
		t.Fatalf("file value not applied: %d", cfg.SocketPort)
	}
	if cfg.OBSMicrophoneInput != "Env Mic" {
		t.Fatalf("env should override file, got %q", cfg.OBSMicrophoneInput)
	}
	if !reflect.DeepEqual(cfg.OBSRefreshInputs, []string{"A", "B"}) {
		t.Fatalf("unexpected inputs %q", cfg.OBSRefreshInputs)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"SOCKET_PORT":  "70000",
		"BIZHAWK_ADDR": "nonsense",
		"LOG_FORMAT":   "xml",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := Load(""); err == nil {
				t.Fatalf("expected %s=%s to be rejected", key, val)
			}
		})
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing config file to fail")
	}
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("OBS_MICROPHONE_INPUT=Dotenv Mic\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Chdir(dir)
	t.Setenv("OBS_MICROPHONE_INPUT", "")
	os.Unsetenv("OBS_MICROPHONE_INPUT")

	LoadEnvFiles()
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OBSMicrophoneInput != "Dotenv Mic" {
		t.Fatalf("dotenv not applied: %q", cfg.OBSMicrophoneInput)
	}
}
