package driftline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/data/driftline")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Queue.BaseRetryDelay() != 30*time.Second {
		t.Errorf("BaseRetryDelay = %s, want 30s", cfg.Queue.BaseRetryDelay())
	}
	if cfg.Queue.MaxRetryDelay() != 300*time.Second {
		t.Errorf("MaxRetryDelay = %s, want 300s", cfg.Queue.MaxRetryDelay())
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", cfg.Breaker.FailureThreshold)
	}
	if cfg.StorePath() != filepath.Join("/data/driftline", "driftline.db") {
		t.Errorf("StorePath = %s", cfg.StorePath())
	}
	if cfg.MediaDir() != filepath.Join("/data/driftline", "media") {
		t.Errorf("MediaDir = %s", cfg.MediaDir())
	}
}

func TestLoadConfigFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
data_dir: /data/driftline
queue:
  base_retry_delay_seconds: 10
remote:
  endpoint: https://cloud.example.com
  auth_type: bearer
  bearer_token: tok
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Queue.BaseRetryDelaySeconds != 10 {
		t.Errorf("base_retry_delay_seconds = %d, want 10", cfg.Queue.BaseRetryDelaySeconds)
	}
	// Omitted fields pick up defaults.
	if cfg.Queue.MaxRetryDelaySeconds != 300 {
		t.Errorf("max_retry_delay_seconds = %d, want default 300", cfg.Queue.MaxRetryDelaySeconds)
	}
	if cfg.Disk.WarnPercent != 15 {
		t.Errorf("disk_warn_percent = %.1f, want default 15", cfg.Disk.WarnPercent)
	}
	if cfg.Remote.AuthType != "bearer" {
		t.Errorf("auth_type = %s, want bearer", cfg.Remote.AuthType)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{
			name:    "missing data dir",
			content: "queue:\n  max_retries: 3\n",
			wantMsg: "data_dir",
		},
		{
			name:    "inverted disk thresholds",
			content: "data_dir: /d\ndisk:\n  disk_warn_percent: 5\n  disk_critical_percent: 10\n",
			wantMsg: "disk_critical_percent",
		},
		{
			name:    "inverted retry delays",
			content: "data_dir: /d\nqueue:\n  base_retry_delay_seconds: 600\n  max_retry_delay_seconds: 300\n",
			wantMsg: "max_retry_delay_seconds",
		},
		{
			name:    "unknown auth type",
			content: "data_dir: /d\nremote:\n  auth_type: hmac\n",
			wantMsg: "auth_type",
		},
		{
			name:    "s3 without bucket",
			content: "data_dir: /d\nmedia:\n  target: s3\n",
			wantMsg: "bucket",
		},
		{
			name:    "encryption without passphrase",
			content: "data_dir: /d\nencryption:\n  enabled: true\n",
			wantMsg: "passphrase",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadConfig(path)
			if err == nil {
				t.Fatal("LoadConfig accepted invalid config")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadConfig on missing file succeeded")
	}
}
