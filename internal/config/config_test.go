package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoad_Defaults は設定ファイルなしでデフォルト値が読み込まれることを検証する。
func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want %q", cfg.Port, "8080")
	}
	if cfg.Partitions != 8 {
		t.Errorf("Partitions = %d, want 8", cfg.Partitions)
	}
	if cfg.ConsumerGroup != "notification" {
		t.Errorf("ConsumerGroup = %q, want %q", cfg.ConsumerGroup, "notification")
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.PollInterval() != 3*time.Second {
		t.Errorf("PollInterval = %v, want 3s", cfg.PollInterval())
	}
	if cfg.SendTimeout() != 10*time.Second {
		t.Errorf("SendTimeout = %v, want 10s", cfg.SendTimeout())
	}
	if cfg.Retention() != 72*time.Hour {
		t.Errorf("Retention = %v, want 72h", cfg.Retention())
	}
}

// TestLoad_FromFile はYAMLファイルの値がデフォルトを上書きすることを検証する。
func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
port: "9090"
partitions: 4
consumer_group: staging-notification
max_attempts: 3
email_provider_url: http://mail.example.com
`
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatalf("テスト用設定ファイルの作成に失敗: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("設定の読み込みに失敗: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("Port = %q, want %q", cfg.Port, "9090")
	}
	if cfg.Partitions != 4 {
		t.Errorf("Partitions = %d, want 4", cfg.Partitions)
	}
	if cfg.ConsumerGroup != "staging-notification" {
		t.Errorf("ConsumerGroup = %q, want %q", cfg.ConsumerGroup, "staging-notification")
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.MaxAttempts)
	}
	if cfg.EmailProviderURL != "http://mail.example.com" {
		t.Errorf("EmailProviderURL = %q, want %q", cfg.EmailProviderURL, "http://mail.example.com")
	}
	// ファイルで指定していない値はデフォルトのまま
	if cfg.Workers != 16 {
		t.Errorf("Workers = %d, want 16", cfg.Workers)
	}
}

// TestLoad_InvalidValues は不正な設定値が拒否されることを検証する。
func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "partitionsが0の場合は拒否されること",
			yaml: "partitions: 0",
		},
		{
			name: "batch_sizeが0の場合は拒否されること",
			yaml: "batch_size: 0",
		},
		{
			name: "workersが負数の場合は拒否されること",
			yaml: "workers: -1",
		},
		{
			name: "max_attemptsが0の場合は拒否されること",
			yaml: "max_attempts: 0",
		},
		{
			name: "consumer_groupが空の場合は拒否されること",
			yaml: `consumer_group: ""`,
		},
		{
			name: "retry_base_delay_secが0の場合は拒否されること",
			yaml: "retry_base_delay_sec: 0",
		},
		{
			name: "send_timeout_secが0の場合は拒否されること",
			yaml: "send_timeout_sec: 0",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0600); err != nil {
				t.Fatalf("テスト用設定ファイルの作成に失敗: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Error("設定エラーを期待しましたがnilが返されました")
			}
		})
	}
}
