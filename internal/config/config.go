// Package config は通知サービスの設定読み込みを提供する。
//
// YAML設定ファイルと環境変数（TASKHUB_プレフィックス）の両方に対応し、
// 環境変数が設定ファイルより優先される。
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config は通知サービス全体の設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string `mapstructure:"port"`
	// JWTSecret はAPI認証用JWTの署名鍵。
	JWTSecret string `mapstructure:"jwt_secret"`
	// StreamDBPath はイベントストリームのSQLiteファイルパス。
	StreamDBPath string `mapstructure:"stream_db_path"`
	// NotificationDBPath は通知ストアのSQLiteファイルパス。
	NotificationDBPath string `mapstructure:"notification_db_path"`
	// Partitions はストリームのパーティション数。
	Partitions int `mapstructure:"partitions"`
	// ConsumerGroup はこのサービスが属するコンシューマグループ名。
	ConsumerGroup string `mapstructure:"consumer_group"`
	// BatchSize は1回の読み出しで取得する最大レコード数。
	BatchSize int `mapstructure:"batch_size"`
	// PollIntervalSec はストリームのポーリング間隔（秒）。
	PollIntervalSec int `mapstructure:"poll_interval_sec"`
	// Workers はチャネル配信ワーカープールのワーカー数。
	Workers int `mapstructure:"workers"`
	// MaxAttempts は通知1件あたりの最大配信試行回数。
	// 超過した通知はデッドレターへ移される。
	MaxAttempts int `mapstructure:"max_attempts"`
	// RetryBaseDelaySec はリトライ間隔の基準値（秒）。指数的に増加する。
	RetryBaseDelaySec int `mapstructure:"retry_base_delay_sec"`
	// SendTimeoutSec はチャネルアダプタ1回の呼び出しの最大待ち時間（秒）。
	SendTimeoutSec int `mapstructure:"send_timeout_sec"`
	// RetentionHours はストリームレコードの保持時間（時間）。
	RetentionHours int `mapstructure:"retention_hours"`
	// EmailProviderURL はメールプロバイダーのベースURL。
	EmailProviderURL string `mapstructure:"email_provider_url"`
	// SMSProviderURL はSMSプロバイダーのベースURL。
	SMSProviderURL string `mapstructure:"sms_provider_url"`
	// PushProviderURL はプッシュ通知プロバイダーのベースURL。
	PushProviderURL string `mapstructure:"push_provider_url"`
	// AllowedOrigins はクロスオリジンアクセスを許可するフロントエンドの
	// オリジン一覧。
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// PollInterval はポーリング間隔をtime.Durationとして返す。
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// RetryBaseDelay はリトライ基準間隔をtime.Durationとして返す。
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelaySec) * time.Second
}

// SendTimeout は配信タイムアウトをtime.Durationとして返す。
func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSec) * time.Second
}

// Retention はストリームの保持期間をtime.Durationとして返す。
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// Load は設定を読み込む。pathが空でない場合はそのYAMLファイルを読み、
// 存在しない場合はデフォルト値と環境変数のみで構成する。
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("port", "8080")
	v.SetDefault("jwt_secret", "dev-secret-key")
	v.SetDefault("stream_db_path", "/data/stream.db")
	v.SetDefault("notification_db_path", "/data/notification.db")
	v.SetDefault("partitions", 8)
	v.SetDefault("consumer_group", "notification")
	v.SetDefault("batch_size", 100)
	v.SetDefault("poll_interval_sec", 3)
	v.SetDefault("workers", 16)
	v.SetDefault("max_attempts", 5)
	v.SetDefault("retry_base_delay_sec", 2)
	v.SetDefault("send_timeout_sec", 10)
	v.SetDefault("retention_hours", 72)
	v.SetDefault("email_provider_url", "http://localhost:9101")
	v.SetDefault("sms_provider_url", "http://localhost:9102")
	v.SetDefault("push_provider_url", "http://localhost:9103")
	v.SetDefault("allowed_origins", []string{"http://localhost:3000"})

	v.SetEnvPrefix("TASKHUB")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("設定の解析に失敗: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate は設定値の整合性を検証する。
func (c *Config) validate() error {
	if c.Partitions < 1 {
		return fmt.Errorf("partitionsは1以上である必要があります: %d", c.Partitions)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_sizeは1以上である必要があります: %d", c.BatchSize)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workersは1以上である必要があります: %d", c.Workers)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attemptsは1以上である必要があります: %d", c.MaxAttempts)
	}
	// 0を許すとバックオフなしでポーリングのたびに再送されてしまう
	if c.RetryBaseDelaySec < 1 {
		return fmt.Errorf("retry_base_delay_secは1以上である必要があります: %d", c.RetryBaseDelaySec)
	}
	// 0を許すと配信呼び出しのハードタイムアウトが無効になってしまう
	if c.SendTimeoutSec < 1 {
		return fmt.Errorf("send_timeout_secは1以上である必要があります: %d", c.SendTimeoutSec)
	}
	if c.ConsumerGroup == "" {
		return errors.New("consumer_groupが設定されていません")
	}
	return nil
}
