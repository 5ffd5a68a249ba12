package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"arvideo/internal/camera"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Capture CaptureConfig  `yaml:"capture"`
	Devices []DeviceConfig `yaml:"devices" validate:"dive"`
	Log     LogConfig      `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host" validate:"required"`                 // リッスンするホスト
	Port int    `yaml:"port" validate:"required,min=1,max=65535"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"min=0"`     // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"min=0"`    // 書き込みタイムアウト（0 でストリーミング向けに無効）
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"` // グレースフルシャットダウンの待ち時間
}

// CaptureConfig は取得ループとレジストリの設定
type CaptureConfig struct {
	PollMin              time.Duration `yaml:"poll_min" validate:"gt=0"`
	PollMax              time.Duration `yaml:"poll_max" validate:"gt=0"`
	StopTimeout          time.Duration `yaml:"stop_timeout" validate:"gt=0"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors" validate:"min=1"`
	Buffers              int           `yaml:"buffers" validate:"oneof=2 3"`

	// DefaultConfig は設定文字列を省略したオープン要求で使う
	DefaultConfig string `yaml:"default_config"`

	// DefaultBackend は -backend を省略した設定文字列で使うバックエンド（空ならビルド毎の既定）
	DefaultBackend string `yaml:"default_backend"`
}

// DeviceConfig は起動時にオープンするデバイス
type DeviceConfig struct {
	ID        string `yaml:"id" validate:"required"`
	Name      string `yaml:"name"`
	Config    string `yaml:"config"`    // 設定文字列
	Autostart bool   `yaml:"autostart"` // オープン後すぐにキャプチャを開始する
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default はデフォルト設定を返す
func Default() *Config {
	capture := camera.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0,
			ShutdownTimeout: 10 * time.Second,
		},
		Capture: CaptureConfig{
			PollMin:              capture.PollMin,
			PollMax:              capture.PollMax,
			StopTimeout:          capture.StopTimeout,
			MaxConsecutiveErrors: capture.MaxConsecutiveErrors,
			Buffers:              capture.Buffers,
			DefaultConfig:        "-backend=synthetic",
		},
		Devices: []DeviceConfig{},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load は設定を読み込む
// デフォルト値に YAML ファイル（path が空でなければ）と環境変数を重ねて検証する
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() error {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("環境変数 PORT が数値ではありません: %q", v)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("ARVIDEO_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("ARVIDEO_DEFAULT_CONFIG"); v != "" {
		c.Capture.DefaultConfig = v
	}
	if v := os.Getenv("ARVIDEO_BACKEND"); v != "" {
		c.Capture.DefaultBackend = v
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s (%s=%s, 値: %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
			}
			return fmt.Errorf("無効な設定: %s", strings.Join(msgs, "; "))
		}
		return err
	}

	if c.Capture.PollMin > c.Capture.PollMax {
		return fmt.Errorf("poll_min (%v) が poll_max (%v) を超えています", c.Capture.PollMin, c.Capture.PollMax)
	}

	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if seen[d.ID] {
			return fmt.Errorf("デバイスIDが重複しています: %s", d.ID)
		}
		seen[d.ID] = true
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// CameraConfig はレジストリ用の設定を返す
func (c *Config) CameraConfig() camera.Config {
	return camera.Config{
		PollMin:              c.Capture.PollMin,
		PollMax:              c.Capture.PollMax,
		StopTimeout:          c.Capture.StopTimeout,
		MaxConsecutiveErrors: c.Capture.MaxConsecutiveErrors,
		Buffers:              c.Capture.Buffers,
	}
}

// NewLogger はログ設定から slog.Logger を作成する
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.Log.Level)}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
