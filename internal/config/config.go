package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/chatsync/internal/logger"
)

// loadEnv читает .env только вне production (в контейнере/prod конфиг только из env).
// Ищет файл в текущем каталоге и до четырёх уровней вверх; уже заданные переменные не перезаписываются.
func loadEnv() {
	if os.Getenv("APP_ENV") == "production" {
		return
	}
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err != nil {
				logger.Errorf("config: .env %s: %v", path, err)
			}
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

// RealtimeConfig — параметры канала реального времени (WebSocket + поллинг).
type RealtimeConfig struct {
	WSURL           string        `yaml:"-" validate:"omitempty,url"`
	PollInterval    time.Duration `yaml:"-" validate:"gt=0"`
	PushRetryMin    time.Duration `yaml:"-" validate:"gt=0"`
	PushRetryMax    time.Duration `yaml:"-" validate:"gtefield=PushRetryMin"`
	TypingPerSecond float64       `yaml:"-" validate:"gt=0"`
	WSWriteTimeout  time.Duration `yaml:"-"`
	WSPongTimeout   time.Duration `yaml:"-"`
	WSMaxMessage    int64         `yaml:"-"`
}

// TypingConfig — окна индикатора набора текста.
type TypingConfig struct {
	Silence time.Duration `validate:"gt=0"`
	Idle    time.Duration `validate:"gt=0"`
}

// Config содержит настройки шлюза чата.
// Приоритет: переменные окружения > YAML-файл > значения по умолчанию.
type Config struct {
	// Сервер шлюза (локальный HTTP + WS для UI)
	ServerAddr   string `validate:"required"`
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Внешний сервис сообщений
	APIBaseURL string `validate:"required,url"`
	AuthToken  string
	UserID     string `validate:"required"`
	PageSize   int    `validate:"gt=0,lte=200"`

	Realtime RealtimeConfig
	Typing   TypingConfig

	// Viewport
	ScrollThreshold float64 `validate:"gte=0"`

	// Вложения и превью
	MaxUploadSize int64 `validate:"gt=0"`
	RedisURL      string
	PreviewTTL    time.Duration

	// CORS
	CORSAllowedOrigins string

	// Логирование
	LogLevel string
}

// yamlConfig — промежуточная структура для парсинга YAML.
type yamlConfig struct {
	ServerAddr         string  `yaml:"server_addr"`
	ReadTimeout        int     `yaml:"read_timeout"`
	WriteTimeout       int     `yaml:"write_timeout"`
	IdleTimeout        int     `yaml:"idle_timeout"`
	APIBaseURL         string  `yaml:"api_base_url"`
	WSURL              string  `yaml:"ws_url"`
	UserID             string  `yaml:"user_id"`
	PageSize           int     `yaml:"page_size"`
	PollIntervalMS     int     `yaml:"poll_interval_ms"`
	PushRetryMinMS     int     `yaml:"push_retry_min_ms"`
	PushRetryMaxMS     int     `yaml:"push_retry_max_ms"`
	TypingSilenceMS    int     `yaml:"typing_silence_ms"`
	TypingIdleMS       int     `yaml:"typing_idle_ms"`
	TypingRatePerSec   float64 `yaml:"typing_rate_per_sec"`
	ScrollThresholdPX  float64 `yaml:"scroll_threshold_px"`
	MaxUploadSizeMB    int     `yaml:"max_upload_size_mb"`
	PreviewTTLMinutes  int     `yaml:"preview_ttl_minutes"`
	WSWriteTimeout     int     `yaml:"ws_write_timeout"`
	WSPongTimeout      int     `yaml:"ws_pong_timeout"`
	WSMaxMessageSize   int     `yaml:"ws_max_message_size"`
	CORSAllowedOrigins string  `yaml:"cors_allowed_origins"`
	LogLevel           string  `yaml:"log_level"`
}

func defaults() yamlConfig {
	return yamlConfig{
		ServerAddr:         "127.0.0.1:8090",
		ReadTimeout:        15,
		WriteTimeout:       30,
		IdleTimeout:        60,
		APIBaseURL:         "http://localhost:8080",
		PageSize:           50,
		PollIntervalMS:     5000,
		PushRetryMinMS:     1000,
		PushRetryMaxMS:     30000,
		TypingSilenceMS:    3000,
		TypingIdleMS:       2000,
		TypingRatePerSec:   0.5,
		ScrollThresholdPX:  100,
		MaxUploadSizeMB:    20,
		PreviewTTLMinutes:  30,
		WSWriteTimeout:     10,
		WSPongTimeout:      60,
		WSMaxMessageSize:   1 << 20,
		CORSAllowedOrigins: "*",
		LogLevel:           "info",
	}
}

// Load загружает конфигурацию.
// Сначала подгружаются переменные из .env (если есть), затем YAML и env (env имеет приоритет).
func Load() (*Config, error) {
	loadEnv()
	yc := defaults()

	// CONFIG_PATH → config/chatd.yaml
	paths := []string{os.Getenv("CONFIG_PATH"), "config/chatd.yaml"}
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &yc); err != nil {
			logger.Errorf("config: ошибка парсинга %s: %v (используются значения по умолчанию)", path, err)
			yc = defaults()
		} else {
			logger.Infof("config: загружен %s", path)
		}
		break
	}

	cfg := &Config{
		ServerAddr:   envStr("SERVER_ADDR", yc.ServerAddr),
		ReadTimeout:  time.Duration(envInt("READ_TIMEOUT", yc.ReadTimeout)) * time.Second,
		WriteTimeout: time.Duration(envInt("WRITE_TIMEOUT", yc.WriteTimeout)) * time.Second,
		IdleTimeout:  time.Duration(envInt("IDLE_TIMEOUT", yc.IdleTimeout)) * time.Second,
		APIBaseURL:   envStr("API_BASE_URL", yc.APIBaseURL),
		AuthToken:    envStr("AUTH_TOKEN", ""),
		UserID:       envStr("USER_ID", yc.UserID),
		PageSize:     envInt("PAGE_SIZE", yc.PageSize),
		Realtime: RealtimeConfig{
			WSURL:           envStr("WS_URL", yc.WSURL),
			PollInterval:    ms(envInt("POLL_INTERVAL_MS", yc.PollIntervalMS)),
			PushRetryMin:    ms(envInt("PUSH_RETRY_MIN_MS", yc.PushRetryMinMS)),
			PushRetryMax:    ms(envInt("PUSH_RETRY_MAX_MS", yc.PushRetryMaxMS)),
			TypingPerSecond: envFloat("TYPING_RATE_PER_SEC", yc.TypingRatePerSec),
			WSWriteTimeout:  time.Duration(envInt("WS_WRITE_TIMEOUT", yc.WSWriteTimeout)) * time.Second,
			WSPongTimeout:   time.Duration(envInt("WS_PONG_TIMEOUT", yc.WSPongTimeout)) * time.Second,
			WSMaxMessage:    int64(envInt("WS_MAX_MESSAGE_SIZE", yc.WSMaxMessageSize)),
		},
		Typing: TypingConfig{
			Silence: ms(envInt("TYPING_SILENCE_MS", yc.TypingSilenceMS)),
			Idle:    ms(envInt("TYPING_IDLE_MS", yc.TypingIdleMS)),
		},
		ScrollThreshold:    envFloat("SCROLL_THRESHOLD_PX", yc.ScrollThresholdPX),
		MaxUploadSize:      int64(envInt("MAX_UPLOAD_SIZE_MB", yc.MaxUploadSizeMB)) << 20,
		RedisURL:           envStr("REDIS_URL", ""),
		PreviewTTL:         time.Duration(envInt("PREVIEW_TTL_MINUTES", yc.PreviewTTLMinutes)) * time.Minute,
		CORSAllowedOrigins: envStr("CORS_ALLOWED_ORIGINS", yc.CORSAllowedOrigins),
		LogLevel:           envStr("LOG_LEVEL", yc.LogLevel),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if os.Getenv("APP_ENV") == "production" && cfg.AuthToken == "" {
		logger.Errorf("config: в production задайте AUTH_TOKEN")
	}
	return cfg, nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// envStr возвращает значение переменной окружения или fallback.
func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt возвращает числовое значение переменной окружения или fallback.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
