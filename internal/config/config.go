// Package config содержит конфигурацию приложения
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/azalio/localsd/pkg/logger"
	"github.com/joho/godotenv"
)

// Поддерживаемые бэкенды генерации
const (
	BackendWebUI       = "webui"
	BackendComfyUI     = "comfyui"
	BackendPlaceholder = "placeholder"
)

// DefaultModelID - предобученная модель, которую загружает утилита
const DefaultModelID = "runwayml/stable-diffusion-v1-5"

// Config представляет структуру конфигурации приложения
type Config struct {
	// Бэкенд генерации: webui, comfyui или placeholder
	Backend string
	// Базовый URL сервера инференса
	APIURL string
	// Идентификатор модели или чекпоинта
	ModelID string
	// Таймаут одного HTTP запроса к серверу инференса
	RequestTimeout time.Duration
	// Общий дедлайн одного запуска
	GenerationTimeout time.Duration
	// Интервал опроса истории ComfyUI
	PollInterval time.Duration
	// Максимальное число опросов ComfyUI
	MaxPollAttempts int
	// Уровень логирования из LOCALSD_LOG_LEVEL, LOCALSD_DEBUG включает дебаг
	LogLevel logger.Level
	// Окружение и коммит для записей лога
	Env       string
	GitCommit string
	// Путь для выгрузки метрик в формате Prometheus textfile
	MetricsTextfile string
}

// New создает новый экземпляр конфигурации
// Загружает переменные окружения из .env файла
// Если файл не найден, берет переменные из окружения
func New() (*Config, error) {
	// Отсутствие .env - нормальная ситуация, переменные могут быть в окружении
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: Error loading .env file: %v\n", err)
	}

	config := &Config{
		Backend:         strings.ToLower(strings.TrimSpace(os.Getenv("SD_BACKEND"))),
		APIURL:          strings.TrimRight(strings.TrimSpace(os.Getenv("SD_API_URL")), "/"),
		ModelID:         strings.TrimSpace(os.Getenv("SD_MODEL_ID")),
		LogLevel:        logLevelEnv(),
		Env:             os.Getenv("LOCALSD_ENV"),
		GitCommit:       os.Getenv("GIT_COMMIT"),
		MetricsTextfile: os.Getenv("METRICS_TEXTFILE"),
	}

	if config.Backend == "" {
		config.Backend = BackendWebUI
	}
	if config.ModelID == "" {
		config.ModelID = DefaultModelID
	}

	var err error
	if config.RequestTimeout, err = durationEnv("SD_REQUEST_TIMEOUT", 10*time.Minute); err != nil {
		return nil, err
	}
	if config.GenerationTimeout, err = durationEnv("SD_GENERATION_TIMEOUT", 15*time.Minute); err != nil {
		return nil, err
	}
	if config.PollInterval, err = durationEnv("SD_POLL_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	if config.MaxPollAttempts, err = intEnv("SD_MAX_POLL_ATTEMPTS", 300); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate проверяет согласованность настроек и подставляет URL по умолчанию
// для выбранного бэкенда
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendWebUI:
		if c.APIURL == "" {
			c.APIURL = "http://127.0.0.1:7860"
		}
	case BackendComfyUI:
		if c.APIURL == "" {
			c.APIURL = "http://127.0.0.1:8188"
		}
	case BackendPlaceholder:
	default:
		return fmt.Errorf("SD_BACKEND %q is not supported (use %s, %s or %s)",
			c.Backend, BackendWebUI, BackendComfyUI, BackendPlaceholder)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("SD_REQUEST_TIMEOUT must be positive")
	}
	if c.GenerationTimeout <= 0 {
		return fmt.Errorf("SD_GENERATION_TIMEOUT must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("SD_POLL_INTERVAL must be positive")
	}
	if c.MaxPollAttempts <= 0 {
		return fmt.Errorf("SD_MAX_POLL_ATTEMPTS must be positive")
	}
	return nil
}

func logLevelEnv() logger.Level {
	if raw := os.Getenv("LOCALSD_LOG_LEVEL"); strings.TrimSpace(raw) != "" {
		return logger.ParseLevel(raw)
	}
	if os.Getenv("LOCALSD_DEBUG") != "" {
		return logger.DebugLevel
	}
	return logger.InfoLevel
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return n, nil
}
