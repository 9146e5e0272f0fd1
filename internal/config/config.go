// Пакет config — загрузка и валидация конфигурации сервиса синхронизации досок
// из переменных окружения.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации сервиса.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Файл логов с ротацией (опционально, stdout пишется всегда)
	LogFile string
	// Максимальный размер файла логов в мегабайтах
	LogFileMaxSizeMB int
	// Количество хранимых архивов логов
	LogFileMaxBackups int
	// Максимальный возраст архива логов в днях
	LogFileMaxAgeDays int

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Удалённый API досок ---

	// Адрес GraphQL endpoint
	RemoteAPIURL string
	// API-ключ, передаётся в заголовке Authorization
	RemoteAPIKey string
	// Значение заголовка API-Version
	RemoteAPIVersion string
	// Таймаут одного запроса к API
	RemoteTimeout time.Duration
	// Путь к CA-сертификату для TLS (опционально)
	RemoteCACertPath string
	// Количество попыток запроса страницы (1 — без повторов)
	RemoteRetryAttempts int
	// Начальный интервал экспоненциальной задержки
	RemoteRetryInitialInterval time.Duration
	// Максимальный интервал экспоненциальной задержки
	RemoteRetryMaxInterval time.Duration
	// Домены, которым разрешено передавать API-ключ при скачивании файлов
	RemoteAuthDomains []string

	// --- Файлы ---

	// Корневой каталог локальных копий файлов
	AssetsDir string
	// URL-префикс, под которым каталог раздаётся клиентам
	AssetsURLPrefix string
	// Максимальное число одновременных скачиваний
	AssetConcurrency int
	// Таймаут скачивания одного файла
	AssetDownloadTimeout time.Duration
	// Максимальная ширина оптимизированной копии
	OptimizeMaxWidth int
	// Качество WebP (1-100)
	OptimizeQuality int

	// --- Синхронизация ---

	// Размер страницы при обходе доски
	SyncPageSize int
	// Предельное число страниц за один обход
	SyncMaxPages int
	// Лимит списка задач по умолчанию
	JobListLimit int

	// --- Кэш локального чтения ---

	ItemsCacheSize int
	ItemsCacheTTL  time.Duration

	// --- JWT ---

	// Issuer JWT (пустое значение — issuer не проверяется)
	JWTIssuer string
	// URL JWKS endpoint, обязателен для HTTP-сервера
	JWTJWKSURL string
	// Группы, дающие роль admin (через запятую)
	RoleAdminGroups []string
	// CA-сертификат для TLS провайдера удостоверений (пустая строка — системный пул)
	JWKSCACertPath string
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// Интервал обновления ключей JWKS
	JWKSRefreshInterval time.Duration
	// Допустимое расхождение часов при проверке exp/nbf
	JWTLeeway time.Duration

	// --- topologymetrics ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration
	// Проверять доступность удалённого API по HTTP
	DephealthRemoteCheck bool
	// Путь health-проверки удалённого API
	DephealthRemoteHealthPath string

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// BS_PORT — порт HTTP-сервера (по умолчанию 8000)
	cfg.Port, err = getEnvInt("BS_PORT", 8000)
	if err != nil {
		return nil, fmt.Errorf("BS_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("BS_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("BS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("BS_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("BS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("BS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.LogFile = getEnvDefault("BS_LOG_FILE", "")
	if cfg.LogFileMaxSizeMB, err = getEnvInt("BS_LOG_FILE_MAX_SIZE_MB", 100); err != nil {
		return nil, fmt.Errorf("BS_LOG_FILE_MAX_SIZE_MB: %w", err)
	}
	if cfg.LogFileMaxBackups, err = getEnvInt("BS_LOG_FILE_MAX_BACKUPS", 5); err != nil {
		return nil, fmt.Errorf("BS_LOG_FILE_MAX_BACKUPS: %w", err)
	}
	if cfg.LogFileMaxAgeDays, err = getEnvInt("BS_LOG_FILE_MAX_AGE_DAYS", 30); err != nil {
		return nil, fmt.Errorf("BS_LOG_FILE_MAX_AGE_DAYS: %w", err)
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("BS_DB_HOST"); err != nil {
		return nil, err
	}
	if cfg.DBPort, err = getEnvInt("BS_DB_PORT", 5432); err != nil {
		return nil, fmt.Errorf("BS_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("BS_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("BS_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("BS_DB_PASSWORD"); err != nil {
		return nil, err
	}

	cfg.DBSSLMode = getEnvDefault("BS_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("BS_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Удалённый API ---

	cfg.RemoteAPIURL = strings.TrimRight(getEnvDefault("BS_REMOTE_API_URL", "https://api.monday.com/v2"), "/")
	if cfg.RemoteAPIKey, err = getEnvRequired("BS_REMOTE_API_KEY"); err != nil {
		return nil, err
	}
	cfg.RemoteAPIVersion = getEnvDefault("BS_REMOTE_API_VERSION", "2024-04")

	if cfg.RemoteTimeout, err = getEnvDuration("BS_REMOTE_TIMEOUT", 60*time.Second); err != nil {
		return nil, fmt.Errorf("BS_REMOTE_TIMEOUT: %w", err)
	}
	cfg.RemoteCACertPath = getEnvDefault("BS_REMOTE_CA_CERT_PATH", "")

	// BS_REMOTE_RETRY_ATTEMPTS — попытки запроса страницы (по умолчанию 3, 1 — без повторов)
	if cfg.RemoteRetryAttempts, err = getEnvInt("BS_REMOTE_RETRY_ATTEMPTS", 3); err != nil {
		return nil, fmt.Errorf("BS_REMOTE_RETRY_ATTEMPTS: %w", err)
	}
	if cfg.RemoteRetryAttempts < 1 || cfg.RemoteRetryAttempts > 10 {
		return nil, fmt.Errorf("BS_REMOTE_RETRY_ATTEMPTS: значение %d вне допустимого диапазона 1-10", cfg.RemoteRetryAttempts)
	}
	if cfg.RemoteRetryInitialInterval, err = getEnvDuration("BS_REMOTE_RETRY_INITIAL_INTERVAL", time.Second); err != nil {
		return nil, fmt.Errorf("BS_REMOTE_RETRY_INITIAL_INTERVAL: %w", err)
	}
	if cfg.RemoteRetryMaxInterval, err = getEnvDuration("BS_REMOTE_RETRY_MAX_INTERVAL", 30*time.Second); err != nil {
		return nil, fmt.Errorf("BS_REMOTE_RETRY_MAX_INTERVAL: %w", err)
	}
	cfg.RemoteAuthDomains = parseCSV(getEnvDefault("BS_REMOTE_AUTH_DOMAINS", "monday.com"))

	// --- Файлы ---

	cfg.AssetsDir = getEnvDefault("BS_ASSETS_DIR", "assets/board_files")
	cfg.AssetsURLPrefix = "/" + strings.Trim(getEnvDefault("BS_ASSETS_URL_PREFIX", "/assets/board_files"), "/")

	// BS_ASSET_CONCURRENCY — размер пула скачиваний (по умолчанию 10)
	if cfg.AssetConcurrency, err = getEnvInt("BS_ASSET_CONCURRENCY", 10); err != nil {
		return nil, fmt.Errorf("BS_ASSET_CONCURRENCY: %w", err)
	}
	if cfg.AssetConcurrency < 1 || cfg.AssetConcurrency > 100 {
		return nil, fmt.Errorf("BS_ASSET_CONCURRENCY: значение %d вне допустимого диапазона 1-100", cfg.AssetConcurrency)
	}
	if cfg.AssetDownloadTimeout, err = getEnvDuration("BS_ASSET_DOWNLOAD_TIMEOUT", 60*time.Second); err != nil {
		return nil, fmt.Errorf("BS_ASSET_DOWNLOAD_TIMEOUT: %w", err)
	}
	if cfg.OptimizeMaxWidth, err = getEnvInt("BS_OPTIMIZE_MAX_WIDTH", 800); err != nil {
		return nil, fmt.Errorf("BS_OPTIMIZE_MAX_WIDTH: %w", err)
	}
	if cfg.OptimizeMaxWidth < 16 {
		return nil, fmt.Errorf("BS_OPTIMIZE_MAX_WIDTH: значение %d меньше 16", cfg.OptimizeMaxWidth)
	}
	if cfg.OptimizeQuality, err = getEnvInt("BS_OPTIMIZE_QUALITY", 80); err != nil {
		return nil, fmt.Errorf("BS_OPTIMIZE_QUALITY: %w", err)
	}
	if cfg.OptimizeQuality < 1 || cfg.OptimizeQuality > 100 {
		return nil, fmt.Errorf("BS_OPTIMIZE_QUALITY: значение %d вне допустимого диапазона 1-100", cfg.OptimizeQuality)
	}

	// --- Синхронизация ---

	// BS_SYNC_PAGE_SIZE — размер страницы (по умолчанию 100, ограничение API — 500)
	if cfg.SyncPageSize, err = getEnvInt("BS_SYNC_PAGE_SIZE", 100); err != nil {
		return nil, fmt.Errorf("BS_SYNC_PAGE_SIZE: %w", err)
	}
	if cfg.SyncPageSize < 1 || cfg.SyncPageSize > 500 {
		return nil, fmt.Errorf("BS_SYNC_PAGE_SIZE: значение %d вне допустимого диапазона 1-500", cfg.SyncPageSize)
	}
	if cfg.SyncMaxPages, err = getEnvInt("BS_SYNC_MAX_PAGES", 500); err != nil {
		return nil, fmt.Errorf("BS_SYNC_MAX_PAGES: %w", err)
	}
	if cfg.SyncMaxPages < 1 {
		return nil, fmt.Errorf("BS_SYNC_MAX_PAGES: значение %d должно быть положительным", cfg.SyncMaxPages)
	}
	if cfg.JobListLimit, err = getEnvInt("BS_JOB_LIST_LIMIT", 50); err != nil {
		return nil, fmt.Errorf("BS_JOB_LIST_LIMIT: %w", err)
	}

	// --- Кэш ---

	if cfg.ItemsCacheSize, err = getEnvInt("BS_ITEMS_CACHE_SIZE", 64); err != nil {
		return nil, fmt.Errorf("BS_ITEMS_CACHE_SIZE: %w", err)
	}
	if cfg.ItemsCacheSize < 1 {
		return nil, fmt.Errorf("BS_ITEMS_CACHE_SIZE: значение %d должно быть положительным", cfg.ItemsCacheSize)
	}
	if cfg.ItemsCacheTTL, err = getEnvDuration("BS_ITEMS_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, fmt.Errorf("BS_ITEMS_CACHE_TTL: %w", err)
	}

	// --- JWT ---

	cfg.JWTIssuer = getEnvDefault("BS_JWT_ISSUER", "")
	cfg.JWTJWKSURL = getEnvDefault("BS_JWT_JWKS_URL", "")
	cfg.RoleAdminGroups = parseCSV(getEnvDefault("BS_ROLE_ADMIN_GROUPS", "boardsync-admins"))
	cfg.JWKSCACertPath = os.Getenv("BS_JWKS_CA_CERT_PATH")
	if cfg.JWKSClientTimeout, err = getEnvDuration("BS_JWKS_CLIENT_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("BS_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	if cfg.JWKSRefreshInterval, err = getEnvDuration("BS_JWKS_REFRESH_INTERVAL", 15*time.Minute); err != nil {
		return nil, fmt.Errorf("BS_JWKS_REFRESH_INTERVAL: %w", err)
	}
	if cfg.JWTLeeway, err = getEnvDuration("BS_JWT_LEEWAY", 5*time.Second); err != nil {
		return nil, fmt.Errorf("BS_JWT_LEEWAY: %w", err)
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("BS_DEPHEALTH_GROUP", "boardsync")
	if cfg.DephealthCheckInterval, err = getEnvDuration("BS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("BS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	if cfg.DephealthRemoteCheck, err = getEnvBool("BS_DEPHEALTH_REMOTE_CHECK", false); err != nil {
		return nil, fmt.Errorf("BS_DEPHEALTH_REMOTE_CHECK: %w", err)
	}
	cfg.DephealthRemoteHealthPath = getEnvDefault("BS_DEPHEALTH_REMOTE_HEALTH_PATH", "/")

	// --- Graceful shutdown ---

	if cfg.ShutdownTimeout, err = getEnvDuration("BS_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("BS_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// ValidateServer проверяет параметры, без которых HTTP-сервер не запускается.
func (c *Config) ValidateServer() error {
	if c.JWTJWKSURL == "" {
		return fmt.Errorf("BS_JWT_JWKS_URL: обязательная переменная окружения не задана")
	}
	return nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает DSN в URL-формате (для миграций и topologymetrics).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
// Если задан BS_LOG_FILE, логи дублируются в файл с ротацией.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogFileMaxSizeMB,
			MaxBackups: cfg.LogFileMaxBackups,
			MaxAge:     cfg.LogFileMaxAgeDays,
			Compress:   true,
		})
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное логическое значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
