// Package config отвечает за сбор и предоставление конфигурации бота.
// Он читает переменные окружения из .env (через godotenv), нормализует и
// валидирует входные значения и предоставляет результат через singleton.
//
// Бизнес-контекст: бот живёт на одном BOT_TOKEN, гоняет генерации через пул
// донорских аккаунтов Sora и при необходимости ходит наружу через прокси.
// Критичные параметры (токен, некорректный прокси) валят старт; второстепенные
// получают дефолт с предупреждением, чтобы процесс не падал из-за мелочей.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env). Значения уже
// прошли минимальную валидацию и нормализацию в loadConfig; в рантайме
// предполагается, что EnvConfig последователен.
type EnvConfig struct {
	BotToken string
	ProxyURL string
	AdminUID int64

	CookiesFile string
	DBFile      string

	QueueWorkers    int
	PollIntervalSec int
	GenTimeoutSec   int
	ThrottleRPS     int

	AccountDailyLimit  int
	AccountConcurrency int

	LogLevel string
	// Файловое логирование
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
}

// Config хранит конфигурацию среды и накопленные предупреждения.
type Config struct {
	Env      EnvConfig
	warnings []string
	mu       sync.RWMutex
}

// Значения по умолчанию для параметров окружения.
const (
	defaultCookiesFile     = "assets/cookies.json"
	defaultDBFile          = "data/sorabot.bbolt"
	defaultQueueWorkers    = 5
	defaultPollIntervalSec = 3
	defaultGenTimeoutSec   = 900
	defaultThrottleRPS     = 1
	defaultDailyLimit      = 100
	defaultAccountConc     = 5
	defaultLogLevel        = "info"
	// Файловое логирование (LOG_FILE без дефолта — активируется явно)
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load — точка входа для инициализации глобальной конфигурации. Повторный
// вызов запрещён, чтобы избежать гонок конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	// .env опционален: в контейнерах переменные приходят из окружения хоста.
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	botToken := strings.TrimSpace(os.Getenv("BOT_TOKEN"))
	if botToken == "" {
		return nil, errors.New("env BOT_TOKEN must be set")
	}

	var warnings []string

	proxyURL, err := sanitizeProxy(os.Getenv("PROXY_URL"))
	if err != nil {
		return nil, err
	}

	adminUID := int64(parseIntDefault("ADMIN_UID", 0, nonNegative, &warnings))

	cookiesFile := sanitizeFile(os.Getenv("COOKIES_FILE"), defaultCookiesFile)
	dbFile := sanitizeFile(os.Getenv("DB_FILE"), defaultDBFile)

	queueWorkers := parseIntDefault("QUEUE_WORKERS", defaultQueueWorkers, greaterThanZero, &warnings)
	pollInterval := parseIntDefault("POLL_INTERVAL_SEC", defaultPollIntervalSec, greaterThanZero, &warnings)
	genTimeout := parseIntDefault("GEN_TIMEOUT_SEC", defaultGenTimeoutSec, greaterThanZero, &warnings)
	throttleRPS := parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings)
	dailyLimit := parseIntDefault("ACCOUNT_DAILY_LIMIT", defaultDailyLimit, greaterThanZero, &warnings)
	accountConc := parseIntDefault("ACCOUNT_CONCURRENCY", defaultAccountConc, greaterThanZero, &warnings)

	logLevel := sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings)
	logFile := strings.TrimSpace(os.Getenv("LOG_FILE"))
	logFileLevel := sanitizeLogLevel(os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings)
	logFileMaxSize := parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings)
	logFileMaxBackups := parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings)
	logFileMaxAge := parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings)
	logFileCompress := parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings)

	env := EnvConfig{
		BotToken: botToken,
		ProxyURL: proxyURL,
		AdminUID: adminUID,

		CookiesFile: cookiesFile,
		DBFile:      dbFile,

		QueueWorkers:    queueWorkers,
		PollIntervalSec: pollInterval,
		GenTimeoutSec:   genTimeout,
		ThrottleRPS:     throttleRPS,

		AccountDailyLimit:  dailyLimit,
		AccountConcurrency: accountConc,

		LogLevel:          logLevel,
		LogFile:           logFile,
		LogFileLevel:      logFileLevel,
		LogFileMaxSize:    logFileMaxSize,
		LogFileMaxBackups: logFileMaxBackups,
		LogFileMaxAge:     logFileMaxAge,
		LogFileCompress:   logFileCompress,
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает накопленные предупреждения загрузки .env. Копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton — неизменяемый снимок
// на момент загрузки.
func Env() EnvConfig {
	return cfgInstance.Env
}

// sanitizeProxy валидирует PROXY_URL. Допустимы схемы http/https/socks5 с
// опциональным user:pass. Нестандартная схема socks:// нормализуется в
// socks5:// (так её пишут экспортеры настроек). Пустое значение — прокси
// выключен. Любая другая строка — ошибка старта: тихо игнорировать прокси
// опаснее, чем упасть.
func sanitizeProxy(value string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", nil
	}
	if strings.HasPrefix(strings.ToLower(v), "socks://") {
		v = "socks5://" + v[len("socks://"):]
	}
	u, err := url.Parse(v)
	if err != nil {
		return "", fmt.Errorf("env PROXY_URL %q is not a valid URL: %w", value, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "socks5":
	default:
		return "", fmt.Errorf("env PROXY_URL scheme %q is not supported (http, https, socks5)", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("env PROXY_URL %q has no host", value)
	}
	return u.String(), nil
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// validator — возвращает defaultVal и пишет предупреждение.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseBoolDefault читает name как bool с дефолтом и предупреждением.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf накапливает предупреждения о некорректных переменных окружения.
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// sanitizeLogLevel ограничивает уровень набором {debug, info, warn, error}.
func sanitizeLogLevel(level, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// sanitizeFile возвращает валидное имя файла конфигурации либо fallback.
func sanitizeFile(value, fallback string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return fallback
	}
	return v
}
