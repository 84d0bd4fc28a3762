package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	ServerPort string
	Debug      bool

	// Google Sheets
	SheetsCredentialsFile string
	SpreadsheetID         string
	AssetsSheet           string
	GroupsSheet           string

	// Sheets 限流与缓存
	SheetsMaxRequestsPerMinute int
	SheetsBackoffBase          time.Duration
	SheetsBackoffMax           time.Duration
	SheetsMaxRetries           int
	SheetsCacheTTL             time.Duration

	// 资产表容量上限（0 表示不限制，不限制时允许追加新行）
	AssetsMaxRows int

	// 资产表显式列映射，格式 "driver_name=A,vin=B,..."，为空时回退到表头扫描
	AssetsColumnSpec string

	// TMS 遥测 API
	TMSAPIURL          string
	TMSAPIKey          string
	TMSRequestDelay    time.Duration
	TMSMaxRetries      int
	TMSRetryDelay      time.Duration
	TMSSourceAllowList []string
	MaxLocationAge     time.Duration

	// 路线/地理编码 (OpenRouteService)
	ORSAPIKey string

	// ETA 分类
	ETAGracePeriod time.Duration

	// 调度间隔
	RiskSyncInterval       time.Duration
	GroupBroadcastInterval time.Duration
	LiveRefreshInterval    time.Duration
	HousekeepingInterval   time.Duration
	SchedulerJitterMax     time.Duration
	MaxConcurrentWorkers   int64

	// 实时会话
	MaxLiveSessions      int
	SessionTimeout       time.Duration
	NotificationCooldown time.Duration
}

func Load() (*Config, error) {
	// 尝试加载 .env 文件（可选）
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort: getEnv("PORT", "4000"),
		Debug:      getEnvBool("DEBUG", false),

		SheetsCredentialsFile: getEnv("SHEETS_SERVICE_ACCOUNT_FILE", "service_account.json"),
		SpreadsheetID:         getEnv("SPREADSHEET_ID", ""),
		AssetsSheet:           getEnv("SPREADSHEET_ASSETS", "assets"),
		GroupsSheet:           getEnv("SPREADSHEET_GROUPS", "groups"),

		SheetsMaxRequestsPerMinute: getEnvInt("SHEETS_MAX_REQUESTS_PER_MINUTE", 180),
		SheetsBackoffBase:          getEnvDuration("SHEETS_BACKOFF_BASE", 1*time.Second),
		SheetsBackoffMax:           getEnvDuration("SHEETS_BACKOFF_MAX", 60*time.Second),
		SheetsMaxRetries:           getEnvInt("SHEETS_MAX_RETRIES", 5),
		SheetsCacheTTL:             getEnvDuration("SHEETS_CACHE_TTL", 300*time.Second),

		AssetsMaxRows:    getEnvInt("ASSETS_MAX_ROWS", 0),
		AssetsColumnSpec: getEnv("ASSETS_COLUMN_MAP", ""),

		TMSAPIURL:          getEnv("TMS_API_URL", ""),
		TMSAPIKey:          getEnv("TMS_API_KEY", ""),
		TMSRequestDelay:    getEnvDuration("TMS_REQUEST_DELAY", 1*time.Second),
		TMSMaxRetries:      getEnvInt("TMS_MAX_RETRIES", 3),
		TMSRetryDelay:      getEnvDuration("TMS_RETRY_DELAY", 5*time.Second),
		TMSSourceAllowList: getEnvList("TMS_SOURCE_ALLOW_LIST", "samsara,clubeld,ada_eld,skybitz,intangles"),
		MaxLocationAge:     getEnvDuration("MAX_LOCATION_AGE", 12*time.Hour),

		ORSAPIKey: getEnv("ORS_API_KEY", ""),

		ETAGracePeriod: getEnvDuration("ETA_GRACE_PERIOD", 10*time.Minute),

		RiskSyncInterval:       getEnvDuration("RISK_SYNC_INTERVAL", 300*time.Second),
		GroupBroadcastInterval: getEnvDuration("GROUP_BROADCAST_INTERVAL", 3600*time.Second),
		LiveRefreshInterval:    getEnvDuration("LIVE_REFRESH_INTERVAL", 300*time.Second),
		HousekeepingInterval:   getEnvDuration("HOUSEKEEPING_INTERVAL", 30*time.Minute),
		SchedulerJitterMax:     getEnvDuration("SCHEDULER_JITTER_MAX", 60*time.Second),
		MaxConcurrentWorkers:   int64(getEnvInt("MAX_CONCURRENT_WORKERS", 8)),

		MaxLiveSessions:      getEnvInt("MAX_LIVE_SESSIONS", 100),
		SessionTimeout:       getEnvDuration("SESSION_TIMEOUT", 24*time.Hour),
		NotificationCooldown: getEnvDuration("NOTIFICATION_COOLDOWN", 15*time.Minute),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		n, err := strconv.Atoi(value)
		if err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	value := getEnv(key, defaultValue)
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
