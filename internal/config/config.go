package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds the server's runtime configuration, populated once at
// startup from environment variables prefixed CLAWORC_.
type Settings struct {
	DataPath string `envconfig:"DATA_PATH" default:"/app/data"`
	LogPath  string `envconfig:"LOG_PATH" default:"/app/data/claworc.log"`

	ListenHost string `envconfig:"LISTEN_HOST" default:"0.0.0.0"`
	ListenPort int    `envconfig:"LISTEN_PORT" default:"8000"`
	UnixSocket string `envconfig:"UNIX_SOCKET" default:""`

	AuthDisabled    bool   `envconfig:"AUTH_DISABLED" default:"false"`
	DefaultUsername string `envconfig:"DEFAULT_USERNAME" default:"admin"`

	// CookieTTLSeconds is the default lifetime of a minted session cookie.
	CookieTTLSeconds int  `envconfig:"COOKIE_TTL_SECONDS" default:"86400"`
	CookieSecure     bool `envconfig:"COOKIE_SECURE" default:"false"`

	TerminalHistoryLines int    `envconfig:"TERMINAL_HISTORY_LINES" default:"2000"`
	TerminalRecordingDir string `envconfig:"TERMINAL_RECORDING_DIR" default:""`
	TerminalIdleTimeout  string `envconfig:"TERMINAL_IDLE_TIMEOUT" default:"30m"`

	ProxyFirstByteTimeoutSeconds int `envconfig:"PROXY_FIRST_BYTE_TIMEOUT_SECONDS" default:"15"`
	ProxyRateLimitWindowSeconds  int `envconfig:"PROXY_RATE_LIMIT_WINDOW_SECONDS" default:"60"`
	ProxyRateLimitMaxRequests    int `envconfig:"PROXY_RATE_LIMIT_MAX_REQUESTS" default:"120"`

	NotificationRetentionDays int `envconfig:"NOTIFICATION_RETENTION_DAYS" default:"30"`
	NotificationMaxPerUser    int `envconfig:"NOTIFICATION_MAX_PER_USER" default:"500"`

	AuditRetentionDays int `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`

	DockerHost string `envconfig:"DOCKER_HOST" default:""`
}

var Cfg Settings

// Load populates Cfg from the environment. Call once during startup.
func Load() {
	if err := envconfig.Process("CLAWORC", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
