// Package config loads process configuration from the environment.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Orchestrator configures the orchestrator process.
type Orchestrator struct {
	AMQPURL     string `env:"AMQP_URL,notEmpty"`
	PostgresDSN string `env:"POSTGRES_DSN,notEmpty"`

	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	GatewayAddr  string `env:"GATEWAY_ADDR" envDefault:":9191"`
	GatewayToken string `env:"GATEWAY_TOKEN,notEmpty"`

	// MatchInfoURL points at the match info service. Empty disables
	// share code resolution; the parse worker finds the demo itself.
	MatchInfoURL     string        `env:"MATCHINFO_URL"`
	MatchInfoToken   string        `env:"MATCHINFO_TOKEN"`
	MatchInfoTimeout time.Duration `env:"MATCHINFO_TIMEOUT" envDefault:"10s"`

	MigrationsDir    string        `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	DemoparseVersion int           `env:"DEMOPARSE_VERSION" envDefault:"4"`
	RestoreOnBoot    bool          `env:"RESTORE_ON_BOOT" envDefault:"true"`
	KeepDemos        int           `env:"KEEP_DEMOS" envDefault:"1000"`
	CleanupInterval  time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`

	InteractionWindow time.Duration `env:"INTERACTION_WINDOW" envDefault:"13m"`
	ParseTTL          time.Duration `env:"PARSE_TTL" envDefault:"60s"`
	RecordTTL         time.Duration `env:"RECORD_TTL" envDefault:"600s"`
	ProgressTTL       time.Duration `env:"PROGRESS_TTL" envDefault:"10m"`

	TrackerUpdateInterval time.Duration `env:"TRACKER_UPDATE_INTERVAL" envDefault:"10s"`
	TrackerMaxUpdates     int           `env:"TRACKER_MAX_UPDATES" envDefault:"3"`
}

// Recorder configures a recorder node process.
type Recorder struct {
	GatewayURL   string `env:"GATEWAY_URL,notEmpty"`
	GatewayToken string `env:"GATEWAY_TOKEN,notEmpty"`

	Game    string `env:"GAME" envDefault:"CSGO"`
	Engine  string `env:"ENGINE" envDefault:"mock"`
	Engines int    `env:"ENGINES" envDefault:"2"`

	DemoDir string `env:"DEMO_DIR,notEmpty"`
	TempDir string `env:"TEMP_DIR,notEmpty"`

	UploadURL   string `env:"UPLOAD_URL"`
	UploadToken string `env:"UPLOAD_TOKEN"`

	HTTPTimeout      time.Duration `env:"HTTP_TIMEOUT" envDefault:"20s"`
	ReconnectBackoff time.Duration `env:"RECONNECT_BACKOFF" envDefault:"5s"`
}

// LoadOrchestrator parses the orchestrator environment.
func LoadOrchestrator() (Orchestrator, error) {
	var c Orchestrator
	err := env.Parse(&c)
	return c, err
}

// LoadRecorder parses the recorder node environment.
func LoadRecorder() (Recorder, error) {
	var c Recorder
	err := env.Parse(&c)
	return c, err
}
