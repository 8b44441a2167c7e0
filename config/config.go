package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
)

type Config struct {
	Env            string `env:"ENVIRONMENT" envDefault:"development"`
	ServerPort     int    `env:"SERVER_PORT" envDefault:"8080"`
	BasicAuthCreds string `env:"BASIC_AUTH_CREDS"`
	DataDir        string `env:"DATA_DIR" envDefault:"data"`

	Database struct {
		Driver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
		DSN    string `env:"DATABASE_DSN" envDefault:"archivist.sqlite"`
	}

	Mailgun struct {
		Domain      string `env:"MAILGUN_DOMAIN"`
		APIKey      string `env:"MAILGUN_API_KEY"`
		SenderFrom  string `env:"MAILGUN_SENDER_FROM" envDefault:"archivist@localhost"`
		TimeoutSecs int    `env:"MAILGUN_TIMEOUT_SECS" envDefault:"10"`
		APIBase     string `env:"MAILGUN_API_BASE"`
	}
	NotifyRecipient string `env:"NOTIFY_RECIPIENT"`

	Scheduler Scheduler
	Poller    Poller
	Sweeper   Sweeper
	Pools     Pools
	Providers Providers

	log   *zap.Logger
	creds map[string]string
}

type Scheduler struct {
	Tick             time.Duration `env:"SCHEDULER_TICK" envDefault:"30s"`
	RecheckInterval  time.Duration `env:"SCHEDULER_RECHECK_INTERVAL" envDefault:"5m"`
	TimeoutThreshold time.Duration `env:"SCHEDULER_TIMEOUT_THRESHOLD" envDefault:"1h"`
	RunRetention     time.Duration `env:"SCHEDULER_RUN_RETENTION" envDefault:"168h"`
	ReleaseDelay     time.Duration `env:"SCHEDULER_RELEASE_DELAY" envDefault:"15s"`

	ProcessInterval time.Duration `env:"JOB_PROCESS_INTERVAL" envDefault:"1h"`
	ProcessJitter   time.Duration `env:"JOB_PROCESS_JITTER" envDefault:"5m"`
	ProcessLeeway   time.Duration `env:"JOB_PROCESS_LEEWAY" envDefault:"5m"`

	ExpireInterval time.Duration `env:"JOB_EXPIRE_INTERVAL" envDefault:"4h"`
	ExpireJitter   time.Duration `env:"JOB_EXPIRE_JITTER" envDefault:"15m"`
	ExpireLeeway   time.Duration `env:"JOB_EXPIRE_LEEWAY" envDefault:"5m"`
}

type Poller struct {
	PageSize        int           `env:"POLLER_PAGE_SIZE" envDefault:"20"`
	GuardDelay      time.Duration `env:"POLLER_GUARD_DELAY" envDefault:"15m"`
	PageConcurrency int           `env:"POLLER_PAGE_CONCURRENCY" envDefault:"4"`
}

type Sweeper struct {
	PageSize int `env:"SWEEPER_PAGE_SIZE" envDefault:"50"`
	MaxPages int `env:"SWEEPER_MAX_PAGES" envDefault:"10"`
	// ArchiveEnabled gates the whole archive pass.
	ArchiveEnabled bool `env:"SWEEPER_ARCHIVE_ENABLED" envDefault:"true"`
	// ArchiveUndecided archives expired elements nobody decided on; otherwise they are left alone.
	ArchiveUndecided bool `env:"SWEEPER_ARCHIVE_UNDECIDED" envDefault:"false"`
}

type Pools struct {
	Images int `env:"POOL_IMAGES" envDefault:"2"`
	Videos int `env:"POOL_VIDEOS" envDefault:"1"`
}

type Providers struct {
	JSONBaseURL       string  `env:"PROVIDER_JSON_BASE_URL"`
	GalleryListURL    string  `env:"PROVIDER_GALLERY_LIST_URL"`  // fmt template taking the site artist id
	GalleryItemURL    string  `env:"PROVIDER_GALLERY_ITEM_URL"`  // fmt template taking the reference id
	GalleryIDXPath    string  `env:"PROVIDER_GALLERY_ID_XPATH" envDefault:"//a[@data-id]/@data-id"`
	GalleryTitleXPath string  `env:"PROVIDER_GALLERY_TITLE_XPATH" envDefault:"//h1"`
	GalleryMediaXPath string  `env:"PROVIDER_GALLERY_MEDIA_XPATH" envDefault:"//img[@data-original]/@data-original"`
	GalleryTagXPath   string  `env:"PROVIDER_GALLERY_TAG_XPATH" envDefault:"//a[@rel='tag']"`
	RequestsPerSecond float64 `env:"PROVIDER_REQUESTS_PER_SECOND" envDefault:"1"`
}

func NewConfig(log *zap.Logger) *Config {
	cfg := &Config{log: log}
	if err := env.Parse(cfg); err != nil {
		log.Sugar().Panic(err)
	}

	creds, err := cfg.parseCreds()
	if err != nil {
		if cfg.Env == "development" {
			cfg.log.Sugar().Infof("%s (credentials will be set to default in development env)", err)
			creds = map[string]string{"admin": "password"}
		} else {
			cfg.log.Sugar().Panic(err)
		}
	}
	cfg.creds = creds

	return cfg
}

func (cfg *Config) GetCreds() map[string]string {
	return cfg.creds
}

func (cfg *Config) parseCreds() (map[string]string, error) {
	if cfg.BasicAuthCreds == "" {
		return nil, errors.New("BASIC_AUTH_CREDS envvar must be populated")
	}

	creds := strings.Split(cfg.BasicAuthCreds, ",")
	result := make(map[string]string)
	for _, cred := range creds {
		userPass := strings.Split(cred, ":")
		if len(userPass) != 2 {
			return nil, fmt.Errorf("failed to parse '%s', each credential should be delimited by a colon -- user1:pass1,user2:pass2", cred)
		}

		user, pass := userPass[0], userPass[1]
		result[strings.Trim(user, " ")] = strings.Trim(pass, " ")
	}

	return result, nil
}
