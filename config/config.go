package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"reposter/identity"
)

// ErrInvalidConfig wraps every validation failure so callers can tell a bad
// configuration apart from an I/O problem.
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	defaultMaxPostsToFetch = 10
	defaultTopPostsCount   = 3
	defaultMaxTotalPosts   = 999
)

type Config struct {
	Apify       ApifyConfig
	SocialBu    SocialBuConfig
	Schedule    ScheduleConfig
	Scheduler   SchedulerConfig
	Scraper     ScraperConfig
	Media       MediaConfig
	Proxy       ProxyConfig
	Storage     StorageConfig
	Dedup       DedupConfig
	Redis       RedisConfig
	S3          S3Config
	MetricsAddr string
	LogLevel    string
	LogFormat   string
	LogFile     string
	AccountsDir string
	Accounts    map[string]*AccountConfig
}

type ApifyConfig struct {
	Token   string
	ActorID string
	BaseURL string
}

type SocialBuConfig struct {
	Token   string
	BaseURL string
}

// ScheduleConfig holds the strategic posting hours and the single timezone
// every slot is evaluated in.
type ScheduleConfig struct {
	Timezone string
	Location *time.Location
	Hours    []int
}

type SchedulerConfig struct {
	Interval     time.Duration
	Cron         string
	ErrorBackoff time.Duration
}

type ScraperConfig struct {
	DelayMS int
}

type MediaConfig struct {
	MaxAttempts    int
	RetryDelay     time.Duration
	RetryMaxDelay  time.Duration
	PollWindow     time.Duration
	PollInitial    time.Duration
	PollMax        time.Duration
	DownloadLimitB int64
}

type ProxyConfig struct {
	URL string
}

type StorageConfig struct {
	Driver           string
	DBPath           string
	DatabaseURL      string
	ResultsRetention int
}

type DedupConfig struct {
	TTL                   time.Duration
	MarkFailedAsProcessed bool
	PurgeInterval         time.Duration
}

type RedisConfig struct {
	URL     string
	LockTTL time.Duration
}

// S3Config holds configuration for S3-compatible storage
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for DO Spaces, R2, etc.
	AccessKeyID     string
	SecretAccessKey string
}

func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// AccountConfig describes one managed account and the competitors it reposts from.
type AccountConfig struct {
	Name              string   `yaml:"name"`
	IGAccountName     string   `yaml:"ig_account_name"`
	SocialBuAccountID int      `yaml:"socialbu_account_id"`
	Competitors       []string `yaml:"competitors"`
	Captions          []string `yaml:"captions"`
	MaxPostsToFetch   int      `yaml:"max_posts_to_fetch"`
	TopPostsCount     int      `yaml:"top_posts_count"`
	MaxTotalPosts     int      `yaml:"max_total_posts"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Apify: ApifyConfig{
			Token:   os.Getenv("APIFY_API_TOKEN"),
			ActorID: getEnv("APIFY_ACTOR_ID", "apify~instagram-post-scraper"),
			BaseURL: getEnv("APIFY_BASE_URL", "https://api.apify.com/v2"),
		},
		SocialBu: SocialBuConfig{
			Token:   os.Getenv("SOCIALBU_API_TOKEN"),
			BaseURL: getEnv("SOCIALBU_BASE_URL", "https://socialbu.com/api/v1"),
		},
		Schedule: ScheduleConfig{
			Timezone: getEnv("TIMEZONE", "America/Panama"),
		},
		Scheduler: SchedulerConfig{
			Interval:     getEnvDuration("RUN_INTERVAL", time.Hour),
			Cron:         os.Getenv("RUN_CRON"),
			ErrorBackoff: getEnvDuration("ERROR_BACKOFF", time.Minute),
		},
		Scraper: ScraperConfig{
			DelayMS: getEnvInt("SCRAPE_DELAY_MS", 500),
		},
		Media: MediaConfig{
			MaxAttempts:    getEnvInt("MEDIA_MAX_ATTEMPTS", 3),
			RetryDelay:     getEnvDuration("MEDIA_RETRY_DELAY", 2*time.Second),
			RetryMaxDelay:  getEnvDuration("MEDIA_RETRY_MAX_DELAY", 10*time.Second),
			PollWindow:     getEnvDuration("MEDIA_POLL_WINDOW", 5*time.Minute),
			PollInitial:    getEnvDuration("MEDIA_POLL_INITIAL", 2*time.Second),
			PollMax:        getEnvDuration("MEDIA_POLL_MAX", 30*time.Second),
			DownloadLimitB: int64(getEnvInt("MEDIA_DOWNLOAD_LIMIT_MB", 200)) * 1024 * 1024,
		},
		Proxy: ProxyConfig{
			URL: os.Getenv("PROXY_URL"),
		},
		Storage: StorageConfig{
			Driver:           getEnv("DB_DRIVER", "sqlite"),
			DBPath:           getEnv("DB_PATH", "reposter.db"),
			DatabaseURL:      os.Getenv("DATABASE_URL"),
			ResultsRetention: getEnvInt("RESULTS_RETENTION", 100),
		},
		Dedup: DedupConfig{
			TTL:                   getEnvDuration("DEDUP_TTL", 0),
			MarkFailedAsProcessed: getEnvBool("MARK_FAILED_AS_PROCESSED", true),
			PurgeInterval:         getEnvDuration("DEDUP_PURGE_INTERVAL", 6*time.Hour),
		},
		Redis: RedisConfig{
			URL:     os.Getenv("REDIS_URL"),
			LockTTL: getEnvDuration("RUN_LOCK_TTL", 2*time.Hour),
		},
		S3: S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		MetricsAddr: os.Getenv("METRICS_ADDR"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "text"),
		LogFile:     getEnv("LOG_FILE", "reposter.log"),
		AccountsDir: getEnv("ACCOUNTS_DIR", "config/accounts"),
		Accounts:    make(map[string]*AccountConfig),
	}

	if err := cfg.loadSchedule(getEnv("STRATEGIC_HOURS", "10,14,18")); err != nil {
		return nil, err
	}

	if cfg.Storage.Driver != "sqlite" && cfg.Storage.Driver != "postgres" {
		return nil, fmt.Errorf("%w: DB_DRIVER must be sqlite or postgres, got %q", ErrInvalidConfig, cfg.Storage.Driver)
	}
	if cfg.Storage.Driver == "postgres" && cfg.Storage.DatabaseURL == "" {
		return nil, fmt.Errorf("%w: DATABASE_URL is required for the postgres driver", ErrInvalidConfig)
	}
	if cfg.Storage.ResultsRetention <= 0 {
		return nil, fmt.Errorf("%w: RESULTS_RETENTION must be positive", ErrInvalidConfig)
	}

	if err := cfg.loadAccountConfigs(cfg.AccountsDir); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadSchedule(hours string) error {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return fmt.Errorf("%w: timezone %q: %v", ErrInvalidConfig, c.Schedule.Timezone, err)
	}
	parsed, err := ParseHours(hours)
	if err != nil {
		return err
	}
	c.Schedule.Location = loc
	c.Schedule.Hours = parsed
	return nil
}

// ParseHours parses a comma separated list of exactly three distinct hours.
func ParseHours(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: STRATEGIC_HOURS needs exactly 3 hours, got %q", ErrInvalidConfig, s)
	}
	seen := make(map[int]bool)
	hours := make([]int, 0, 3)
	for _, p := range parts {
		h, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || h < 0 || h > 23 {
			return nil, fmt.Errorf("%w: invalid strategic hour %q", ErrInvalidConfig, p)
		}
		if seen[h] {
			return nil, fmt.Errorf("%w: duplicate strategic hour %d", ErrInvalidConfig, h)
		}
		seen[h] = true
		hours = append(hours, h)
	}
	sort.Ints(hours)
	return hours, nil
}

func (c *Config) loadAccountConfigs(configDir string) error {
	entries, err := os.ReadDir(configDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	sources := make(map[string]string)
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		path := filepath.Join(configDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		acc, err := ParseAccount(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		if prev, dup := sources[acc.Name]; dup {
			return fmt.Errorf("%w: account %q defined in both %s and %s", ErrInvalidConfig, acc.Name, prev, path)
		}
		sources[acc.Name] = path
		c.Accounts[acc.Name] = acc
	}

	return nil
}

// ParseAccount decodes and validates a single account document. Unknown and
// duplicate keys are rejected.
func ParseAccount(data []byte) (*AccountConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var acc AccountConfig
	if err := dec.Decode(&acc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := acc.Validate(); err != nil {
		return nil, err
	}
	return &acc, nil
}

// Validate normalises handles, applies defaults and rejects structurally broken accounts.
func (a *AccountConfig) Validate() error {
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" || strings.ContainsAny(a.Name, " \t\n") {
		return fmt.Errorf("%w: account name %q must be a non-empty single word", ErrInvalidConfig, a.Name)
	}
	if a.IGAccountName == "" {
		a.IGAccountName = a.Name
	}
	if a.SocialBuAccountID <= 0 {
		return fmt.Errorf("%w: account %s: socialbu_account_id must be positive", ErrInvalidConfig, a.Name)
	}

	if len(a.Competitors) == 0 {
		return fmt.Errorf("%w: account %s: competitors list is empty", ErrInvalidConfig, a.Name)
	}
	seen := make(map[string]bool, len(a.Competitors))
	for i, raw := range a.Competitors {
		handle := identity.NormalizeHandle(raw)
		if !identity.ValidHandle(handle) {
			return fmt.Errorf("%w: account %s: malformed competitor handle %q", ErrInvalidConfig, a.Name, raw)
		}
		if seen[handle] {
			return fmt.Errorf("%w: account %s: duplicate competitor %q", ErrInvalidConfig, a.Name, handle)
		}
		seen[handle] = true
		a.Competitors[i] = handle
	}

	if len(a.Captions) == 0 {
		return fmt.Errorf("%w: account %s: captions list is empty", ErrInvalidConfig, a.Name)
	}
	for _, c := range a.Captions {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("%w: account %s: blank caption", ErrInvalidConfig, a.Name)
		}
	}

	if a.MaxPostsToFetch < 0 || a.TopPostsCount < 0 || a.MaxTotalPosts < 0 {
		return fmt.Errorf("%w: account %s: limits must not be negative", ErrInvalidConfig, a.Name)
	}
	if a.MaxPostsToFetch == 0 {
		a.MaxPostsToFetch = defaultMaxPostsToFetch
	}
	if a.TopPostsCount == 0 {
		a.TopPostsCount = defaultTopPostsCount
	}
	if a.MaxTotalPosts == 0 {
		a.MaxTotalPosts = defaultMaxTotalPosts
	}

	return nil
}

// AccountNames returns configured account names in sorted order.
func (c *Config) AccountNames() []string {
	names := make([]string, 0, len(c.Accounts))
	for name := range c.Accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
