// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/repometrics/crawler/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig              `mapstructure:"server"`
	Crawler    CrawlerConfig             `mapstructure:"crawler"`
	HTTP       HTTPConfig                `mapstructure:"http"`
	DB         DBConfig                  `mapstructure:"db"`
	Logging    LoggingConfig             `mapstructure:"logging"`
	Providers  map[string]ProviderConfig `mapstructure:"providers"`
	Workspaces []WorkspaceConfig         `mapstructure:"workspaces"`
	Identity   IdentityConfig            `mapstructure:"identity"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// CrawlerConfig governs scheduling and crawl pipeline behavior.
type CrawlerConfig struct {
	Concurrency            int     `mapstructure:"concurrency"`
	QueueDepth             int     `mapstructure:"queue_depth"`
	PollIntervalSeconds    int     `mapstructure:"poll_interval_seconds"`
	CrawlIntervalSeconds   int     `mapstructure:"crawl_interval_seconds"`
	OverlapMarginMinutes   int     `mapstructure:"overlap_margin_minutes"`
	MaxConsecutiveFailures int     `mapstructure:"max_consecutive_failures"`
	BatchSize              int     `mapstructure:"batch_size"`
	DefaultRPS             float64 `mapstructure:"default_rps"`
	DefaultBurst           int     `mapstructure:"default_burst"`
	LeaseTimeoutSeconds    int     `mapstructure:"lease_timeout_seconds"`
	UserAgent              string  `mapstructure:"user_agent"`
}

// HTTPConfig configures provider HTTP client behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ProviderConfig holds connection settings for one provider instance.
type ProviderConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	Username string `mapstructure:"username"`
	Token    string `mapstructure:"token"`
}

// WorkspaceConfig declares what one workspace crawls.
type WorkspaceConfig struct {
	Name     string          `mapstructure:"name"`
	Crawlers []CrawlerTarget `mapstructure:"crawlers"`
}

// CrawlerTarget declares one set of crawl entities for a workspace.
type CrawlerTarget struct {
	Provider     string   `mapstructure:"provider"`
	Repositories []string `mapstructure:"repositories"`
	Projects     []string `mapstructure:"projects"`
}

// IdentityConfig declares cross-provider identity unification.
type IdentityConfig struct {
	Idents []IdentConfig `mapstructure:"idents"`
	Groups []GroupConfig `mapstructure:"groups"`
}

// IdentConfig maps provider logins onto one canonical identity.
type IdentConfig struct {
	MUID    string            `mapstructure:"muid"`
	Aliases map[string]string `mapstructure:"aliases"`
}

// GroupConfig names a set of canonical identities.
type GroupConfig struct {
	Name    string   `mapstructure:"name"`
	Members []string `mapstructure:"members"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.poll_interval_seconds", 30)
	v.SetDefault("crawler.crawl_interval_seconds", 600)
	v.SetDefault("crawler.overlap_margin_minutes", 30)
	v.SetDefault("crawler.max_consecutive_failures", 5)
	v.SetDefault("crawler.batch_size", 500)
	v.SetDefault("crawler.default_rps", 5.0)
	v.SetDefault("crawler.default_burst", 10)
	v.SetDefault("crawler.lease_timeout_seconds", 30)
	v.SetDefault("crawler.user_agent", "repometrics-crawler/1.0")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 30000)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_seconds", 1800)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.QueueDepth <= 0 {
		return fmt.Errorf("crawler.queue_depth must be > 0")
	}
	if c.Crawler.OverlapMarginMinutes < 0 {
		return fmt.Errorf("crawler.overlap_margin_minutes must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	for i, ws := range c.Workspaces {
		if ws.Name == "" {
			return fmt.Errorf("workspaces[%d].name is required", i)
		}
		for _, target := range ws.Crawlers {
			if _, ok := c.Providers[target.Provider]; !ok {
				return fmt.Errorf("workspace %q references unconfigured provider %q", ws.Name, target.Provider)
			}
			if len(target.Repositories) == 0 && len(target.Projects) == 0 {
				return fmt.Errorf("workspace %q crawler %q declares no repositories or projects", ws.Name, target.Provider)
			}
		}
	}
	for _, ident := range c.Identity.Idents {
		if ident.MUID == "" {
			return fmt.Errorf("identity.idents entries require a muid")
		}
	}
	return nil
}

// Entities expands the workspace declarations into the flat entity set the
// scheduler registers at startup. Repositories crawl change activity;
// projects crawl issue activity.
func (c Config) Entities() []crawler.CrawlerEntity {
	var out []crawler.CrawlerEntity
	for _, ws := range c.Workspaces {
		for _, target := range ws.Crawlers {
			for _, repo := range target.Repositories {
				out = append(out, crawler.CrawlerEntity{
					Workspace: ws.Name, Provider: target.Provider, Kind: crawler.KindChange, Name: repo,
				})
			}
			for _, project := range target.Projects {
				out = append(out, crawler.CrawlerEntity{
					Workspace: ws.Name, Provider: target.Provider, Kind: crawler.KindIssue, Name: project,
				})
			}
		}
	}
	return out
}

// OverlapMargin returns the checkpoint overlap window as a duration.
func (c CrawlerConfig) OverlapMargin() time.Duration {
	return time.Duration(c.OverlapMarginMinutes) * time.Minute
}

// PollInterval returns the sweep cadence as a duration.
func (c CrawlerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// CrawlInterval returns the per-entity re-crawl gap as a duration.
func (c CrawlerConfig) CrawlInterval() time.Duration {
	return time.Duration(c.CrawlIntervalSeconds) * time.Second
}

// LeaseTimeout returns the rate limit wait bound as a duration.
func (c CrawlerConfig) LeaseTimeout() time.Duration {
	return time.Duration(c.LeaseTimeoutSeconds) * time.Second
}

// Timeout returns the HTTP client timeout as a duration.
func (c HTTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BackoffInitial returns the first retry delay as a duration.
func (c HTTPConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the retry delay ceiling as a duration.
func (c HTTPConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}
