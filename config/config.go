// Package config loads the posting system configuration from post.toml and
// POST_-prefixed environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/mwmbl/post/errors"
)

// Config is the whole configuration tree.
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Schedule ScheduleConfig `mapstructure:"schedule" toml:"schedule"`
	Filter   FilterConfig   `mapstructure:"filter" toml:"filter"`
	Matrix   MatrixConfig   `mapstructure:"matrix" toml:"matrix"`
	GitHub   GitHubConfig   `mapstructure:"github" toml:"github"`
	Stats    StatsConfig    `mapstructure:"stats" toml:"stats"`
	Bluesky  BlueskyConfig  `mapstructure:"bluesky" toml:"bluesky"`
	Mastodon MastodonConfig `mapstructure:"mastodon" toml:"mastodon"`
	Blog     BlogConfig     `mapstructure:"blog" toml:"blog"`
	Summary  SummaryConfig  `mapstructure:"summary" toml:"summary"`
	Collect  CollectConfig  `mapstructure:"collect" toml:"collect"`
	Log      LogConfig      `mapstructure:"log" toml:"log"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

type ScheduleConfig struct {
	// MaxDailyPosts caps the candidates published per day. A candidate
	// counts once however many destinations carry it.
	MaxDailyPosts        int     `mapstructure:"max_daily_posts" toml:"max_daily_posts"`
	MinPostIntervalHours float64 `mapstructure:"min_post_interval_hours" toml:"min_post_interval_hours"`
}

// MinPostInterval returns the interval as a duration.
func (s ScheduleConfig) MinPostInterval() time.Duration {
	return time.Duration(s.MinPostIntervalHours * float64(time.Hour))
}

type FilterConfig struct {
	ChatMinLength          int      `mapstructure:"chat_min_length" toml:"chat_min_length"`
	NoisePatterns          []string `mapstructure:"noise_patterns" toml:"noise_patterns"`
	PRMinChange            int      `mapstructure:"pr_min_change" toml:"pr_min_change"`
	CommitMinFiles         int      `mapstructure:"commit_min_files" toml:"commit_min_files"`
	IncludePrereleases     bool     `mapstructure:"include_prereleases" toml:"include_prereleases"`
	StatsRelativeThreshold float64  `mapstructure:"stats_relative_threshold" toml:"stats_relative_threshold"`
}

type MatrixConfig struct {
	HomeserverURL string `mapstructure:"homeserver_url" toml:"homeserver_url"`
	UserID        string `mapstructure:"user_id" toml:"user_id"`
	Password      string `mapstructure:"password" toml:"password"`
	RoomID        string `mapstructure:"room_id" toml:"room_id"`
}

type GitHubConfig struct {
	Org               string  `mapstructure:"org" toml:"org"`
	Token             string  `mapstructure:"token" toml:"token"`
	BaseURL           string  `mapstructure:"base_url" toml:"base_url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" toml:"requests_per_second"`
}

type StatsConfig struct {
	Endpoint string `mapstructure:"endpoint" toml:"endpoint"`
}

type BlueskyConfig struct {
	PDSHost     string `mapstructure:"pds_host" toml:"pds_host"`
	Identifier  string `mapstructure:"identifier" toml:"identifier"`
	AppPassword string `mapstructure:"app_password" toml:"app_password"`
}

type MastodonConfig struct {
	InstanceURL string `mapstructure:"instance_url" toml:"instance_url"`
	AccessToken string `mapstructure:"access_token" toml:"access_token"`
}

type BlogConfig struct {
	RepoURL     string `mapstructure:"repo_url" toml:"repo_url"`
	RepoPath    string `mapstructure:"repo_path" toml:"repo_path"`
	Token       string `mapstructure:"token" toml:"token"`
	AuthorName  string `mapstructure:"author_name" toml:"author_name"`
	AuthorEmail string `mapstructure:"author_email" toml:"author_email"`
	BlogURL     string `mapstructure:"blog_url" toml:"blog_url"`
}

type SummaryConfig struct {
	APIKey      string  `mapstructure:"api_key" toml:"api_key"`
	Model       string  `mapstructure:"model" toml:"model"`
	Temperature float64 `mapstructure:"temperature" toml:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" toml:"max_tokens"`
}

type CollectConfig struct {
	LookbackHours int `mapstructure:"lookback_hours" toml:"lookback_hours"`
}

// Lookback returns the collection window as a duration.
func (c CollectConfig) Lookback() time.Duration {
	return time.Duration(c.LookbackHours) * time.Hour
}

type LogConfig struct {
	JSON  bool   `mapstructure:"json" toml:"json"`
	Level string `mapstructure:"level" toml:"level"`
}

// Load reads the configuration. An explicit path is required to exist;
// otherwise post.toml is looked up in the working directory and
// $HOME/.config/post/, and missing files fall back to defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("POST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindSensitiveEnvVars(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	} else {
		v.SetConfigName("post")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "post"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "read config file")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

// SetDefaults registers defaults for every non-credential field.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "post.db")

	v.SetDefault("schedule.max_daily_posts", 10)
	v.SetDefault("schedule.min_post_interval_hours", 1.0)

	v.SetDefault("filter.chat_min_length", 24)
	v.SetDefault("filter.pr_min_change", 10)
	v.SetDefault("filter.commit_min_files", 3)
	v.SetDefault("filter.include_prereleases", false)
	v.SetDefault("filter.stats_relative_threshold", 0.05)

	v.SetDefault("matrix.homeserver_url", "https://matrix.org")
	v.SetDefault("github.org", "mwmbl")
	v.SetDefault("github.base_url", "https://api.github.com")
	v.SetDefault("github.requests_per_second", 2.0)
	v.SetDefault("stats.endpoint", "https://api.mwmbl.org/api/v1/stats")

	v.SetDefault("bluesky.pds_host", "https://bsky.social")
	v.SetDefault("blog.author_name", "Mwmbl Bot")
	v.SetDefault("blog.author_email", "bot@mwmbl.org")
	v.SetDefault("blog.blog_url", "https://blog.mwmbl.org")

	v.SetDefault("summary.model", "claude-sonnet-4-20250514")
	v.SetDefault("summary.temperature", 0.7)
	v.SetDefault("summary.max_tokens", 2000)

	v.SetDefault("collect.lookback_hours", 24)

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}

// bindSensitiveEnvVars pins the credential fields to explicit environment
// variables so they never need to live in the file.
func bindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("matrix.password", "POST_MATRIX_PASSWORD")
	v.BindEnv("github.token", "POST_GITHUB_TOKEN")
	v.BindEnv("bluesky.app_password", "POST_BLUESKY_APP_PASSWORD")
	v.BindEnv("mastodon.access_token", "POST_MASTODON_ACCESS_TOKEN")
	v.BindEnv("blog.token", "POST_BLOG_TOKEN")
	v.BindEnv("summary.api_key", "POST_SUMMARY_API_KEY")
}

// Default returns the configuration with every default applied.
func Default() (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal defaults")
	}
	return &cfg, nil
}

// WriteDefault renders a starter post.toml at path. It refuses to overwrite
// an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Newf("config file %s already exists", path)
	}

	cfg, err := Default()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "render default config")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}
