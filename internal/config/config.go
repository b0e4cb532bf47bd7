// ============================================================================
// Raksha-Sync Config - 配置載入
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 讀取配置檔並套用環境變數覆寫
//
// 載入順序（後者覆蓋前者）:
//   1. Defaults()
//   2. 配置檔：.yaml / .yml 用 YAML，.toml 用 TOML
//   3. dotenv 檔（env_file，預設不載入）
//   4. RAKSHA_* 環境變數
//
// 配置檔範例 (YAML):
//
//   queue:
//     driver: bolt
//     path: data/queue.db
//   replay:
//     max_attempts: 5
//     max_age: 168h
//   gateway:
//     base_url: https://api.example.org/api
//   shell:
//     origin: http://localhost:8080
//     skip_waiting: false
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 環境變數前綴
const EnvPrefix = "RAKSHA_"

// ErrInvalid 配置未通過檢查
var ErrInvalid = errors.New("config: invalid")

// Duration 可由 "15s"、"168h" 這類字串解析的時間長度，YAML 與 TOML 皆適用
type Duration time.Duration

// D 轉回 time.Duration
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText 實作 encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText 實作 encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config 完整的系統配置
type Config struct {
	EnvFile string `yaml:"env_file" toml:"env_file"`

	Queue struct {
		Driver        string `yaml:"driver" toml:"driver"` // file | bolt | redis | memory
		Path          string `yaml:"path" toml:"path"`
		Key           string `yaml:"key" toml:"key"`
		MaxPerKind    int    `yaml:"max_per_kind" toml:"max_per_kind"`
		RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"`
		RedisPassword string `yaml:"redis_password" toml:"redis_password"`
		RedisDB       int    `yaml:"redis_db" toml:"redis_db"`
	} `yaml:"queue" toml:"queue"`

	Journal struct {
		Enabled      bool   `yaml:"enabled" toml:"enabled"`
		Path         string `yaml:"path" toml:"path"`
		SyncOnAppend bool   `yaml:"sync_on_append" toml:"sync_on_append"`
		RotateAfter  uint64 `yaml:"rotate_after" toml:"rotate_after"`
	} `yaml:"journal" toml:"journal"`

	Replay struct {
		MaxAttempts  int      `yaml:"max_attempts" toml:"max_attempts"`
		MaxAge       Duration `yaml:"max_age" toml:"max_age"`
		ItemTimeout  Duration `yaml:"item_timeout" toml:"item_timeout"`
		DrainOnStart bool     `yaml:"drain_on_start" toml:"drain_on_start"`
	} `yaml:"replay" toml:"replay"`

	Gateway struct {
		BaseURL string   `yaml:"base_url" toml:"base_url"`
		Timeout Duration `yaml:"timeout" toml:"timeout"`
	} `yaml:"gateway" toml:"gateway"`

	Identity struct {
		UserID int64  `yaml:"user_id" toml:"user_id"`
		Secret string `yaml:"secret" toml:"secret"`
		Token  string `yaml:"token" toml:"token"`
	} `yaml:"identity" toml:"identity"`

	Connectivity struct {
		ProbeURL      string   `yaml:"probe_url" toml:"probe_url"`
		ProbeInterval Duration `yaml:"probe_interval" toml:"probe_interval"`
		ProbeTimeout  Duration `yaml:"probe_timeout" toml:"probe_timeout"`
	} `yaml:"connectivity" toml:"connectivity"`

	Shell struct {
		Enabled      bool     `yaml:"enabled" toml:"enabled"`
		Origin       string   `yaml:"origin" toml:"origin"`
		CacheName    string   `yaml:"cache_name" toml:"cache_name"`
		Manifest     []string `yaml:"manifest" toml:"manifest"`
		SkipWaiting  bool     `yaml:"skip_waiting" toml:"skip_waiting"`
		FetchWorkers int      `yaml:"fetch_workers" toml:"fetch_workers"`
	} `yaml:"shell" toml:"shell"`

	SOS struct {
		Hold     Duration `yaml:"hold" toml:"hold"`
		Cooldown Duration `yaml:"cooldown" toml:"cooldown"`
		Contacts []string `yaml:"contacts" toml:"contacts"`
	} `yaml:"sos" toml:"sos"`

	Advisor struct {
		Endpoint string   `yaml:"endpoint" toml:"endpoint"`
		APIKey   string   `yaml:"api_key" toml:"api_key"`
		Timeout  Duration `yaml:"timeout" toml:"timeout"`
	} `yaml:"advisor" toml:"advisor"`

	Push struct {
		URL string `yaml:"url" toml:"url"`
	} `yaml:"push" toml:"push"`

	Server struct {
		Addr     string `yaml:"addr" toml:"addr"`
		GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	} `yaml:"server" toml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled" toml:"enabled"`
	} `yaml:"metrics" toml:"metrics"`

	Log struct {
		Level  string `yaml:"level" toml:"level"`   // debug | info | warn | error
		Format string `yaml:"format" toml:"format"` // text | json
	} `yaml:"log" toml:"log"`
}

// Defaults 回傳預設配置
func Defaults() *Config {
	var c Config
	c.Queue.Driver = "file"
	c.Queue.Path = "data/queue"
	c.Queue.Key = "raksha:offlineData"
	c.Queue.MaxPerKind = 500

	c.Journal.Enabled = true
	c.Journal.Path = "data/journal.log"
	c.Journal.RotateAfter = 10000

	c.Replay.MaxAttempts = 5
	c.Replay.MaxAge = Duration(7 * 24 * time.Hour)
	c.Replay.ItemTimeout = Duration(15 * time.Second)
	c.Replay.DrainOnStart = true

	c.Gateway.BaseURL = "http://localhost:5000/api"
	c.Gateway.Timeout = Duration(15 * time.Second)

	c.Connectivity.ProbeInterval = Duration(10 * time.Second)
	c.Connectivity.ProbeTimeout = Duration(3 * time.Second)

	c.Shell.Enabled = true
	c.Shell.Origin = "http://localhost:5000"
	c.Shell.CacheName = "raksha-sahayak-v1"
	c.Shell.FetchWorkers = 4

	c.SOS.Hold = Duration(3 * time.Second)
	c.SOS.Cooldown = Duration(5 * time.Second)

	c.Advisor.Timeout = Duration(20 * time.Second)

	c.Server.Addr = ":8080"

	c.Metrics.Enabled = true

	c.Log.Level = "info"
	c.Log.Format = "text"
	return &c
}

// Load 讀取配置檔並套用 dotenv 與環境變數；path 為空時只用預設值
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
	}

	if cfg.EnvFile != "" {
		if err := godotenv.Load(cfg.EnvFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", cfg.EnvFile, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config TOML: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		return fmt.Errorf("%w: unsupported config format %q", ErrInvalid, filepath.Ext(path))
	}
	return nil
}

// ApplyEnv 以 RAKSHA_* 環境變數覆寫配置
// lookup 通常是 os.LookupEnv，測試時可替換
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			}
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = splitList(v)
		}
	}

	str("QUEUE_DRIVER", &c.Queue.Driver)
	str("QUEUE_PATH", &c.Queue.Path)
	str("REDIS_ADDR", &c.Queue.RedisAddr)
	str("REDIS_PASSWORD", &c.Queue.RedisPassword)
	str("JOURNAL_PATH", &c.Journal.Path)
	boolean("JOURNAL_ENABLED", &c.Journal.Enabled)
	integer("MAX_ATTEMPTS", &c.Replay.MaxAttempts)
	duration("MAX_AGE", &c.Replay.MaxAge)
	str("GATEWAY_URL", &c.Gateway.BaseURL)
	str("IDENTITY_SECRET", &c.Identity.Secret)
	str("IDENTITY_TOKEN", &c.Identity.Token)
	str("PROBE_URL", &c.Connectivity.ProbeURL)
	str("SHELL_ORIGIN", &c.Shell.Origin)
	boolean("SKIP_WAITING", &c.Shell.SkipWaiting)
	list("SOS_CONTACTS", &c.SOS.Contacts)
	str("ADVISOR_ENDPOINT", &c.Advisor.Endpoint)
	str("ADVISOR_API_KEY", &c.Advisor.APIKey)
	str("PUSH_URL", &c.Push.URL)
	str("ADDR", &c.Server.Addr)
	str("GRPC_ADDR", &c.Server.GRPCAddr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup(EnvPrefix + "USER_ID"); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sUSER_ID: %w", EnvPrefix, err))
		} else {
			c.Identity.UserID = id
		}
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate 檢查配置
func (c *Config) Validate() error {
	var problems []string
	switch strings.ToLower(c.Queue.Driver) {
	case "file", "bolt", "memory":
	case "redis":
		if c.Queue.RedisAddr == "" {
			problems = append(problems, "queue.redis_addr is required for the redis driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("queue.driver %q is not one of file, bolt, redis, memory", c.Queue.Driver))
	}
	if d := strings.ToLower(c.Queue.Driver); (d == "file" || d == "bolt") && c.Queue.Path == "" {
		problems = append(problems, "queue.path is required for the file and bolt drivers")
	}
	if c.Queue.Key == "" {
		problems = append(problems, "queue.key is required")
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		problems = append(problems, "journal.path is required when the journal is enabled")
	}
	if c.Replay.MaxAttempts < 1 {
		problems = append(problems, "replay.max_attempts must be at least 1")
	}
	if c.Replay.MaxAge < 0 || c.Replay.ItemTimeout < 0 {
		problems = append(problems, "replay durations must not be negative")
	}
	if !absoluteURL(c.Gateway.BaseURL) {
		problems = append(problems, "gateway.base_url must be an absolute http(s) URL")
	}
	if c.Connectivity.ProbeURL != "" && !absoluteURL(c.Connectivity.ProbeURL) {
		problems = append(problems, "connectivity.probe_url must be an absolute http(s) URL")
	}
	if c.Shell.Enabled && !absoluteURL(c.Shell.Origin) {
		problems = append(problems, "shell.origin must be an absolute http(s) URL")
	}
	if c.Identity.UserID < 0 {
		problems = append(problems, "identity.user_id must not be negative")
	}
	if c.Identity.Token != "" && c.Identity.Secret == "" {
		problems = append(problems, "identity.secret is required to verify identity.token")
	}
	if c.SOS.Hold < 0 || c.SOS.Cooldown < 0 {
		problems = append(problems, "sos durations must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not one of text, json", c.Log.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func absoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
