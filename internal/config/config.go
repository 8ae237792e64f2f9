package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration settings for the application
type Config struct {
	// ListenAddr is the address and port for the web server
	ListenAddr string `toml:"listen_addr"`

	// DatabasePath is the path to the SQLite database file
	DatabasePath string `toml:"database_path"`

	// SessionSecret signs the admin session cookie
	SessionSecret string `toml:"session_secret"`

	LogLevel string `toml:"log_level"`
	LogDir   string `toml:"log_dir"`

	// Environment is "production" or "development"
	Environment string `toml:"environment"`

	// DockerEnv marks a containerized deployment
	DockerEnv bool `toml:"docker_env"`

	Admin  AdminConfig  `toml:"admin"`
	Update UpdateConfig `toml:"update"`
}

// AdminConfig guards the update endpoints.
type AdminConfig struct {
	// TokenHash is a bcrypt hash of the bearer token accepted in place of a session
	TokenHash string `toml:"token_hash"`
}

// UpdateConfig configures release lookup and both update strategies.
type UpdateConfig struct {
	Owner      string `toml:"owner"`
	Repo       string `toml:"repo"`
	APIBaseURL string `toml:"api_base_url"`

	// Method forces "docker" or "git"; empty means detect
	Method string `toml:"method"`

	CacheTTL       time.Duration `toml:"cache_ttl"`
	CheckSchedule  string        `toml:"check_schedule"`
	BackupDir      string        `toml:"backup_dir"`
	MinFreeBytes   uint64        `toml:"min_free_bytes"`
	StepTimeout    time.Duration `toml:"step_timeout"`
	// HandoffTimeout fails a handed off restart that left this process running.
	HandoffTimeout time.Duration `toml:"handoff_timeout"`

	Docker DockerConfig `toml:"docker"`
	Git    GitConfig    `toml:"git"`
}

// DockerConfig describes the container that gets replaced.
type DockerConfig struct {
	Image         string        `toml:"image"`
	ContainerName string        `toml:"container_name"`
	Ports         []string      `toml:"ports"`
	Volumes       []string      `toml:"volumes"`
	RestartPolicy string        `toml:"restart_policy"`
	Socket        string        `toml:"socket"`
	Wait          time.Duration `toml:"wait"`
	FinalizerArgs []string      `toml:"finalizer_args"`
}

// GitConfig describes the source checkout that gets rebuilt.
type GitConfig struct {
	WorkDir        string        `toml:"work_dir"`
	Remote         string        `toml:"remote"`
	Branch         string        `toml:"branch"`
	FallbackBranch string        `toml:"fallback_branch"`
	BuildPackage   string        `toml:"build_package"`
	BinaryPath     string        `toml:"binary_path"`
	GoBinary       string        `toml:"go_binary"`
	RestartCommand []string      `toml:"restart_command"`
	Wait           time.Duration `toml:"wait"`
}

// Default returns the configuration used when no file or environment overrides exist.
func Default() *Config {
	return &Config{
		ListenAddr:   DefaultListenAddr,
		DatabasePath: "projectshelf.db",
		LogLevel:     "info",
		LogDir:       "logs",
		Environment:  "development",
		Update: UpdateConfig{
			Owner:          DefaultOwner,
			Repo:           DefaultRepo,
			APIBaseURL:     DefaultAPIBaseURL,
			CacheTTL:       5 * time.Minute,
			CheckSchedule:  "@every 6h",
			BackupDir:      "backups",
			MinFreeBytes:   200 << 20,
			StepTimeout:    10 * time.Minute,
			HandoffTimeout: 5 * time.Minute,
			Docker: DockerConfig{
				Image:         DefaultImage,
				ContainerName: DefaultContainerName,
				Ports:         []string{"8081:8080"},
				Volumes:       []string{"data:/app/data"},
				RestartPolicy: "unless-stopped",
				Socket:        "/var/run/docker.sock",
				Wait:          30 * time.Second,
				FinalizerArgs: []string{"update", "finalize"},
			},
			Git: GitConfig{
				WorkDir:        ".",
				Remote:         "origin",
				Branch:         "main",
				FallbackBranch: "master",
				BuildPackage:   "./cmd/projectshelf",
				GoBinary:       "go",
				RestartCommand: []string{"systemctl", "restart", "projectshelf"},
				Wait:           60 * time.Second,
			},
		},
	}
}

// Load loads the configuration from file and environment variables.
// An empty path means $PROJECTSHELF_CONFIG, then config.toml; a missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("PROJECTSHELF_CONFIG")
	}
	if path == "" {
		path = "config.toml"
	}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if !filepath.IsAbs(cfg.Update.BackupDir) {
		abs, err := filepath.Abs(cfg.Update.BackupDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for backup_dir: %w", err)
		}
		cfg.Update.BackupDir = abs
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString(&cfg.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.DatabasePath, "DATABASE_PATH")
	setString(&cfg.SessionSecret, "SESSION_SECRET")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogDir, "LOG_DIR")
	setString(&cfg.Admin.TokenHash, "PROJECTSHELF_ADMIN_TOKEN_HASH")
	setString(&cfg.Update.Method, "PROJECTSHELF_UPDATE_METHOD")
	setString(&cfg.Update.APIBaseURL, "PROJECTSHELF_RELEASES_API")
	setString(&cfg.Update.BackupDir, "PROJECTSHELF_BACKUP_DIR")
	setString(&cfg.Update.Docker.Image, "PROJECTSHELF_DOCKER_IMAGE")
	setString(&cfg.Update.Docker.ContainerName, "PROJECTSHELF_CONTAINER_NAME")
	setString(&cfg.Update.Git.WorkDir, "PROJECTSHELF_GIT_DIR")

	// NODE_ENV is still honoured for deployments migrated from the old stack.
	if v := os.Getenv("NODE_ENV"); v != "" {
		cfg.Environment = v
	}
	setString(&cfg.Environment, "PROJECTSHELF_ENV")

	if v := os.Getenv("DOCKER_ENV"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DockerEnv = b
		}
	}
}

// Validate reports settings that would make the updater misbehave.
func (c *Config) Validate() error {
	switch c.Update.Method {
	case "", "docker", "git":
	default:
		return fmt.Errorf("invalid update method %q: must be docker or git", c.Update.Method)
	}
	if c.Update.Owner == "" || c.Update.Repo == "" {
		return fmt.Errorf("update owner and repo must be set")
	}
	if c.Update.CacheTTL <= 0 {
		return fmt.Errorf("update cache_ttl must be positive")
	}
	if c.Update.StepTimeout <= 0 {
		return fmt.Errorf("update step_timeout must be positive")
	}
	if c.Update.HandoffTimeout <= 0 {
		return fmt.Errorf("update handoff_timeout must be positive")
	}
	if c.Update.Docker.Wait <= 0 || c.Update.Git.Wait <= 0 {
		return fmt.Errorf("update wait ceilings must be positive")
	}
	return nil
}

// Production reports whether the environment is production.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	parts := []string{
		fmt.Sprintf("ListenAddr: %s", c.ListenAddr),
		fmt.Sprintf("DatabasePath: %s", c.DatabasePath),
		fmt.Sprintf("Environment: %s", c.Environment),
		fmt.Sprintf("DockerEnv: %t", c.DockerEnv),
		fmt.Sprintf("UpdateMethod: %q", c.Update.Method),
		fmt.Sprintf("Releases: %s/%s", c.Update.Owner, c.Update.Repo),
	}
	return strings.Join(parts, ", ")
}
