package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	internalPaths "ota-agent/internal"

	"gopkg.in/ini.v1"
)

// RebootPolicy decides when an action carrying an OS chunk reboots the target
type RebootPolicy string

const (
	// RebootDeferred reboots once every chunk of the action has resolved
	RebootDeferred RebootPolicy = "deferred"
	// RebootImmediate reboots right after the OS chunk is staged
	RebootImmediate RebootPolicy = "immediate"
)

// Client is the [client] section: how to reach the update server
type Client struct {
	URLPort    string `ini:"hawkbit_url_port"`
	SSL        bool   `ini:"hawkbit_ssl"`
	TenantID   string `ini:"hawkbit_tenant_id"`
	TargetName string `ini:"hawkbit_target_name"`
	AuthToken  string `ini:"hawkbit_auth_token"`
	LogLevel   string `ini:"log_level"`
}

// OSTree is the [ostree] section: remotes and repositories
type OSTree struct {
	RemoteName string `ini:"ostree_name_remote"`
	GPGVerify  bool   `ini:"ostree_gpg-verify"`
	SSL        bool   `ini:"ostree_ssl"`
	URLPort    string `ini:"ostree_url_port"`
	OSRepo     string `ini:"os_repo"`
	AppsRepo   string `ini:"apps_repo"`
	OSName     string `ini:"os_name"`
}

// Server is the [server] section
type Server struct {
	HostName    string `ini:"server_host_name"`
	MDNSService string `ini:"mdns_service"`
}

// Agent is the [agent] section: local behaviour of the update engine
type Agent struct {
	RebootPolicy   RebootPolicy  `ini:"reboot_policy"`
	RetryBackoff   time.Duration `ini:"retry_backoff"`
	NotifyTimeout  time.Duration `ini:"notify_timeout"`
	APIPort        int           `ini:"api_port"`
	MDNSAnnounce   bool          `ini:"mdns_announce"`
	AppsDir        string        `ini:"apps_dir"`
	UnitsDir       string        `ini:"units_dir"`
	NotifyDir      string        `ini:"notify_dir"`
	RebootJournal  string        `ini:"reboot_journal"`
	RevisionLedger string        `ini:"revision_ledger"`
	ContainerUID   int           `ini:"container_uid"`
	ContainerGID   int           `ini:"container_gid"`
	BootMarkerVar  string        `ini:"boot_marker_var"`
	SystemdSocket  string        `ini:"systemd_socket"`
	JournalLines   int           `ini:"journal_lines"`
}

// Config is the whole agent configuration
type Config struct {
	Client Client `ini:"client"`
	OSTree OSTree `ini:"ostree"`
	Server Server `ini:"server"`
	Agent  Agent  `ini:"agent"`
}

// Default returns a configuration with every optional key set
func Default() *Config {
	return &Config{
		Client: Client{LogLevel: "info"},
		OSTree: OSTree{OSRepo: internalPaths.DefaultOSRepo},
		Agent: Agent{
			RebootPolicy:   RebootDeferred,
			RetryBackoff:   60 * time.Second,
			NotifyTimeout:  5 * time.Minute,
			APIPort:        2371,
			AppsDir:        internalPaths.GetAppsRoot(),
			UnitsDir:       internalPaths.DefaultUnitsDir,
			NotifyDir:      internalPaths.DefaultNotifyDir,
			RebootJournal:  internalPaths.DefaultRebootJournal,
			RevisionLedger: internalPaths.DefaultRevisionLedger,
			ContainerUID:   1000,
			ContainerGID:   1000,
			BootMarkerVar:  "init_var",
			JournalLines:   10,
		},
	}
}

// Load reads an INI config file on top of the defaults
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("cannot read config file '%s': %w", path, err)
	}

	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file '%s': %w", path, err)
	}

	cfg := Default()
	if err := file.MapTo(cfg); err != nil {
		return nil, fmt.Errorf("failed to map config file '%s': %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the keys the agent cannot run without
func (c *Config) Validate() error {
	var missing []string
	if c.Client.TenantID == "" {
		missing = append(missing, "client.hawkbit_tenant_id")
	}
	if c.Client.TargetName == "" {
		missing = append(missing, "client.hawkbit_target_name")
	}
	if c.Client.URLPort == "" {
		missing = append(missing, "client.hawkbit_url_port")
	}
	if c.OSTree.RemoteName == "" {
		missing = append(missing, "ostree.ostree_name_remote")
	}
	if c.OSTree.URLPort == "" {
		missing = append(missing, "ostree.ostree_url_port")
	}
	if c.Server.HostName == "" && c.Server.MDNSService == "" {
		missing = append(missing, "server.server_host_name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config keys: %s", strings.Join(missing, ", "))
	}

	switch c.Agent.RebootPolicy {
	case RebootDeferred, RebootImmediate:
	default:
		return fmt.Errorf("invalid agent.reboot_policy %q", c.Agent.RebootPolicy)
	}
	if c.Agent.RetryBackoff <= 0 {
		return errors.New("agent.retry_backoff must be positive")
	}
	return nil
}

// ServerHost returns host:port of the update server as configured
func (c *Config) ServerHost() string {
	return c.Server.HostName + ".local:" + c.Client.URLPort
}

// ServerURL returns the base URL of the update server for the given host:port
func (c *Config) ServerURL(host string) string {
	return scheme(c.Client.SSL) + host
}

// OSTreeURL returns the URL every OSTree remote is registered with
func (c *Config) OSTreeURL(hostname string) string {
	return scheme(c.OSTree.SSL) + hostname + ":" + c.OSTree.URLPort
}

// OSTreeHost returns the host the OSTree server is reached at
func (c *Config) OSTreeHost() string {
	return c.Server.HostName + ".local"
}

// AppsRepo returns the containers content store, under the apps root unless configured
func (c *Config) AppsRepo() string {
	if c.OSTree.AppsRepo != "" {
		return c.OSTree.AppsRepo
	}
	return internalPaths.AppsRepoPath(c.Agent.AppsDir)
}

// LogLevel maps the configured level, falling back to info
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Client.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func scheme(ssl bool) string {
	if ssl {
		return "https://"
	}
	return "http://"
}
