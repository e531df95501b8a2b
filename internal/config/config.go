// Package config handles lanshare configuration for the server and client.
//
// Settings come from command-line flags, LANSHARE_* environment variables
// and an optional YAML file. Precedence, highest first: command line,
// config file, environment, built-in default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"
)

// Error reports an unusable configuration. It is fatal at startup.
type Error struct {
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "config: " + e.Err.Error()
	}
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ServerConfig is built once at startup and read-only afterwards.
type ServerConfig struct {
	Dir           string `short:"d" long:"dir" env:"LANSHARE_DIR" default:"." description:"Directory to share"`
	Host          string `long:"host" env:"LANSHARE_HOST" default:"0.0.0.0" description:"Address to bind"`
	Port          int    `short:"p" long:"port" env:"LANSHARE_PORT" default:"8000" description:"Port to listen on"`
	UploadEnabled bool   `short:"u" long:"upload" env:"LANSHARE_UPLOAD" description:"Accept uploads from peers"`
	MaxConns      int    `long:"max-conns" env:"LANSHARE_MAX_CONNS" default:"256" description:"Maximum simultaneous connections"`
	MaxUploadSize int64  `long:"max-upload-size" env:"LANSHARE_MAX_UPLOAD_SIZE" default:"0" description:"Largest accepted upload in bytes (0 = unlimited)"`
	MetricsAddr   string `long:"metrics" env:"LANSHARE_METRICS_ADDR" description:"Serve Prometheus metrics on this address"`
	Name          string `long:"name" env:"LANSHARE_NAME" description:"Name announced to scanners (default: hostname)"`
	LogLevel      string `long:"log-level" env:"LANSHARE_LOG_LEVEL" default:"info" description:"debug, info, warn or error"`
	LogFormat     string `long:"log-format" env:"LANSHARE_LOG_FORMAT" default:"json" choice:"json" choice:"console" description:"Log encoding"`
	ConfigFile    string `short:"c" long:"config" env:"LANSHARE_CONFIG" description:"YAML file with settings"`
	QR            bool   `long:"qr" description:"Print a QR code of the server URL"`

	// Root is the canonical absolute form of Dir, filled in by Validate.
	Root string `no-flag:"true"`
}

// ServerOverride uses pointer fields to tell unset values from zero values.
type ServerOverride struct {
	Dir           *string `yaml:"dir,omitempty"`
	Host          *string `yaml:"host,omitempty"`
	Port          *int    `yaml:"port,omitempty"`
	UploadEnabled *bool   `yaml:"upload,omitempty"`
	MaxConns      *int    `yaml:"max_conns,omitempty"`
	MaxUploadSize *int64  `yaml:"max_upload_size,omitempty"`
	MetricsAddr   *string `yaml:"metrics,omitempty"`
	Name          *string `yaml:"name,omitempty"`
	LogLevel      *string `yaml:"log_level,omitempty"`
	LogFormat     *string `yaml:"log_format,omitempty"`
}

// ClientConfig configures the interactive client.
type ClientConfig struct {
	Port         int           `short:"p" long:"port" env:"LANSHARE_PORT" default:"8000" description:"Server port"`
	DownloadDir  string        `short:"o" long:"download-dir" env:"LANSHARE_DOWNLOAD_DIR" default:"downloads" description:"Where downloads are stored"`
	Discover     bool          `long:"discover" description:"Scan the local subnet, print servers and exit"`
	Timeout      time.Duration `long:"timeout" env:"LANSHARE_TIMEOUT" default:"10s" description:"Timeout for non-transfer requests"`
	ScanDeadline time.Duration `long:"scan-deadline" env:"LANSHARE_SCAN_DEADLINE" default:"5s" description:"Upper bound on a subnet scan"`
	LogLevel     string        `long:"log-level" env:"LANSHARE_LOG_LEVEL" default:"warn" description:"debug, info, warn or error"`
	ConfigFile   string        `short:"c" long:"config" env:"LANSHARE_CONFIG" description:"YAML file with settings"`

	Args struct {
		Server string `positional-arg-name:"server" description:"Server address (host or host:port)"`
	} `positional-args:"yes"`
}

// ClientOverride is the YAML form of ClientConfig.
type ClientOverride struct {
	Server       *string        `yaml:"server,omitempty"`
	Port         *int           `yaml:"port,omitempty"`
	DownloadDir  *string        `yaml:"download_dir,omitempty"`
	Timeout      *time.Duration `yaml:"timeout,omitempty"`
	ScanDeadline *time.Duration `yaml:"scan_deadline,omitempty"`
	LogLevel     *string        `yaml:"log_level,omitempty"`
}

// explicit reports whether a long option was given on the command line.
type explicit func(long string) bool

func explicitFor(p *flags.Parser) explicit {
	return func(long string) bool {
		opt := p.FindOptionByLongName(long)
		return opt != nil && opt.IsSet() && !opt.IsSetDefault()
	}
}

// ParseServer parses server flags and the optional config file.
// A help request is returned as a *flags.Error of type flags.ErrHelp.
func ParseServer(args []string) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	p := flags.NewParser(cfg, flags.Default)
	p.Name = "lanshare-server"
	if _, err := p.ParseArgs(args); err != nil {
		return nil, err
	}
	if cfg.ConfigFile != "" {
		var o ServerOverride
		if err := loadYAML(cfg.ConfigFile, &o); err != nil {
			return nil, err
		}
		cfg.Merge(&o, explicitFor(p))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Merge applies non-nil values from o unless skip reports the option as set.
func (c *ServerConfig) Merge(o *ServerOverride, skip explicit) {
	if skip == nil {
		skip = func(string) bool { return false }
	}
	setString(&c.Dir, o.Dir, skip("dir"))
	setString(&c.Host, o.Host, skip("host"))
	setInt(&c.Port, o.Port, skip("port"))
	if o.UploadEnabled != nil && !skip("upload") {
		c.UploadEnabled = *o.UploadEnabled
	}
	setInt(&c.MaxConns, o.MaxConns, skip("max-conns"))
	if o.MaxUploadSize != nil && !skip("max-upload-size") {
		c.MaxUploadSize = *o.MaxUploadSize
	}
	setString(&c.MetricsAddr, o.MetricsAddr, skip("metrics"))
	setString(&c.Name, o.Name, skip("name"))
	setString(&c.LogLevel, o.LogLevel, skip("log-level"))
	setString(&c.LogFormat, o.LogFormat, skip("log-format"))
}

// Validate canonicalises Root and checks the numeric limits.
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return &Error{Field: "port", Err: fmt.Errorf("%d out of range", c.Port)}
	}
	if c.MaxConns < 1 {
		return &Error{Field: "max-conns", Err: fmt.Errorf("must be at least 1, got %d", c.MaxConns)}
	}
	if c.MaxUploadSize < 0 {
		return &Error{Field: "max-upload-size", Err: fmt.Errorf("must not be negative")}
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return &Error{Field: "log-format", Err: fmt.Errorf("unknown format %q", c.LogFormat)}
	}

	root, err := CanonicalRoot(c.Dir)
	if err != nil {
		return err
	}
	c.Root = root

	if c.Name == "" {
		if host, err := os.Hostname(); err == nil {
			c.Name = host
		}
	}
	return nil
}

// Addr returns host:port for net.Listen.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CanonicalRoot makes dir absolute with symlinks resolved and checks it is a directory.
func CanonicalRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", &Error{Field: "dir", Err: err}
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", &Error{Field: "dir", Err: err}
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", &Error{Field: "dir", Err: err}
	}
	if !info.IsDir() {
		return "", &Error{Field: "dir", Err: fmt.Errorf("%s is not a directory", resolved)}
	}
	return resolved, nil
}

// ParseClient parses client flags and the optional config file.
func ParseClient(args []string) (*ClientConfig, error) {
	cfg := &ClientConfig{}
	p := flags.NewParser(cfg, flags.Default)
	p.Name = "lanshare"
	if _, err := p.ParseArgs(args); err != nil {
		return nil, err
	}
	if cfg.ConfigFile != "" {
		var o ClientOverride
		if err := loadYAML(cfg.ConfigFile, &o); err != nil {
			return nil, err
		}
		cfg.Merge(&o, explicitFor(p))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Merge applies non-nil values from o unless skip reports the option as set.
func (c *ClientConfig) Merge(o *ClientOverride, skip explicit) {
	if skip == nil {
		skip = func(string) bool { return false }
	}
	if o.Server != nil && c.Args.Server == "" {
		c.Args.Server = *o.Server
	}
	setInt(&c.Port, o.Port, skip("port"))
	setString(&c.DownloadDir, o.DownloadDir, skip("download-dir"))
	if o.Timeout != nil && !skip("timeout") {
		c.Timeout = *o.Timeout
	}
	if o.ScanDeadline != nil && !skip("scan-deadline") {
		c.ScanDeadline = *o.ScanDeadline
	}
	setString(&c.LogLevel, o.LogLevel, skip("log-level"))
}

// Validate checks limits and makes sure the download directory exists.
func (c *ClientConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return &Error{Field: "port", Err: fmt.Errorf("%d out of range", c.Port)}
	}
	if c.Timeout <= 0 {
		return &Error{Field: "timeout", Err: fmt.Errorf("must be positive")}
	}
	if c.ScanDeadline <= 0 {
		return &Error{Field: "scan-deadline", Err: fmt.Errorf("must be positive")}
	}
	abs, err := filepath.Abs(c.DownloadDir)
	if err != nil {
		return &Error{Field: "download-dir", Err: err}
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return &Error{Field: "download-dir", Err: err}
	}
	c.DownloadDir = abs
	return nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &Error{Field: "config", Err: err}
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return &Error{Field: "config", Err: fmt.Errorf("parse %s: %w", path, err)}
	}
	return nil
}

func setString(dst *string, v *string, skip bool) {
	if v != nil && !skip {
		*dst = *v
	}
}

func setInt(dst *int, v *int, skip bool) {
	if v != nil && !skip {
		*dst = *v
	}
}
