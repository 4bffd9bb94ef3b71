package main

import (
	"bytes"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/searchfly/segrep"
	"github.com/searchfly/segrep/consul"
	"github.com/searchfly/segrep/http"
	"gopkg.in/yaml.v3"
)

// NOTE: Update etc/segrep.yml configuration file after changing the structure below.

// Config represents a configuration for the binary process.
type Config struct {
	Exec        string `yaml:"exec"`
	ExitOnError bool   `yaml:"exit-on-error"`
	SkipSync    bool   `yaml:"skip-sync"`

	Data        DataConfig        `yaml:"data"`
	HTTP        HTTPConfig        `yaml:"http"`
	Proxy       ProxyConfig       `yaml:"proxy"`
	Lease       LeaseConfig       `yaml:"lease"`
	Replication ReplicationConfig `yaml:"replication"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// NewConfig returns a new instance of Config with defaults set.
func NewConfig() Config {
	var config Config
	config.ExitOnError = true

	config.HTTP.Addr = http.DefaultAddr

	config.Lease.Candidate = true
	config.Lease.Consul.TTL = consul.DefaultTTL
	config.Lease.Consul.LockDelay = consul.DefaultLockDelay

	config.Replication.ChunkSize = segrep.DefaultChunkSize
	config.Replication.MaxConcurrentFiles = segrep.DefaultMaxConcurrentFiles
	config.Replication.RetryTimeout = segrep.DefaultRetryTimeout
	config.Replication.MergedTimeout = segrep.DefaultMergedTimeout

	config.Tracing.MaxSize = DefaultTracingMaxSize
	config.Tracing.MaxCount = DefaultTracingMaxCount
	config.Tracing.Compress = DefaultTracingCompress

	return config
}

// DataConfig represents the configuration for the local segment store.
type DataConfig struct {
	Dir string `yaml:"dir"`

	// If set, terminal replication events are appended to a SQLite database
	// at this path.
	EventLogPath string `yaml:"event-log-path"`
}

// HTTPConfig represents the configuration for the HTTP server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// ProxyConfig represents the configuration for the HTTP proxy server.
type ProxyConfig struct {
	Addr        string   `yaml:"addr"`
	Target      string   `yaml:"target"`
	Index       string   `yaml:"index"`
	Debug       bool     `yaml:"debug"`
	Passthrough []string `yaml:"passthrough"`
}

// LeaseConfig represents a generic configuration for all lease types.
type LeaseConfig struct {
	// Specifies the type of leasing to use: "consul" or "static"
	Type string `yaml:"type"`

	// The hostname of this node. Used by the application to forward requests.
	Hostname string `yaml:"hostname"`

	// URL for other nodes to access this node's API.
	AdvertiseURL string `yaml:"advertise-url"`

	// Specifies if this node can become primary. Defaults to true.
	//
	// If using a "static" lease, setting this to true makes it the primary.
	// Replicas in a static lease should set this to false.
	Candidate bool `yaml:"candidate"`

	// Consul lease settings.
	Consul struct {
		URL       string        `yaml:"url"`
		Key       string        `yaml:"key"`
		TTL       time.Duration `yaml:"ttl"`
		LockDelay time.Duration `yaml:"lock-delay"`
	} `yaml:"consul"`
}

// ReplicationConfig represents the tuning knobs for segment copy.
type ReplicationConfig struct {
	ChunkSize          int `yaml:"chunk-size"`
	MaxConcurrentFiles int `yaml:"max-concurrent-files"`

	// Byte rates for ordinary & post-merge segment copy. Zero is unlimited.
	MaxBytesPerSec       int64 `yaml:"max-bytes-per-sec"`
	MaxMergedBytesPerSec int64 `yaml:"max-merged-bytes-per-sec"`

	RetryTimeout  time.Duration `yaml:"retry-timeout"`
	MergedTimeout time.Duration `yaml:"merged-timeout"`
}

// Tracing configuration defaults.
const (
	DefaultTracingMaxSize  = 64 // MB
	DefaultTracingMaxCount = 8
	DefaultTracingCompress = true
)

// TracingConfig represents the configuration the on-disk trace log.
type TracingConfig struct {
	Path     string `yaml:"path"`
	MaxSize  int    `yaml:"max-size"`
	MaxCount int    `yaml:"max-count"`
	Compress bool   `yaml:"compress"`
}

// UnmarshalConfig unmarshals config from data.
// If expandEnv is true then environment variables are expanded in the config.
func UnmarshalConfig(config *Config, data []byte, expandEnv bool) error {
	// Expand environment variables, if enabled.
	if expandEnv {
		data = []byte(ExpandEnv(string(data)))
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // strict checking
	if err := dec.Decode(&config); err != nil {
		return err
	}
	return nil
}

// ExpandEnv replaces environment variables just like os.ExpandEnv() but also
// allows for equality/inequality binary expressions within the ${} form.
func ExpandEnv(s string) string {
	return os.Expand(s, func(v string) string {
		v = strings.TrimSpace(v)

		if a := expandExprSingleQuote.FindStringSubmatch(v); a != nil {
			if a[2] == "==" {
				return strconv.FormatBool(os.Getenv(a[1]) == a[3])
			}
			return strconv.FormatBool(os.Getenv(a[1]) != a[3])
		}

		if a := expandExprDoubleQuote.FindStringSubmatch(v); a != nil {
			if a[2] == "==" {
				return strconv.FormatBool(os.Getenv(a[1]) == a[3])
			}
			return strconv.FormatBool(os.Getenv(a[1]) != a[3])
		}

		if a := expandExprVar.FindStringSubmatch(v); a != nil {
			if a[2] == "==" {
				return strconv.FormatBool(os.Getenv(a[1]) == os.Getenv(a[3]))
			}
			return strconv.FormatBool(os.Getenv(a[1]) != os.Getenv(a[3]))
		}

		return os.Getenv(v)
	})
}

var (
	expandExprSingleQuote = regexp.MustCompile(`^(\w+)\s*(==|!=)\s*'(.*)'$`)
	expandExprDoubleQuote = regexp.MustCompile(`^(\w+)\s*(==|!=)\s*"(.*)"$`)
	expandExprVar         = regexp.MustCompile(`^(\w+)\s*(==|!=)\s*(\w+)$`)
)

// splitArgs returns the list of args before and after a "--" arg. If the double
// dash is not specified, then args0 is args and args1 is empty.
func splitArgs(args []string) (args0, args1 []string) {
	for i, v := range args {
		if v == "--" {
			return args[:i], args[i+1:]
		}
	}
	return args, nil
}

// configSearchPaths returns paths to search for the config file. It starts with
// the current directory, then home directory, if available. And finally it tries
// to read from the /etc directory.
func configSearchPaths() []string {
	a := []string{"segrep.yml"}
	if u, _ := user.Current(); u != nil && u.HomeDir != "" {
		a = append(a, filepath.Join(u.HomeDir, "segrep.yml"))
	}
	a = append(a, "/etc/segrep.yml")
	return a
}
