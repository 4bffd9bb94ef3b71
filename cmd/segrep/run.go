package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/searchfly/segrep"
	"github.com/searchfly/segrep/consul"
	"github.com/searchfly/segrep/http"
	"github.com/searchfly/segrep/kube"
	"gopkg.in/natefinch/lumberjack.v2"
)

// RunCommand represents a command to run the replication node.
type RunCommand struct {
	cmd    *exec.Cmd  // subcommand
	execCh chan error // subcommand error channel

	Config Config

	Store       *segrep.Store
	Leaser      segrep.Leaser
	HTTPServer  *http.Server
	ProxyServer *http.ProxyServer

	// Used for generating the advertise URL for testing.
	AdvertiseURLFn func() string
}

// NewRunCommand returns a new instance of RunCommand.
func NewRunCommand() *RunCommand {
	return &RunCommand{
		execCh: make(chan error),
		Config: NewConfig(),
	}
}

func (c *RunCommand) Cmd() *exec.Cmd     { return c.cmd }
func (c *RunCommand) ExecCh() chan error { return c.execCh }

// ParseFlags parses the command line flags & config file.
func (c *RunCommand) ParseFlags(ctx context.Context, args []string) (err error) {
	// Split the args list if there is a double dash arg included. Arguments
	// after the double dash are used as the "exec" subprocess config option.
	args0, args1 := splitArgs(args)

	fs := flag.NewFlagSet("segrep-run", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	noExpandEnv := fs.Bool("no-expand-env", false, "do not expand env vars in config")
	tracing := fs.Bool("tracing", false, "enable trace logging to stdout")
	fs.Usage = func() {
		fmt.Println(`
The run command starts a segment replication node. The node serves its local
segment store over HTTP and begins communicating with the cluster. It acts as
the replication source once it becomes primary, or as a target that copies
segments from the primary otherwise.

All options are specified in the segrep.yml config file which is searched for in
the present working directory, the current user's home directory, and then
finally at /etc/segrep.yml.

Usage:

	segrep run [arguments]

Arguments:
`[1:])
		fs.PrintDefaults()
		fmt.Println("")
	}
	if err := fs.Parse(args0); err != nil {
		return err
	} else if fs.NArg() > 0 {
		return fmt.Errorf("too many arguments, specify a '--' to specify an exec command")
	}

	if err := c.parseConfig(ctx, *configPath, !*noExpandEnv); err != nil {
		return err
	}

	// Override "exec" field if specified on the CLI.
	if args1 != nil {
		c.Config.Exec = strings.Join(args1, " ")
	}

	// Enable trace logging, if specified. The config settings specify a rolling
	// on-disk log whereas the CLI flag specifies output to STDOUT.
	var tw io.Writer
	if c.Config.Tracing.Path != "" {
		log.Printf("trace log enabled: %s", c.Config.Tracing.Path)
		tw = &lumberjack.Logger{
			Filename:   c.Config.Tracing.Path,
			MaxSize:    c.Config.Tracing.MaxSize,
			MaxBackups: c.Config.Tracing.MaxCount,
			Compress:   c.Config.Tracing.Compress,
		}
	}
	if *tracing {
		if tw == nil {
			tw = os.Stdout
		} else {
			tw = io.MultiWriter(os.Stdout, tw)
		}
	}
	if tw != nil {
		segrep.TraceLog.SetOutput(tw)
	}

	return nil
}

// parseConfig parses the configuration file from configPath, if specified.
// Otherwise searches the standard list of search paths. Returns an error if
// no configuration files could be found.
func (c *RunCommand) parseConfig(ctx context.Context, configPath string, expandEnv bool) (err error) {
	// Only read from explicit path, if specified. Report any error.
	if configPath != "" {
		buf, err := os.ReadFile(configPath)
		if err != nil {
			return err
		}
		return UnmarshalConfig(&c.Config, buf, expandEnv)
	}

	// Otherwise attempt to read each config path until we succeed.
	for _, path := range configSearchPaths() {
		if path, err = filepath.Abs(path); err != nil {
			return err
		}

		buf, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return fmt.Errorf("cannot read config file at %s: %s", path, err)
		}

		if err := UnmarshalConfig(&c.Config, buf, expandEnv); err != nil {
			return fmt.Errorf("cannot unmarshal config file at %s: %s", path, err)
		}

		fmt.Printf("config file read from %s\n", path)
		return nil
	}

	return fmt.Errorf("config file not found")
}

// Validate validates the application's configuration.
func (c *RunCommand) Validate(ctx context.Context) (err error) {
	if c.Config.Data.Dir == "" {
		return fmt.Errorf("data directory required")
	}

	// Enforce a valid lease mode.
	if !IsValidLeaseType(c.Config.Lease.Type) {
		return fmt.Errorf("invalid lease type, must be either 'consul' or 'static', got: '%v'", c.Config.Lease.Type)
	}

	return nil
}

const (
	LeaseTypeConsul = "consul"
	LeaseTypeStatic = "static"
)

// IsValidLeaseType returns true if s is a valid lease type.
func IsValidLeaseType(s string) bool {
	switch s {
	case LeaseTypeConsul, LeaseTypeStatic:
		return true
	default:
		return false
	}
}

func (c *RunCommand) Close() (err error) {
	if c.ProxyServer != nil {
		if e := c.ProxyServer.Close(); err == nil {
			err = e
		}
	}

	if c.HTTPServer != nil {
		if e := c.HTTPServer.Close(); err == nil {
			err = e
		}
	}

	if c.Store != nil {
		if e := c.Store.Close(); err == nil {
			err = e
		}
	}

	return err
}

func (c *RunCommand) Run(ctx context.Context) (err error) {
	fmt.Println(VersionString())

	if err := c.Validate(ctx); err != nil {
		return err
	}

	// Start listening on HTTP server first so we can determine the URL.
	if err := c.initStore(ctx); err != nil {
		return fmt.Errorf("cannot init store: %w", err)
	} else if err := c.initHTTPServer(ctx); err != nil {
		return fmt.Errorf("cannot init http server: %w", err)
	} else if err := c.initProxyServer(ctx); err != nil {
		return fmt.Errorf("cannot init proxy server: %w", err)
	}

	// Instantiate leaser.
	switch v := c.Config.Lease.Type; v {
	case LeaseTypeConsul:
		log.Println("Using Consul to determine primary")
		if err := c.initConsul(ctx); err != nil {
			return fmt.Errorf("cannot init consul: %w", err)
		}
	case LeaseTypeStatic:
		log.Printf("Using static primary: primary=%v hostname=%s advertise-url=%s",
			c.Config.Lease.Candidate, c.Config.Lease.Hostname, c.Config.Lease.AdvertiseURL)
		c.Leaser = segrep.NewStaticLeaser(c.Config.Lease.Candidate, c.Config.Lease.Hostname, c.Config.Lease.AdvertiseURL)

		// The static advertise-url setting names the primary node. Replicas
		// derive their own URL so the primary can push segment chunks back.
		if !c.Config.Lease.Candidate {
			advertiseURL := ""
			if c.AdvertiseURLFn != nil {
				advertiseURL = c.AdvertiseURLFn()
			}
			if advertiseURL == "" {
				hostname, err := os.Hostname()
				if err != nil {
					return err
				}
				advertiseURL = fmt.Sprintf("http://%s:%d", hostname, c.HTTPServer.Port())
			}
			c.Store.AdvertiseURL = advertiseURL
		}
	default:
		return fmt.Errorf("invalid lease type: %q", v)
	}

	if err := c.openStore(ctx); err != nil {
		return fmt.Errorf("cannot open store: %w", err)
	}

	c.HTTPServer.Serve()
	log.Printf("http server listening on: %s", c.HTTPServer.URL())

	// Wait until the store either becomes primary or connects to the primary.
	if c.Config.SkipSync {
		log.Printf("skipping cluster sync, starting immediately")
	} else {
		log.Printf("waiting to connect to cluster")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.Store.ReadyCh():
			log.Printf("connected to cluster, ready")
		}
	}

	// Execute subcommand, if specified in config.
	if err := c.execCmd(ctx); err != nil {
		return fmt.Errorf("cannot exec: %w", err)
	}

	if c.ProxyServer != nil {
		c.ProxyServer.Serve()
		log.Printf("proxy server listening on: %s", c.ProxyServer.URL())
	}

	return nil
}

func (c *RunCommand) initConsul(ctx context.Context) (err error) {
	// Use hostname from OS, if not specified.
	hostname := c.Config.Lease.Hostname
	if hostname == "" {
		if hostname, err = os.Hostname(); err != nil {
			return err
		}
	}

	// Determine the advertise URL for the segrep API.
	// Default to use the hostname and HTTP port. Also allow injection for tests.
	advertiseURL := c.Config.Lease.AdvertiseURL
	if c.AdvertiseURLFn != nil {
		advertiseURL = c.AdvertiseURLFn()
	}
	if advertiseURL == "" && hostname != "" {
		advertiseURL = fmt.Sprintf("http://%s:%d", hostname, c.HTTPServer.Port())
	}
	c.Store.AdvertiseURL = advertiseURL

	leaser := consul.NewLeaser(c.Config.Lease.Consul.URL, c.Config.Lease.Consul.Key, hostname, advertiseURL)
	if v := c.Config.Lease.Consul.TTL; v > 0 {
		leaser.TTL = v
	}
	if v := c.Config.Lease.Consul.LockDelay; v > 0 {
		leaser.LockDelay = v
	}
	if err := leaser.Open(); err != nil {
		return fmt.Errorf("cannot connect to consul: %w", err)
	}
	log.Printf("initializing consul: key=%s url=%s hostname=%s advertise-url=%s",
		c.Config.Lease.Consul.Key, c.Config.Lease.Consul.URL, hostname, advertiseURL)

	c.Leaser = leaser
	return nil
}

func (c *RunCommand) initStore(ctx context.Context) error {
	c.Store = segrep.NewStore(c.Config.Data.Dir, c.Config.Lease.Candidate)
	c.Store.ChunkSize = c.Config.Replication.ChunkSize
	c.Store.MaxConcurrentFiles = c.Config.Replication.MaxConcurrentFiles
	c.Store.RetryTimeout = c.Config.Replication.RetryTimeout
	c.Store.MergedTimeout = c.Config.Replication.MergedTimeout
	c.Store.Limiter.SetRate(c.Config.Replication.MaxBytesPerSec)
	c.Store.MergedLimiter.SetRate(c.Config.Replication.MaxMergedBytesPerSec)
	c.Store.AdvertiseURL = c.Config.Lease.AdvertiseURL
	c.Store.Client = http.NewRetryableClient(http.NewClient())

	if path := c.Config.Data.EventLogPath; path != "" {
		eventLog, err := segrep.OpenEventLog(path)
		if err != nil {
			return fmt.Errorf("cannot open event log: %w", err)
		}
		c.Store.EventLog = eventLog
	}

	// Publish role changes to the pod labels when running inside Kubernetes.
	if kube.Available() {
		env := kube.NewEnvironment()
		log.Printf("kubernetes environment detected, publishing role to pod %q labels", kube.PodName())
		c.Store.Environment = env
	}

	return nil
}

func (c *RunCommand) openStore(ctx context.Context) error {
	c.Store.Leaser = c.Leaser
	return c.Store.Open()
}

func (c *RunCommand) initHTTPServer(ctx context.Context) error {
	server := http.NewServer(c.Store, c.Config.HTTP.Addr)
	if err := server.Listen(); err != nil {
		return fmt.Errorf("cannot open http server: %w", err)
	}
	c.HTTPServer = server
	return nil
}

func (c *RunCommand) initProxyServer(ctx context.Context) error {
	// Skip if there's no target set.
	if c.Config.Proxy.Target == "" {
		log.Printf("no proxy target set, skipping proxy")
		return nil
	}

	// Parse passthrough expressions.
	var passthroughs []*regexp.Regexp
	for _, s := range c.Config.Proxy.Passthrough {
		re, err := http.CompileMatch(s)
		if err != nil {
			return fmt.Errorf("cannot parse proxy passthrough expression: %q", s)
		}
		passthroughs = append(passthroughs, re)
	}

	server := http.NewProxyServer(c.Store)
	server.Target = c.Config.Proxy.Target
	server.IndexName = c.Config.Proxy.Index
	server.Addr = c.Config.Proxy.Addr
	server.Debug = c.Config.Proxy.Debug
	server.Passthroughs = passthroughs
	if err := server.Listen(); err != nil {
		return err
	}
	c.ProxyServer = server
	return nil
}

func (c *RunCommand) execCmd(ctx context.Context) error {
	// Exit if no subcommand specified.
	if c.Config.Exec == "" {
		return nil
	}

	// Execute subcommand process.
	args, err := shellwords.Parse(c.Config.Exec)
	if err != nil {
		return fmt.Errorf("cannot parse exec command: %w", err)
	}

	log.Printf("starting subprocess: %s %v", args[0], args[1:])

	c.cmd = exec.CommandContext(ctx, args[0], args[1:]...)
	c.cmd.Env = os.Environ()
	c.cmd.Stdout = os.Stdout
	c.cmd.Stderr = os.Stderr
	if err := c.cmd.Start(); err != nil {
		return fmt.Errorf("cannot start exec command: %w", err)
	}
	go func() { c.execCh <- c.cmd.Wait() }()

	return nil
}
