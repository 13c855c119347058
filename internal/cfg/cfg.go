package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/linnemanlabs-denylist/internal/log"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/source"
)

// EnvPrefix is prepended to the upper-cased flag name to find its env var.
const EnvPrefix = "DENYLIST_"

// Store backends accepted by -store.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreS3     = "s3"
	StoreBadger = "badger"
)

type App struct {
	ConfigFile        string
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	EnableAPI         bool
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
	RateLimitRPS      float64
	RateLimitBurst    int
	TrustedProxyHops  int

	// segment store
	Store          string
	RedisURL       string
	S3Bucket       string
	S3Prefix       string
	BadgerDir      string
	KeyPrefix      string
	SizeLimit      int
	SizeOverhead   int
	WriteWorkers   int
	WriteRate      float64
	GraceWindow    time.Duration
	SwapTimeout    time.Duration
	ReadWorkers    int
	MemoryMaxValue int

	// source
	SourceURL      string
	SourceFile     string
	SourceFormat   string
	SourceMaxBytes int64
	SignatureURL   string
	SigningKeyARN  string
	SourceTimeout  time.Duration

	// scheduling
	Once           bool
	Interval       time.Duration
	RunOnStart     bool
	RunTimeout     time.Duration
	MaxBackoff     time.Duration
	StaleThreshold time.Duration

	// notifications
	NATSURL     string
	NATSSubject string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.ConfigFile, "config", "", "optional YAML file of flag-name: value pairs")
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "lookup API listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnableAPI, "enable-api", true, "Serve the denylist lookup API on http-port")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.RateLimitRPS, "ratelimit-rps", 50, "lookup API requests per second per client IP")
	fs.IntVar(&c.RateLimitBurst, "ratelimit-burst", 100, "lookup API burst per client IP")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 1, "proxies in front of the lookup API whose X-Forwarded-For is trusted (0 = none)")

	fs.StringVar(&c.Store, "store", StoreRedis, "segment store backend: memory|redis|s3|badger")
	fs.StringVar(&c.RedisURL, "redis-url", "redis://localhost:6379/0", "redis connection URL (store=redis)")
	fs.StringVar(&c.S3Bucket, "s3-bucket", "", "bucket holding segments (store=s3)")
	fs.StringVar(&c.S3Prefix, "s3-prefix", "denylist", "object key prefix inside s3-bucket (store=s3)")
	fs.StringVar(&c.BadgerDir, "badger-dir", "/var/lib/denylistd", "badger data directory (store=badger)")
	fs.StringVar(&c.KeyPrefix, "key-prefix", "badbits", "namespace prefix for all denylist keys")
	fs.IntVar(&c.SizeLimit, "segment-size-limit", 0, "max bytes per stored value (0 = backend ceiling)")
	fs.IntVar(&c.SizeOverhead, "segment-overhead", 1024, "bytes reserved per value for key and metadata")
	fs.IntVar(&c.WriteWorkers, "write-concurrency", 4, "concurrent segment writes")
	fs.Float64Var(&c.WriteRate, "write-rate", 0, "max store writes per second (0 = unlimited)")
	fs.DurationVar(&c.GraceWindow, "grace-window", 10*time.Minute, "how long a superseded version stays readable")
	fs.DurationVar(&c.SwapTimeout, "swap-timeout", 30*time.Second, "timeout for the current-version pointer write")
	fs.IntVar(&c.ReadWorkers, "read-concurrency", 8, "concurrent segment reads")
	fs.IntVar(&c.MemoryMaxValue, "memory-max-value", 25<<20, "max value size for the memory store (store=memory)")

	fs.StringVar(&c.SourceURL, "source-url", "https://badbits.dwebops.pub/badbits.deny", "denylist source URL")
	fs.StringVar(&c.SourceFile, "source-file", "", "read the denylist from a local file instead of source-url")
	fs.StringVar(&c.SourceFormat, "source-format", string(source.FormatLines), "source body format: lines|json")
	fs.Int64Var(&c.SourceMaxBytes, "source-max-bytes", source.DefaultMaxBytes, "max source body size in bytes")
	fs.DurationVar(&c.SourceTimeout, "source-timeout", source.DefaultTimeout, "source fetch timeout")
	fs.StringVar(&c.SignatureURL, "source-signature-url", "", "detached signature URL for the source body")
	fs.StringVar(&c.SigningKeyARN, "source-signing-key-arn", "", "KMS key ARN used to verify source-signature-url")

	fs.BoolVar(&c.Once, "once", false, "run a single publish and exit (non-zero on failure)")
	fs.DurationVar(&c.Interval, "interval", time.Hour, "publish interval")
	fs.BoolVar(&c.RunOnStart, "run-on-start", true, "publish immediately at startup")
	fs.DurationVar(&c.RunTimeout, "run-timeout", 15*time.Minute, "timeout for a single publish run")
	fs.DurationVar(&c.MaxBackoff, "max-backoff", 6*time.Hour, "cap for the failure backoff interval")
	fs.DurationVar(&c.StaleThreshold, "stale-threshold", 0, "no-success duration before the denylist is marked stale (0 = 3x interval)")

	fs.StringVar(&c.NATSURL, "nats-url", "", "NATS server URL for publish notifications (empty disables)")
	fs.StringVar(&c.NATSSubject, "nats-subject", "denylist.published", "NATS subject for publish notifications")
}

// EnvKey returns the env var consulted for flag name.
func EnvKey(prefix, name string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(name), "-", "_")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// FillFromFile applies a flat YAML map of flag name to value for every flag
// not already set, so it must run after FillFromEnv.
// Precedence: cli flag > env var > file > default.
func FillFromFile(fs *flag.FlagSet, path string, logf func(string, ...any)) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	return FillFromYAML(fs, raw, logf)
}

// FillFromYAML is FillFromFile over an in-memory document.
func FillFromYAML(fs *flag.FlagSet, raw []byte, logf func(string, ...any)) error {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	names := make([]string, 0, len(doc))
	for k := range doc {
		names = append(names, k)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		f := fs.Lookup(name)
		if f == nil {
			errs = append(errs, fmt.Errorf("config file: unknown setting %q", name))
			continue
		}
		if name == "config" {
			errs = append(errs, fmt.Errorf("config file: %q cannot be set from a file", name))
			continue
		}
		val, err := scalar(doc[name])
		if err != nil {
			errs = append(errs, fmt.Errorf("config file: %s: %w", name, err))
			continue
		}
		if set[name] {
			if logf != nil {
				logf("flag -%s: cli/env value %q overrides config file value %q", name, f.Value.String(), val)
			}
			continue
		}
		if err := fs.Set(name, val); err != nil {
			errs = append(errs, fmt.Errorf("config file: %s=%q: %w", name, val, err))
		}
	}
	return errors.Join(errs...)
}

func scalar(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool, int, int64, uint64, float64:
		return fmt.Sprint(t), nil
	default:
		return "", fmt.Errorf("must be a scalar (got %T)", v)
	}
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.EnableAPI && c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	if c.EnableAPI && (c.RateLimitRPS <= 0 || c.RateLimitBurst < 1) {
		errs = append(errs, fmt.Errorf("RATELIMIT_RPS must be > 0 and RATELIMIT_BURST >= 1 (got %.2f, %d)", c.RateLimitRPS, c.RateLimitBurst))
	}

	if c.TrustedProxyHops < 0 || c.TrustedProxyHops > 8 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must be 0..8 (got %d)", c.TrustedProxyHops))
	}

	// Segment store
	switch c.Store {
	case StoreMemory:
		if c.MemoryMaxValue < 1 {
			errs = append(errs, fmt.Errorf("MEMORY_MAX_VALUE must be >= 1 (got %d)", c.MemoryMaxValue))
		}
	case StoreRedis:
		if u, err := url.Parse(c.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			errs = append(errs, fmt.Errorf("REDIS_URL must be a redis:// or rediss:// URL (got %q)", c.RedisURL))
		}
	case StoreS3:
		if c.S3Bucket == "" {
			errs = append(errs, fmt.Errorf("S3_BUCKET required when STORE=s3"))
		}
	case StoreBadger:
		if c.BadgerDir == "" {
			errs = append(errs, fmt.Errorf("BADGER_DIR required when STORE=badger"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid STORE %q (must be memory|redis|s3|badger)", c.Store))
	}
	if c.KeyPrefix == "" || strings.ContainsAny(c.KeyPrefix, "*?[] \t\n") {
		errs = append(errs, fmt.Errorf("invalid KEY_PREFIX %q", c.KeyPrefix))
	}
	if c.SizeLimit < 0 {
		errs = append(errs, fmt.Errorf("invalid SEGMENT_SIZE_LIMIT %d (must be >= 0)", c.SizeLimit))
	}
	if c.SizeLimit > 0 && c.SizeOverhead >= c.SizeLimit {
		errs = append(errs, fmt.Errorf("SEGMENT_OVERHEAD %d leaves no room in SEGMENT_SIZE_LIMIT %d", c.SizeOverhead, c.SizeLimit))
	}
	if c.WriteWorkers < 1 || c.WriteWorkers > 256 {
		errs = append(errs, fmt.Errorf("WRITE_CONCURRENCY must be 1..256 (got %d)", c.WriteWorkers))
	}
	if c.ReadWorkers < 1 || c.ReadWorkers > 256 {
		errs = append(errs, fmt.Errorf("READ_CONCURRENCY must be 1..256 (got %d)", c.ReadWorkers))
	}
	if c.WriteRate < 0 {
		errs = append(errs, fmt.Errorf("invalid WRITE_RATE %.2f (must be >= 0)", c.WriteRate))
	}
	if c.GraceWindow < 0 {
		errs = append(errs, fmt.Errorf("invalid GRACE_WINDOW %s (must be >= 0)", c.GraceWindow))
	}
	if c.SwapTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid SWAP_TIMEOUT %s (must be > 0)", c.SwapTimeout))
	}

	// Source
	if _, err := source.ParseFormat(c.SourceFormat); err != nil {
		errs = append(errs, fmt.Errorf("invalid SOURCE_FORMAT %q: %w", c.SourceFormat, err))
	}
	if c.SourceFile == "" {
		if u, err := url.Parse(c.SourceURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("SOURCE_URL must be an http(s) URL (got %q)", c.SourceURL))
		}
	}
	if c.SourceMaxBytes < 1 {
		errs = append(errs, fmt.Errorf("invalid SOURCE_MAX_BYTES %d (must be >= 1)", c.SourceMaxBytes))
	}
	if c.SourceTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid SOURCE_TIMEOUT %s (must be > 0)", c.SourceTimeout))
	}
	if (c.SignatureURL == "") != (c.SigningKeyARN == "") {
		errs = append(errs, fmt.Errorf("SOURCE_SIGNATURE_URL and SOURCE_SIGNING_KEY_ARN must be set together"))
	}
	if c.SignatureURL != "" && c.SourceFile != "" {
		errs = append(errs, fmt.Errorf("SOURCE_SIGNATURE_URL is not supported with SOURCE_FILE"))
	}

	// Scheduling
	if !c.Once {
		if c.Interval < time.Second {
			errs = append(errs, fmt.Errorf("invalid INTERVAL %s (must be >= 1s)", c.Interval))
		}
		if c.MaxBackoff < c.Interval {
			errs = append(errs, fmt.Errorf("MAX_BACKOFF %s must be >= INTERVAL %s", c.MaxBackoff, c.Interval))
		}
	}
	if c.RunTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid RUN_TIMEOUT %s (must be > 0)", c.RunTimeout))
	}
	if c.StaleThreshold < 0 {
		errs = append(errs, fmt.Errorf("invalid STALE_THRESHOLD %s (must be >= 0)", c.StaleThreshold))
	}

	// Notifications
	if c.NATSURL != "" {
		if u, err := url.Parse(c.NATSURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("NATS_URL must be a URL (got %q)", c.NATSURL))
		}
		if c.NATSSubject == "" || strings.ContainsAny(c.NATSSubject, " \t*>") {
			errs = append(errs, fmt.Errorf("invalid NATS_SUBJECT %q", c.NATSSubject))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
