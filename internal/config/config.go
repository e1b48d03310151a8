package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/client"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/cryptobox"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/tasks"
)

const (
	envVarConfigFile      = "SALTYRTC_CONFIG"
	envVarServerURL       = "SALTYRTC_SERVER_URL"
	envVarRole            = "SALTYRTC_ROLE"
	envVarKeyFile         = "SALTYRTC_KEY_FILE"
	envVarPeerPublicKey   = "SALTYRTC_PEER_PUBLIC_KEY"
	envVarAuthToken       = "SALTYRTC_AUTH_TOKEN"
	envVarServerPublicKey = "SALTYRTC_SERVER_PUBLIC_KEY"
	envVarLogFormat       = "SALTYRTC_LOG_FORMAT"
	envVarLogLevel        = "SALTYRTC_LOG_LEVEL"
	envVarMetricsAddr     = "SALTYRTC_METRICS_ADDR"

	envVarPingInterval                = "SALTYRTC_PING_INTERVAL"
	envVarDialTimeout                 = "SALTYRTC_DIAL_TIMEOUT"
	envVarHandshakeTimeout            = "SALTYRTC_HANDSHAKE_TIMEOUT"
	envVarWriteTimeout                = "SALTYRTC_WRITE_TIMEOUT"
	envVarMaxMessageBytes             = "SALTYRTC_MAX_MESSAGE_BYTES"
	envVarMaxInboundMessagesPerSecond = "SALTYRTC_MAX_INBOUND_MESSAGES_PER_SECOND"

	roleDefault      = "initiator"
	logFormatDefault = "text"
	logLevelDefault  = "info"

	// DefaultTaskName is proposed when the config file lists no tasks.
	DefaultTaskName = "v0.relayed-data.tasks.saltyrtc.org"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config is the resolved command line configuration. Precedence, lowest
// first: built-in defaults, the YAML file, environment, flags.
type Config struct {
	ConfigFile string

	ServerURL string
	Role      signaling.Role
	// KeyFile holds the permanent private key. Empty means an ephemeral key.
	KeyFile string

	PeerPublicKey   *cryptobox.PublicKey
	AuthToken       *cryptobox.AuthToken
	ServerPublicKey *cryptobox.PublicKey
	// AuthTokenGenerated is set when the initiator had neither a trusted
	// responder key nor a token, and a fresh token was created.
	AuthTokenGenerated bool

	Tasks []tasks.Task

	PingInterval                time.Duration
	DialTimeout                 time.Duration
	HandshakeTimeout            time.Duration
	WriteTimeout                time.Duration
	MaxMessageBytes             int
	MaxInboundMessagesPerSecond int

	LogFormat LogFormat
	LogLevel  slog.Level

	// MetricsListenAddr enables the /metrics listener when non-empty.
	MetricsListenAddr string
}

// fileConfig is the YAML document layout. Durations are Go duration strings.
type fileConfig struct {
	ServerURL       string     `yaml:"server_url"`
	Role            string     `yaml:"role"`
	KeyFile         string     `yaml:"key_file"`
	PeerPublicKey   string     `yaml:"peer_public_key"`
	AuthToken       string     `yaml:"auth_token"`
	ServerPublicKey string     `yaml:"server_public_key"`
	Tasks           []fileTask `yaml:"tasks"`

	PingInterval                string `yaml:"ping_interval"`
	DialTimeout                 string `yaml:"dial_timeout"`
	HandshakeTimeout            string `yaml:"handshake_timeout"`
	WriteTimeout                string `yaml:"write_timeout"`
	MaxMessageBytes             int    `yaml:"max_message_bytes"`
	MaxInboundMessagesPerSecond int    `yaml:"max_inbound_messages_per_second"`

	LogFormat   string `yaml:"log_format"`
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type fileTask struct {
	Name string         `yaml:"name"`
	Data map[string]any `yaml:"data"`
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	configFile := envOrDefault(lookup, envVarConfigFile, "")
	if p, ok := configPathFromArgs(args); ok {
		configFile = p
	}
	var file fileConfig
	if configFile != "" {
		var err error
		file, err = readFile(configFile)
		if err != nil {
			return Config{}, err
		}
	}

	defaults := client.DefaultConfig()

	pingIntervalDefault, err := fileDuration("ping_interval", file.PingInterval, 0)
	if err != nil {
		return Config{}, err
	}
	dialTimeoutDefault, err := fileDuration("dial_timeout", file.DialTimeout, defaults.DialTimeout)
	if err != nil {
		return Config{}, err
	}
	handshakeTimeoutDefault, err := fileDuration("handshake_timeout", file.HandshakeTimeout, defaults.HandshakeTimeout)
	if err != nil {
		return Config{}, err
	}
	writeTimeoutDefault, err := fileDuration("write_timeout", file.WriteTimeout, defaults.WriteTimeout)
	if err != nil {
		return Config{}, err
	}

	serverURL := envOrDefault(lookup, envVarServerURL, file.ServerURL)
	roleStr := envOrDefault(lookup, envVarRole, firstNonEmpty(file.Role, roleDefault))
	keyFile := envOrDefault(lookup, envVarKeyFile, file.KeyFile)
	peerPublicKeyStr := envOrDefault(lookup, envVarPeerPublicKey, file.PeerPublicKey)
	authTokenStr := envOrDefault(lookup, envVarAuthToken, file.AuthToken)
	serverPublicKeyStr := envOrDefault(lookup, envVarServerPublicKey, file.ServerPublicKey)
	logFormatStr := envOrDefault(lookup, envVarLogFormat, firstNonEmpty(file.LogFormat, logFormatDefault))
	logLevelStr := envOrDefault(lookup, envVarLogLevel, firstNonEmpty(file.LogLevel, logLevelDefault))
	metricsAddr := envOrDefault(lookup, envVarMetricsAddr, file.MetricsAddr)

	pingInterval, err := envDurationOrDefault(lookup, envVarPingInterval, pingIntervalDefault)
	if err != nil {
		return Config{}, err
	}
	dialTimeout, err := envDurationOrDefault(lookup, envVarDialTimeout, dialTimeoutDefault)
	if err != nil {
		return Config{}, err
	}
	handshakeTimeout, err := envDurationOrDefault(lookup, envVarHandshakeTimeout, handshakeTimeoutDefault)
	if err != nil {
		return Config{}, err
	}
	writeTimeout, err := envDurationOrDefault(lookup, envVarWriteTimeout, writeTimeoutDefault)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes, err := envIntOrDefault(lookup, envVarMaxMessageBytes, nonZeroOr(file.MaxMessageBytes, defaults.MaxMessageBytes))
	if err != nil {
		return Config{}, err
	}
	maxInbound, err := envIntOrDefault(lookup, envVarMaxInboundMessagesPerSecond, file.MaxInboundMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("saltyrtc-client", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&configFile, "config", configFile, "YAML config file (env "+envVarConfigFile+")")
	fs.StringVar(&serverURL, "server-url", serverURL, "SaltyRTC server base URL, ws:// or wss:// (env "+envVarServerURL+")")
	fs.StringVar(&roleStr, "role", roleStr, "Client role: initiator or responder (env "+envVarRole+")")
	fs.StringVar(&keyFile, "key-file", keyFile, "Permanent private key file, created when missing; empty uses an ephemeral key (env "+envVarKeyFile+")")
	fs.StringVar(&peerPublicKeyStr, "peer-public-key", peerPublicKeyStr, "Peer permanent public key, hex (env "+envVarPeerPublicKey+")")
	fs.StringVar(&authTokenStr, "auth-token", authTokenStr, "One-time auth token, hex (env "+envVarAuthToken+")")
	fs.StringVar(&serverPublicKeyStr, "server-public-key", serverPublicKeyStr, "Server permanent public key for signed_keys verification, hex (env "+envVarServerPublicKey+")")
	fs.DurationVar(&pingInterval, "ping-interval", pingInterval, "WebSocket ping interval requested from the server; 0 disables (env "+envVarPingInterval+")")
	fs.DurationVar(&dialTimeout, "dial-timeout", dialTimeout, "WebSocket dial timeout (env "+envVarDialTimeout+")")
	fs.DurationVar(&handshakeTimeout, "handshake-timeout", handshakeTimeout, "Max time from connecting until the task runs (env "+envVarHandshakeTimeout+")")
	fs.DurationVar(&writeTimeout, "write-timeout", writeTimeout, "WebSocket write deadline (env "+envVarWriteTimeout+")")
	fs.IntVar(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound WebSocket message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&maxInbound, "max-inbound-messages-per-second", maxInbound, "Inbound flood guard rate; 0 disables (env "+envVarMaxInboundMessagesPerSecond+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.StringVar(&metricsAddr, "metrics-addr", metricsAddr, "Serve Prometheus /metrics on this address; empty disables (env "+envVarMetricsAddr+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	role, err := parseRole(roleStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	peerPublicKey, err := parseOptionalPublicKey("peer public key", peerPublicKeyStr)
	if err != nil {
		return Config{}, err
	}
	serverPublicKey, err := parseOptionalPublicKey("server public key", serverPublicKeyStr)
	if err != nil {
		return Config{}, err
	}
	var authToken *cryptobox.AuthToken
	if s := strings.TrimSpace(authTokenStr); s != "" {
		authToken, err = cryptobox.ParseAuthToken(s)
		if err != nil {
			return Config{}, fmt.Errorf("invalid auth token: %w", err)
		}
	}

	cfg := Config{
		ConfigFile:                  configFile,
		ServerURL:                   strings.TrimSpace(serverURL),
		Role:                        role,
		KeyFile:                     strings.TrimSpace(keyFile),
		PeerPublicKey:               peerPublicKey,
		AuthToken:                   authToken,
		ServerPublicKey:             serverPublicKey,
		Tasks:                       fileTasks(file.Tasks),
		PingInterval:                pingInterval,
		DialTimeout:                 dialTimeout,
		HandshakeTimeout:            handshakeTimeout,
		WriteTimeout:                writeTimeout,
		MaxMessageBytes:             maxMessageBytes,
		MaxInboundMessagesPerSecond: maxInbound,
		LogFormat:                   logFormat,
		LogLevel:                    logLevel,
		MetricsListenAddr:           strings.TrimSpace(metricsAddr),
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	if cfg.Role == signaling.RoleInitiator && cfg.PeerPublicKey == nil && cfg.AuthToken == nil {
		cfg.AuthToken, err = cryptobox.GenerateAuthToken()
		if err != nil {
			return Config{}, fmt.Errorf("generate auth token: %w", err)
		}
		cfg.AuthTokenGenerated = true
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server url is required (--server-url or %s)", envVarServerURL)
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server url %q: %w", c.ServerURL, err)
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("invalid server url %q (expected ws://host or wss://host)", c.ServerURL)
	}
	if c.Role == signaling.RoleResponder && c.PeerPublicKey == nil {
		return fmt.Errorf("responder requires the initiator's public key (--peer-public-key or %s)", envVarPeerPublicKey)
	}
	if err := tasks.Validate(c.Tasks); err != nil {
		return fmt.Errorf("invalid tasks: %w", err)
	}
	if c.PingInterval < 0 {
		return fmt.Errorf("ping interval must be >= 0")
	}
	if c.PingInterval%time.Second != 0 {
		return fmt.Errorf("ping interval %s must be a whole number of seconds", c.PingInterval)
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be > 0")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be > 0")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be > 0")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("max message bytes must be > 0")
	}
	if c.MaxInboundMessagesPerSecond < 0 {
		return fmt.Errorf("max inbound messages per second must be >= 0")
	}
	return nil
}

// ClientConfig builds the session configuration around the permanent key.
func (c Config) ClientConfig(ks *cryptobox.KeyStore, logger *slog.Logger, m *metrics.Metrics) client.Config {
	return client.Config{
		ServerURL: c.ServerURL,
		Signaling: signaling.Config{
			Role:            c.Role,
			PermanentKey:    ks,
			PeerPublicKey:   c.PeerPublicKey,
			AuthToken:       c.AuthToken,
			ServerPublicKey: c.ServerPublicKey,
			Tasks:           c.Tasks,
			PingInterval:    c.PingInterval,
		},
		DialTimeout:                 c.DialTimeout,
		HandshakeTimeout:            c.HandshakeTimeout,
		WriteTimeout:                c.WriteTimeout,
		MaxMessageBytes:             c.MaxMessageBytes,
		MaxInboundMessagesPerSecond: c.MaxInboundMessagesPerSecond,
		Logger:                      logger,
		Metrics:                     m,
	}
}

// NewLogger writes to stderr; stdout carries application data.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stderr, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func readFile(path string) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file: %w", err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fileConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return file, nil
}

// configPathFromArgs finds -config before the full flag set is parsed, since
// the file supplies the other flags' defaults.
func configPathFromArgs(args []string) (string, bool) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg || len(arg)-len(name) > 2 {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v, true
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

func fileTasks(list []fileTask) []tasks.Task {
	if len(list) == 0 {
		return []tasks.Task{{Name: DefaultTaskName}}
	}
	out := make([]tasks.Task, 0, len(list))
	for _, t := range list {
		out = append(out, tasks.Task{Name: strings.TrimSpace(t.Name), Data: t.Data})
	}
	return out
}

func fileDuration(field, raw string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid config file %s %q: %w", field, raw, err)
	}
	return d, nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func nonZeroOr(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func parseRole(raw string) (signaling.Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "initiator":
		return signaling.RoleInitiator, nil
	case "responder":
		return signaling.RoleResponder, nil
	default:
		return 0, fmt.Errorf("invalid role %q (expected initiator or responder)", raw)
	}
}

func parseOptionalPublicKey(what, raw string) (*cryptobox.PublicKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	pk, err := cryptobox.ParsePublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", what, err)
	}
	return &pk, nil
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

// IsHelp reports whether err came from -h or -help.
func IsHelp(err error) bool {
	return errors.Is(err, flag.ErrHelp)
}
