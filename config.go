package packnet

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	DefaultReadBufferSize    = 2048                   // default capacity of read buffers.
	DefaultWriteBufferSize   = 2048                   // default capacity of write buffers.
	DefaultWaitBufferSize    = MaxFrameSize           // default capacity of wait buffers.
	DefaultBufferPoolSize    = 64                     // default idle buffers kept per role.
	DefaultKeepAlive         = 30 * time.Second       // default TCP keepalive period.
	DefaultLinger            = -1                     // default leaves SO_LINGER to the OS.
	DefaultWriteTimeout      = 5 * time.Second        // default per-frame write deadline.
	DefaultHandshakeTimeout  = 5 * time.Second        // default TLS handshake bound.
	DefaultCloseGracePeriod  = time.Second            // default drain time on close.
	DefaultShutdownTimeout   = 5 * time.Second        // default grace period for shutdown wait.
	DefaultReceivedBacklog   = 64                     // default received channel capacity.
	DefaultAcceptedBacklog   = 16                     // default accepted channel capacity.
	DefaultWaitBufferRetries = 3                      // default wait buffer take attempts.
	DefaultRetryDelay        = 10 * time.Millisecond  // default initial retry backoff.
	maxRetryDelay            = 250 * time.Millisecond // backoff ceiling.
)

// TLSFiles names the PEM files a YAML configuration uses to enable TLS.
type TLSFiles struct {
	Cert               string `yaml:"cert"`
	Key                string `yaml:"key"`
	CA                 string `yaml:"ca"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

func (f TLSFiles) empty() bool {
	return f.Cert == "" && f.Key == "" && f.CA == "" && f.ServerName == "" && !f.InsecureSkipVerify
}

// NetworkConfig holds the settings of one network. It is copied into the
// network on construction; later changes to the caller's value have no effect.
type NetworkConfig struct {
	ReadBufferSize    int           `yaml:"read_buffer_size"`    // capacity of read buffers.
	WriteBufferSize   int           `yaml:"write_buffer_size"`   // capacity of write buffers.
	WaitBufferSize    int           `yaml:"wait_buffer_size"`    // capacity of wait buffers.
	BufferPoolSize    int           `yaml:"buffer_pool_size"`    // idle buffers kept per role.
	MaxBuffers        int           `yaml:"max_buffers"`         // live buffers allowed per role, 0 is unlimited.
	KeepAlive         time.Duration `yaml:"keep_alive"`          // TCP keepalive period, negative disables.
	Linger            int           `yaml:"linger"`              // SO_LINGER seconds, negative keeps the OS default.
	NoDelay           *bool         `yaml:"no_delay"`            // TCP_NODELAY, nil means true.
	ReadTimeout       time.Duration `yaml:"read_timeout"`        // idle read deadline, 0 disables.
	WriteTimeout      time.Duration `yaml:"write_timeout"`       // per-frame write deadline.
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`   // TLS handshake bound.
	CloseGracePeriod  time.Duration `yaml:"close_grace_period"`  // drain time for queued writes on close.
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`    // grace period for network shutdown.
	ReceivedBacklog   int           `yaml:"received_backlog"`    // received channel capacity per connection.
	AcceptedBacklog   int           `yaml:"accepted_backlog"`    // accepted channel capacity.
	MaxConns          int           `yaml:"max_conns"`           // live server connections allowed, 0 is unlimited.
	WaitBufferRetries int           `yaml:"wait_buffer_retries"` // wait buffer take attempts.
	RetryDelay        time.Duration `yaml:"retry_delay"`         // initial wait buffer retry backoff.
	TLSFiles          TLSFiles      `yaml:"tls"`

	TLS    *tls.Config     `yaml:"-"` // when set every connection is TLS-wrapped.
	Logger *zerolog.Logger `yaml:"-"` // nil disables logging.
}

func (c *NetworkConfig) applyDefaults() {
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}

	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = DefaultWriteBufferSize
	}

	if c.WaitBufferSize == 0 {
		c.WaitBufferSize = DefaultWaitBufferSize
	}

	if c.BufferPoolSize == 0 {
		c.BufferPoolSize = DefaultBufferPoolSize
	}

	if c.KeepAlive == 0 {
		c.KeepAlive = DefaultKeepAlive
	}

	if c.Linger == 0 {
		c.Linger = DefaultLinger
	}

	if c.NoDelay == nil {
		on := true
		c.NoDelay = &on
	}

	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}

	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}

	if c.CloseGracePeriod == 0 {
		c.CloseGracePeriod = DefaultCloseGracePeriod
	}

	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.ReceivedBacklog == 0 {
		c.ReceivedBacklog = DefaultReceivedBacklog
	}

	if c.AcceptedBacklog == 0 {
		c.AcceptedBacklog = DefaultAcceptedBacklog
	}

	if c.WaitBufferRetries == 0 {
		c.WaitBufferRetries = DefaultWaitBufferRetries
	}

	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}

	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// Validate applies defaults and checks the config for values the network
// cannot honor.
func (c *NetworkConfig) Validate() error {
	c.applyDefaults()

	var errs []error
	if c.ReadBufferSize < HeaderSize {
		errs = append(errs, fmt.Errorf("read_buffer_size %d is smaller than the %d byte header", c.ReadBufferSize, HeaderSize))
	}
	if c.WriteBufferSize < HeaderSize {
		errs = append(errs, fmt.Errorf("write_buffer_size %d is smaller than the %d byte header", c.WriteBufferSize, HeaderSize))
	}
	if c.WriteBufferSize > MaxFrameSize {
		errs = append(errs, fmt.Errorf("write_buffer_size %d exceeds the %d byte frame limit", c.WriteBufferSize, MaxFrameSize))
	}
	if c.WaitBufferSize < c.ReadBufferSize {
		errs = append(errs, fmt.Errorf("wait_buffer_size %d is smaller than read_buffer_size %d", c.WaitBufferSize, c.ReadBufferSize))
	}
	if c.WaitBufferSize > MaxFrameSize {
		errs = append(errs, fmt.Errorf("wait_buffer_size %d exceeds the %d byte frame limit", c.WaitBufferSize, MaxFrameSize))
	}
	if c.BufferPoolSize < 0 {
		errs = append(errs, errors.New("buffer_pool_size must not be negative"))
	}
	if c.MaxBuffers < 0 {
		errs = append(errs, errors.New("max_buffers must not be negative"))
	}
	if c.MaxConns < 0 {
		errs = append(errs, errors.New("max_conns must not be negative"))
	}
	if c.ReceivedBacklog < 0 || c.AcceptedBacklog < 0 {
		errs = append(errs, errors.New("channel backlogs must not be negative"))
	}
	if c.WaitBufferRetries < 1 {
		errs = append(errs, errors.New("wait_buffer_retries must be at least 1"))
	}

	return errors.Join(errs...)
}

// LoadConfig reads a YAML file into a NetworkConfig, validates it and builds
// the TLS config when the file names certificates.
func LoadConfig(path string) (NetworkConfig, error) {
	var cfg NetworkConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}

	if !cfg.TLSFiles.empty() {
		cfg.TLS, err = cfg.TLSFiles.Load()
		if err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// Load builds a tls.Config from the PEM files. A config without a certificate
// is only usable by clients.
func (f TLSFiles) Load() (*tls.Config, error) {
	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         f.ServerName,
		InsecureSkipVerify: f.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed test peers.
	}

	if f.Cert != "" || f.Key != "" {
		cert, err := tls.LoadX509KeyPair(f.Cert, f.Key)
		if err != nil {
			return nil, fmt.Errorf("load tls key pair: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}

	if f.CA != "" {
		pem, err := os.ReadFile(f.CA)
		if err != nil {
			return nil, fmt.Errorf("read tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tls ca %s holds no certificates", f.CA)
		}
		tc.RootCAs = pool
	}

	return tc, nil
}
