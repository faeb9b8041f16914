package packnet_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andrei-cloud/packnet"
	"github.com/andrei-cloud/packnet/internal/testutil"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "packnet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestValidateDefaults(t *testing.T) {
	var cfg packnet.NetworkConfig
	require.NoError(t, cfg.Validate())

	require.Equal(t, packnet.DefaultReadBufferSize, cfg.ReadBufferSize)
	require.Equal(t, packnet.DefaultWriteBufferSize, cfg.WriteBufferSize)
	require.Equal(t, packnet.DefaultWaitBufferSize, cfg.WaitBufferSize)
	require.Equal(t, packnet.DefaultBufferPoolSize, cfg.BufferPoolSize)
	require.Equal(t, packnet.DefaultWriteTimeout, cfg.WriteTimeout)
	require.Equal(t, packnet.DefaultLinger, cfg.Linger)
	require.NotNil(t, cfg.NoDelay)
	require.True(t, *cfg.NoDelay)
	require.NotNil(t, cfg.Logger)
	require.Zero(t, cfg.ReadTimeout, "idle read deadline is opt-in")
	require.Zero(t, cfg.MaxConns)
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		cfg  packnet.NetworkConfig
		msg  string
	}{
		{"tiny read buffer", packnet.NetworkConfig{ReadBufferSize: 3}, "read_buffer_size"},
		{"tiny write buffer", packnet.NetworkConfig{WriteBufferSize: 2}, "write_buffer_size"},
		{"wait below read", packnet.NetworkConfig{ReadBufferSize: 4096, WaitBufferSize: 1024}, "wait_buffer_size"},
		{"write above frame", packnet.NetworkConfig{WriteBufferSize: packnet.MaxFrameSize + 1}, "frame limit"},
		{"wait above frame", packnet.NetworkConfig{WaitBufferSize: packnet.MaxFrameSize + 1}, "frame limit"},
		{"negative max buffers", packnet.NetworkConfig{MaxBuffers: -1}, "max_buffers"},
		{"negative max conns", packnet.NetworkConfig{MaxConns: -5}, "max_conns"},
		{"negative retries", packnet.NetworkConfig{WaitBufferRetries: -1}, "wait_buffer_retries"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), c.msg)
		})
	}

	_, err := packnet.NewNetwork(packnet.NetworkConfig{ReadBufferSize: 1}, nil)
	require.Error(t, err, "networks refuse invalid configs")
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
read_buffer_size: 512
write_buffer_size: 1024
wait_buffer_size: 8192
max_buffers: 32
keep_alive: 15s
no_delay: false
read_timeout: 1m30s
write_timeout: 250ms
max_conns: 100
`)

	cfg, err := packnet.LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, 512, cfg.ReadBufferSize)
	require.Equal(t, 1024, cfg.WriteBufferSize)
	require.Equal(t, 8192, cfg.WaitBufferSize)
	require.Equal(t, 32, cfg.MaxBuffers)
	require.Equal(t, 15*time.Second, cfg.KeepAlive)
	require.False(t, *cfg.NoDelay)
	require.Equal(t, 90*time.Second, cfg.ReadTimeout)
	require.Equal(t, 250*time.Millisecond, cfg.WriteTimeout)
	require.Equal(t, 100, cfg.MaxConns)
	require.Equal(t, packnet.DefaultHandshakeTimeout, cfg.HandshakeTimeout, "unset fields take defaults")
	require.Nil(t, cfg.TLS)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := packnet.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = packnet.LoadConfig(writeConfig(t, "read_buffer_size: [1, 2]\n"))
	require.ErrorContains(t, err, "parse config")

	_, err = packnet.LoadConfig(writeConfig(t, "read_buffer_size: 2\n"))
	require.ErrorContains(t, err, "invalid config")

	_, err = packnet.LoadConfig(writeConfig(t, "tls:\n  cert: /nonexistent/cert.pem\n  key: /nonexistent/key.pem\n"))
	require.ErrorContains(t, err, "load tls key pair")
}

func TestLoadConfigTLS(t *testing.T) {
	ss, err := testutil.NewSelfSigned()
	require.NoError(t, err)

	dir := t.TempDir()
	certPath, keyPath, err := ss.WriteFiles(dir)
	require.NoError(t, err)

	path := writeConfig(t, "tls:\n  cert: "+certPath+"\n  key: "+keyPath+"\n  ca: "+certPath+"\n  server_name: localhost\n")

	cfg, err := packnet.LoadConfig(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.TLS)
	require.Len(t, cfg.TLS.Certificates, 1)
	require.NotNil(t, cfg.TLS.RootCAs)
	require.Equal(t, "localhost", cfg.TLS.ServerName)

	_, err = packnet.TLSFiles{CA: keyPath}.Load()
	require.ErrorContains(t, err, "holds no certificates")
}
