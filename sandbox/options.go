package sandbox

import (
	"context"
	"log/slog"
	"time"
)

// Option configures a runner.
type Option func(*runnerConfig)

type runnerConfig struct {
	// Shared options.
	timeout       time.Duration
	memoryLimitMB int
	maxOutput     int

	// SubprocessRunner options.
	pythonBin string
	workspace string

	// DockerRunner options.
	image      string
	dockerHost string
	tlsCAFile  string
	tlsCert    string
	tlsKey     string
	cpuQuota   int64

	logger *slog.Logger
}

func defaultConfig() runnerConfig {
	return runnerConfig{
		timeout:       30 * time.Second,
		memoryLimitMB: 256,
		maxOutput:     1 << 20, // 1MB
		pythonBin:     "python3",
		image:         "python:3.12-slim",
		cpuQuota:      50_000, // half a core per 100ms period
		logger:        slog.New(discardHandler{}),
	}
}

// WithTimeout sets the maximum execution duration for code.
// Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *runnerConfig) { c.timeout = d }
}

// WithMemoryLimitMB sets the memory cap in MiB. 0 disables the cap.
// Default: 256.
func WithMemoryLimitMB(mb int) Option {
	return func(c *runnerConfig) { c.memoryLimitMB = mb }
}

// WithMaxOutput sets the maximum captured output size in bytes.
// Output beyond this limit is truncated. Default: 1MB.
func WithMaxOutput(bytes int) Option {
	return func(c *runnerConfig) { c.maxOutput = bytes }
}

// WithPythonBin sets the Python interpreter for subprocess mode.
// Default: "python3".
func WithPythonBin(bin string) Option {
	return func(c *runnerConfig) { c.pythonBin = bin }
}

// WithWorkspace sets the working directory for subprocess mode.
// Default: the OS temp directory.
func WithWorkspace(dir string) Option {
	return func(c *runnerConfig) { c.workspace = dir }
}

// WithImage pins the container image for Docker mode. Use a digest-pinned
// reference in production. Default: "python:3.12-slim".
func WithImage(image string) Option {
	return func(c *runnerConfig) { c.image = image }
}

// WithDockerHost overrides the Docker daemon address. Default: from the
// environment (DOCKER_HOST).
func WithDockerHost(host string) Option {
	return func(c *runnerConfig) { c.dockerHost = host }
}

// WithDockerTLS enables mutual TLS to the Docker daemon.
func WithDockerTLS(caFile, certFile, keyFile string) Option {
	return func(c *runnerConfig) {
		c.tlsCAFile = caFile
		c.tlsCert = certFile
		c.tlsKey = keyFile
	}
}

// WithCPUQuota sets the container CPU quota in microseconds per 100ms
// period. Default: 50000 (half a core).
func WithCPUQuota(quota int64) Option {
	return func(c *runnerConfig) { c.cpuQuota = quota }
}

// WithLogger attaches a logger for execution events.
func WithLogger(l *slog.Logger) Option {
	return func(c *runnerConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// discardHandler drops all records; the default when no logger is set.
type discardHandler struct{}

func (discardHandler) Enabled(_ context.Context, _ slog.Level) bool { return false }
func (discardHandler) Handle(_ context.Context, _ slog.Record) error { return nil }
func (d discardHandler) WithAttrs(_ []slog.Attr) slog.Handler        { return d }
func (d discardHandler) WithGroup(_ string) slog.Handler             { return d }
