package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/tlsconfig"
)

const (
	oomExitCode     = 137
	containerTmpfs  = "rw,noexec,nosuid,size=64m"
	defaultCPUPeriod = 100_000
)

// DockerRunner executes Python code inside a disposable container with
// no network, a read-only root filesystem, and cgroup resource caps.
type DockerRunner struct {
	cfg runnerConfig
	cli *client.Client
}

var _ Runner = (*DockerRunner)(nil)

// NewDockerRunner connects to the Docker daemon. Host and TLS settings
// come from the environment unless overridden by options.
func NewDockerRunner(opts ...Option) (*DockerRunner, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	clientOpts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if cfg.dockerHost != "" {
		clientOpts = append(clientOpts, client.WithHost(cfg.dockerHost))
	}
	if cfg.tlsCAFile != "" || cfg.tlsCert != "" {
		tlsc, err := tlsconfig.Client(tlsconfig.Options{
			CAFile:   cfg.tlsCAFile,
			CertFile: cfg.tlsCert,
			KeyFile:  cfg.tlsKey,
		})
		if err != nil {
			return nil, fmt.Errorf("sandbox: docker tls config: %w", err)
		}
		httpClient := &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsc},
		}
		clientOpts = append(clientOpts, client.WithHTTPClient(httpClient))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}
	return &DockerRunner{cfg: cfg, cli: cli}, nil
}

// Close releases the daemon connection.
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}

// Run validates and executes the code in a fresh container.
func (r *DockerRunner) Run(ctx context.Context, code string) (Result, error) {
	if err := Validate(code); err != nil {
		return Result{}, err
	}

	// The cgroup enforces memory, so the in-process rlimit stays off.
	payload, err := json.Marshal(harnessPayload{Code: code})
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: encoding payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.timeout)
	defer cancel()

	id, err := r.createContainer(ctx, string(payload))
	if err != nil {
		return Result{}, err
	}
	defer r.removeContainer(id)

	start := time.Now()
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("sandbox: starting container: %w", err)
	}

	statusCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case status := <-statusCh:
		exitCode = status.StatusCode
	case err := <-errCh:
		elapsed := time.Since(start).Milliseconds()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.kill(id)
			r.cfg.logger.Warn("code execution timed out", "timeout", r.cfg.timeout)
			return Result{
				WasTimeout:      true,
				ExecutionTimeMS: elapsed,
				ErrorMessage:    fmt.Sprintf("execution timed out after %s", r.cfg.timeout),
			}, nil
		}
		return Result{}, fmt.Errorf("sandbox: waiting for container: %w", err)
	}
	elapsed := time.Since(start).Milliseconds()

	stdout, stderr, err := r.collectLogs(id)
	if err != nil {
		return Result{}, err
	}

	result := parseHarnessOutput(stdout, r.cfg.maxOutput)
	result.Stderr = stderr
	result.ExecutionTimeMS = elapsed
	if exitCode == oomExitCode {
		result.Success = false
		result.WasMemoryLimit = true
		result.ErrorMessage = "memory limit exceeded"
	} else if exitCode != 0 && result.ErrorMessage == "" {
		result.Success = false
		result.ErrorMessage = fmt.Sprintf("container exited with code %d", exitCode)
	}
	return result, nil
}

func (r *DockerRunner) createContainer(ctx context.Context, payload string) (string, error) {
	memBytes := int64(r.cfg.memoryLimitMB) * 1024 * 1024
	conf := &container.Config{
		Image:           r.cfg.image,
		Cmd:             []string{r.cfg.pythonBin, "-c", harnessSource, payload},
		NetworkDisabled: true,
		WorkingDir:      "/tmp",
		Env:             []string{"PYTHONDONTWRITEBYTECODE=1"},
	}
	hostConf := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		AutoRemove:     false,
		Tmpfs:          map[string]string{"/tmp": containerTmpfs},
		Resources: container.Resources{
			Memory:     memBytes,
			MemorySwap: memBytes,
			CPUQuota:   r.cfg.cpuQuota,
			CPUPeriod:  defaultCPUPeriod,
			PidsLimit:  ptrInt64(64),
		},
	}

	created, err := r.cli.ContainerCreate(ctx, conf, hostConf, nil, nil, "")
	if client.IsErrNotFound(err) {
		if pullErr := r.pullImage(ctx); pullErr != nil {
			return "", pullErr
		}
		created, err = r.cli.ContainerCreate(ctx, conf, hostConf, nil, nil, "")
	}
	if err != nil {
		return "", fmt.Errorf("sandbox: creating container: %w", err)
	}
	return created.ID, nil
}

func (r *DockerRunner) pullImage(ctx context.Context) error {
	r.cfg.logger.Info("pulling sandbox image", "image", r.cfg.image)
	rc, err := r.cli.ImagePull(ctx, r.cfg.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("sandbox: pulling image %s: %w", r.cfg.image, err)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (r *DockerRunner) collectLogs(id string) (string, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logs, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("sandbox: reading container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	outW := newLimitWriter(&stdout, r.cfg.maxOutput+4096)
	errW := newLimitWriter(&stderr, r.cfg.maxOutput)
	if _, err := stdcopy.StdCopy(outW, errW, logs); err != nil {
		return "", "", fmt.Errorf("sandbox: demuxing container logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

func (r *DockerRunner) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.cli.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		r.cfg.logger.Warn("failed to kill container", "container_id", id, "error", err)
	}
}

func (r *DockerRunner) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		r.cfg.logger.Warn("failed to remove container", "container_id", id, "error", err)
	}
}

func ptrInt64(v int64) *int64 { return &v }
