package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// resultMarker separates user output from the harness result line.
const resultMarker = "__SANDBOX_RESULT__"

// harnessSource wraps user code: it applies the memory cap, captures
// stdout and the `result` variable, and reports the outcome as one JSON
// line after the marker. The payload (code + limits) arrives as argv[1].
const harnessSource = `
import io, json, sys, traceback

_cfg = json.loads(sys.argv[1])
_mem_mb = _cfg.get("memory_limit_mb", 0)
if _mem_mb > 0:
    try:
        import resource
        _limit = _mem_mb * 1024 * 1024
        resource.setrlimit(resource.RLIMIT_AS, (_limit, _limit))
    except (ImportError, ValueError):
        pass

_stdout = io.StringIO()
_real = sys.stdout
sys.stdout = _stdout
_ns = {}
_err = None
_mem_hit = False
try:
    exec(compile(_cfg["code"], "<tool>", "exec"), _ns)
except MemoryError:
    _mem_hit = True
    _err = "memory limit exceeded"
except BaseException as _e:
    _err = "".join(traceback.format_exception_only(type(_e), _e)).strip()
finally:
    sys.stdout = _real

_rv = _ns.get("result")
try:
    json.dumps(_rv)
except (TypeError, ValueError):
    _rv = repr(_rv)

_mem_used = 0.0
try:
    import resource
    _mem_used = resource.getrusage(resource.RUSAGE_SELF).ru_maxrss / 1024.0
except ImportError:
    pass

print("` + resultMarker + `" + json.dumps({
    "stdout": _stdout.getvalue(),
    "return_value": _rv,
    "error": _err,
    "memory_limit": _mem_hit,
    "memory_used_mb": _mem_used,
}))
`

// harnessPayload is argv[1] of the harness.
type harnessPayload struct {
	Code          string `json:"code"`
	MemoryLimitMB int    `json:"memory_limit_mb"`
}

// harnessResult is the JSON line the harness prints after the marker.
type harnessResult struct {
	Stdout       string  `json:"stdout"`
	ReturnValue  any     `json:"return_value"`
	Error        string  `json:"error"`
	MemoryLimit  bool    `json:"memory_limit"`
	MemoryUsedMB float64 `json:"memory_used_mb"`
}

// SubprocessRunner executes Python code in a local subprocess with a
// soft memory cap and wall-clock timeout. Suitable for development;
// production deployments should use Docker mode.
type SubprocessRunner struct {
	cfg runnerConfig
}

var _ Runner = (*SubprocessRunner)(nil)

// NewSubprocessRunner creates a subprocess-backed runner.
func NewSubprocessRunner(opts ...Option) *SubprocessRunner {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &SubprocessRunner{cfg: cfg}
}

// Run validates and executes the code.
func (r *SubprocessRunner) Run(ctx context.Context, code string) (Result, error) {
	if err := Validate(code); err != nil {
		return Result{}, err
	}

	payload, err := json.Marshal(harnessPayload{
		Code:          code,
		MemoryLimitMB: r.cfg.memoryLimitMB,
	})
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: encoding payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.cfg.pythonBin, "-c", harnessSource, string(payload))
	cmd.Dir = r.workspace()
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"LANG=en_US.UTF-8",
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = newLimitWriter(&stdout, r.cfg.maxOutput)
	cmd.Stderr = newLimitWriter(&stderr, r.cfg.maxOutput)

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start).Milliseconds()

	result := parseHarnessOutput(stdout.String(), r.cfg.maxOutput)
	result.Stderr = stderr.String()
	result.ExecutionTimeMS = elapsed

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.WasTimeout = true
		result.Success = false
		result.ErrorMessage = fmt.Sprintf("execution timed out after %s", r.cfg.timeout)
		r.cfg.logger.Warn("code execution timed out", "timeout", r.cfg.timeout)
		return result, nil
	}
	if runErr != nil && result.ErrorMessage == "" {
		result.Success = false
		result.ErrorMessage = runErr.Error()
		// A hard RLIMIT_AS kill surfaces as a MemoryError traceback or a
		// non-zero exit before the harness can report.
		if strings.Contains(result.Stderr, "MemoryError") {
			result.WasMemoryLimit = true
			result.ErrorMessage = "memory limit exceeded"
		}
	}
	return result, nil
}

func (r *SubprocessRunner) workspace() string {
	if r.cfg.workspace != "" {
		return r.cfg.workspace
	}
	return os.TempDir()
}

// parseHarnessOutput splits user stdout from the harness result line.
func parseHarnessOutput(out string, maxOutput int) Result {
	result := Result{Success: true}
	idx := strings.LastIndex(out, resultMarker)
	if idx < 0 {
		// Harness never reported; treat everything as stdout.
		result.Success = false
		result.Stdout = truncateOutput(out, maxOutput)
		if result.Stdout == "" {
			result.ErrorMessage = "no result from sandbox harness"
		}
		return result
	}

	line := out[idx+len(resultMarker):]
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	var hr harnessResult
	if err := json.Unmarshal([]byte(line), &hr); err != nil {
		result.Success = false
		result.ErrorMessage = "undecodable sandbox result: " + err.Error()
		return result
	}

	result.Stdout = truncateOutput(hr.Stdout, maxOutput)
	result.ReturnValue = hr.ReturnValue
	result.MemoryUsedMB = hr.MemoryUsedMB
	result.WasMemoryLimit = hr.MemoryLimit
	if hr.Error != "" {
		result.Success = false
		result.ErrorMessage = hr.Error
	}
	return result
}

// truncateOutput clips output to the cap with a marker.
func truncateOutput(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}

// limitWriter caps captured output at max bytes.
type limitWriter struct {
	buf *bytes.Buffer
	max int
}

func newLimitWriter(buf *bytes.Buffer, max int) *limitWriter {
	return &limitWriter{buf: buf, max: max}
}

func (w *limitWriter) Write(p []byte) (int, error) {
	if w.buf.Len() < w.max {
		remaining := w.max - w.buf.Len()
		if len(p) > remaining {
			p = p[:remaining]
		}
		w.buf.Write(p)
	}
	return len(p), nil
}
