package pythonexec

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	mantle "github.com/ajisaka/mantle"
	"github.com/ajisaka/mantle/sandbox"
)

type fakeRunner struct {
	gotCode string
	result  sandbox.Result
	err     error
}

func (f *fakeRunner) Run(_ context.Context, code string) (sandbox.Result, error) {
	f.gotCode = code
	return f.result, f.err
}

func execute(t *testing.T, tool *Tool, code string) (any, error) {
	t.Helper()
	input, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	return tool.Execute(context.Background(), input)
}

func TestExecuteReturnsSandboxResult(t *testing.T) {
	runner := &fakeRunner{result: sandbox.Result{
		Success:     true,
		Stdout:      "4\n",
		ReturnValue: float64(4),
	}}
	tool := New(runner)

	result, err := execute(t, tool, "result = 2 + 2")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	res, ok := result.(sandbox.Result)
	if !ok {
		t.Fatalf("result type = %T, want sandbox.Result", result)
	}
	if !res.Success || res.Stdout != "4\n" {
		t.Errorf("result = %+v, want success with stdout", res)
	}
	if runner.gotCode != "result = 2 + 2" {
		t.Errorf("runner got code %q", runner.gotCode)
	}
}

func TestExecuteMapsViolationError(t *testing.T) {
	runner := &fakeRunner{err: &sandbox.ViolationError{Reason: "Import of 'os' is not allowed"}}
	tool := New(runner)

	_, err := execute(t, tool, "import os")
	if err == nil {
		t.Fatal("Execute returned nil error for violation")
	}
	var verr *mantle.ErrSandboxViolation
	if !errors.As(err, &verr) {
		t.Fatalf("error type = %T, want *mantle.ErrSandboxViolation", err)
	}
	if verr.Reason != "Import of 'os' is not allowed" {
		t.Errorf("Reason = %q, want violation reason preserved", verr.Reason)
	}
}

func TestExecutePropagatesRunnerError(t *testing.T) {
	wantErr := errors.New("docker daemon unreachable")
	tool := New(&fakeRunner{err: wantErr})
	if _, err := execute(t, tool, "result = 1"); !errors.Is(err, wantErr) {
		t.Errorf("Execute error = %v, want %v", err, wantErr)
	}
}

func TestInvalidArgs(t *testing.T) {
	tool := New(&fakeRunner{})
	_, err := tool.Execute(context.Background(), json.RawMessage(`{bad`))
	var uerr *mantle.ErrUserInput
	if !errors.As(err, &uerr) {
		t.Errorf("error type = %T, want *mantle.ErrUserInput", err)
	}
}

func TestSecurityLevel(t *testing.T) {
	tool := New(&fakeRunner{})
	if got := tool.SecurityLevel(); got != mantle.SecurityDangerous {
		t.Errorf("SecurityLevel() = %q, want DANGEROUS", got)
	}
}
