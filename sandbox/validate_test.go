package sandbox

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateAllowsSafeCode(t *testing.T) {
	cases := []struct {
		name string
		code string
	}{
		{"plain arithmetic", "result = 2 + 2"},
		{"allowed import", "import math\nresult = math.sqrt(16)"},
		{"allowed from import", "from collections import Counter\nresult = Counter('aab')"},
		{"aliased import", "import json as j\nresult = j.dumps([1])"},
		{"multiple imports", "import math, statistics\nresult = statistics.mean([1, 2])"},
		{"comment mentioning eval", "# eval is not used here\nresult = 1"},
		{"word containing builtin name", "evaluate = 5\nresult = evaluate"},
		{"submodule allowlisted", "from urllib.parse import quote\nresult = quote('a b')"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := Validate(tc.code); err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestValidateRejectsDangerousCode(t *testing.T) {
	cases := []struct {
		name     string
		code     string
		contains string
	}{
		{"os import", "import os", "Import of 'os' is not allowed"},
		{"subprocess import", "import subprocess\nprint('x')", "Import of 'subprocess' is not allowed"},
		{"from os import", "from os import path", "Import of 'os' is not allowed"},
		{"aliased blocked import", "import socket as s", "Import of 'socket' is not allowed"},
		{"mixed import list", "import math, os", "Import of 'os' is not allowed"},
		{"eval call", "result = eval('1+1')", "eval"},
		{"exec call", "exec('pass')", "exec"},
		{"dunder import call", "__import__('os')", "__import__"},
		{"open call", "open('/etc/passwd')", "open"},
		{"getattr call", "getattr(obj, 'x')", "getattr"},
		{"class escape", "().__class__.__bases__", "__class__"},
		{"subclasses walk", "x.__subclasses__()", "__subclasses__"},
		{"globals access", "f.__globals__", "__globals__"},
		{"subscript dunder", `d["__builtins__"]`, "__builtins__"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.code)
			if err == nil {
				t.Fatalf("Validate() = nil, want violation")
			}
			var verr *ViolationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() error type = %T, want *ViolationError", err)
			}
			if !strings.Contains(err.Error(), tc.contains) {
				t.Errorf("Validate() error = %q, want substring %q", err.Error(), tc.contains)
			}
		})
	}
}

func TestValidateReportsFirstViolation(t *testing.T) {
	code := "import os\nimport subprocess"
	err := Validate(code)
	if err == nil {
		t.Fatal("Validate() = nil, want violation")
	}
	if !strings.Contains(err.Error(), "'os'") {
		t.Errorf("Validate() error = %q, want first violation about os", err.Error())
	}
}
