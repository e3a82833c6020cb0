package main

import (
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/texgw/internal/admission"
	"github.com/mattjoyce/texgw/internal/lock"
)

var testKey = base64.RawURLEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"TEXGW_LOG_LEVEL", "TEXGW_LOG_FORMAT", "TEXGW_LISTEN", "TEXGW_MAX_BODY_SIZE", "TEXGW_OPERATOR_TOKEN",
		"RENDER_ENDPOINT", "TEXGW_RENDER_TIMEOUT", "PRIORITY_POOL_SIZE", "PUBLIC_POOL_SIZE",
		"HMAC_KEY", "TEXGW_BACKEND_LISTEN",
	} {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func expectedToken(t *testing.T, body string) string {
	t.Helper()
	key, err := admission.DecodeKey(testKey)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := admission.NewSigner(key)
	if err != nil {
		t.Fatal(err)
	}
	return signer.Sign([]byte(body))
}

func TestRunVersion(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int { return run([]string{"version"}) })
	if code != 0 {
		t.Fatalf("run(version) code = %d", code)
	}
	if stdout != "texgw version "+version+"\n" {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestRunHelp(t *testing.T) {
	for _, arg := range []string{"help", "--help", "-h"} {
		code, stdout, _ := captureOutputWithExitCode(t, func() int { return run([]string{arg}) })
		if code != 0 {
			t.Fatalf("run(%s) code = %d", arg, code)
		}
		if !strings.Contains(stdout, "texgw <command> [flags]") {
			t.Fatalf("run(%s) stdout missing usage: %s", arg, stdout)
		}
	}
}

func TestRunWithoutCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int { return run(nil) })
	if code != 1 {
		t.Fatalf("run() code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Usage:") {
		t.Fatalf("stderr missing usage: %s", stderr)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int { return run([]string{"frobnicate"}) })
	if code != 1 {
		t.Fatalf("run(frobnicate) code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("stderr = %s", stderr)
	}
}

func TestRunTokenFromFile(t *testing.T) {
	clearEnv(t)
	doc := "\\[ \\int_0^1 x\\,dx \\]"
	path := writeFile(t, "doc.tex", doc)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runToken([]string{"--key", testKey, "--file", path}, strings.NewReader("ignored"))
	})
	if code != 0 {
		t.Fatalf("runToken() code = %d, stderr: %s", code, stderr)
	}
	if got, want := strings.TrimSpace(stdout), expectedToken(t, doc); got != want {
		t.Fatalf("token = %q, want %q", got, want)
	}
}

func TestRunTokenFromStdinWithEnvKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("HMAC_KEY", testKey)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runToken(nil, strings.NewReader("x^2"))
	})
	if code != 0 {
		t.Fatalf("runToken() code = %d, stderr: %s", code, stderr)
	}
	if got, want := strings.TrimSpace(stdout), expectedToken(t, "x^2"); got != want {
		t.Fatalf("token = %q, want %q", got, want)
	}
}

func TestRunTokenKeyErrors(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "missing key", args: nil, wantErr: "admission key required"},
		{name: "short key", args: []string{"--key", base64.RawURLEncoding.EncodeToString([]byte("short"))}, wantErr: "Invalid key"},
		{name: "not base64", args: []string{"--key", "***"}, wantErr: "Invalid key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := captureOutputWithExitCode(t, func() int {
				return runToken(tt.args, strings.NewReader("x"))
			})
			if code != 1 {
				t.Fatalf("runToken() code = %d, want 1", code)
			}
			if !strings.Contains(stderr, tt.wantErr) {
				t.Fatalf("stderr = %q, want it to contain %q", stderr, tt.wantErr)
			}
		})
	}
}

func TestRunTokenMissingFile(t *testing.T) {
	clearEnv(t)
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runToken([]string{"--key", testKey, "--file", filepath.Join(t.TempDir(), "missing.tex")}, nil)
	})
	if code != 1 {
		t.Fatalf("runToken() code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Failed to read document") {
		t.Fatalf("stderr = %s", stderr)
	}
}

func TestRunServeRejectsInvalidConfig(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{name: "missing key", config: "pools:\n  priority_size: 2\n", wantErr: "admission.hmac_key"},
		{name: "bad pool size", config: "admission:\n  hmac_key: " + testKey + "\npools:\n  public_size: 0\n", wantErr: "pools.public_size"},
		{name: "bad yaml", config: "pools: [", wantErr: "failed to load config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "texgw.yaml", tt.config)
			code, _, stderr := captureOutputWithExitCode(t, func() int {
				return run([]string{"serve", "--config", path})
			})
			if code != 1 {
				t.Fatalf("serve code = %d, want 1", code)
			}
			if !strings.Contains(stderr, tt.wantErr) {
				t.Fatalf("stderr = %q, want it to contain %q", stderr, tt.wantErr)
			}
		})
	}
}

func TestRunBackendRejectsInvalidConfig(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "texgw.yaml", "backend_server:\n  rasterizer: imagemagick\n")

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return run([]string{"backend", "--config", path})
	})
	if code != 1 {
		t.Fatalf("backend code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "backend_server.rasterizer") {
		t.Fatalf("stderr = %s", stderr)
	}
}

func TestRunServeMissingConfigFile(t *testing.T) {
	clearEnv(t)
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return run([]string{"serve", "--config", filepath.Join(t.TempDir(), "nope.yaml")})
	})
	if code != 1 {
		t.Fatalf("serve code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "failed to read config file") {
		t.Fatalf("stderr = %s", stderr)
	}
}

func TestRunBackendRefusesLockedWorkDir(t *testing.T) {
	clearEnv(t)
	workDir := t.TempDir()
	held, err := lock.AcquireDir(workDir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = held.Release() })

	path := writeFile(t, "texgw.yaml", "backend_server:\n  work_dir: "+workDir+"\n")
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return run([]string{"backend", "--config", path})
	})
	if code != 1 {
		t.Fatalf("backend code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "locked by another backend") {
		t.Fatalf("stderr = %s", stderr)
	}
}

func TestRunDoctor(t *testing.T) {
	clearEnv(t)

	valid := writeFile(t, "ok.yaml", "admission:\n  hmac_key: "+testKey+"\napi:\n  operator_token: op\n")
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return run([]string{"doctor", "--config", valid})
	})
	if code != 0 {
		t.Fatalf("doctor code = %d, stdout: %s, stderr: %s", code, stdout, stderr)
	}
	if stdout != "Configuration valid.\n" {
		t.Fatalf("stdout = %q", stdout)
	}

	invalid := writeFile(t, "bad.yaml", "pools:\n  public_size: 0\n")
	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return run([]string{"doctor", "--config", invalid, "--json"})
	})
	if code != 1 {
		t.Fatalf("doctor code = %d, want 1", code)
	}
	for _, want := range []string{`"valid": false`, "admission.hmac_key", "pools.public_size"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing %q: %s", want, stdout)
		}
	}
}
