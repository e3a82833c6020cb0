// Package doctor checks a texgw configuration and the environment it will
// run in, reporting every problem at once rather than stopping at the first.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/mattjoyce/texgw/internal/config"
	"github.com/mattjoyce/texgw/internal/protocol"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg      *config.Config
	lookPath func(file string) (string, error)
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
	getenv   func(key string) string
}

// New creates a Doctor for cfg.
func New(cfg *config.Config) *Doctor {
	var d net.Dialer
	return &Doctor{
		cfg:      cfg,
		lookPath: exec.LookPath,
		dial:     d.DialContext,
		getenv:   os.Getenv,
	}
}

// Validate checks the settings used by `texgw serve`.
func (d *Doctor) Validate() *Result {
	r := &Result{}

	d.validateService(r)
	d.validateAdmission(r)
	d.validatePools(r)
	d.validateAPI(r)
	d.warnMissingEnvVars(r)

	r.Valid = len(r.Errors) == 0
	return r
}

// ValidateBackend checks the settings and tools used by `texgw backend`.
func (d *Doctor) ValidateBackend() *Result {
	r := &Result{}

	d.validateService(r)
	d.validateBackendServer(r)
	d.validateTools(r)
	d.warnBackendCapacity(r)

	r.Valid = len(r.Errors) == 0
	return r
}

// Probe dials backend.address once and writes the preamble, the way a pool
// slot does, recording an error when either step fails.
func (d *Doctor) Probe(ctx context.Context, r *Result) {
	addr := d.cfg.Backend.Address
	timeout := d.cfg.Backend.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := d.dial(ctx, "tcp", addr)
	if err != nil {
		d.addError(r, "backend", "backend.address", fmt.Sprintf("cannot reach %s: %v", addr, err))
		r.Valid = false
		return
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := io.WriteString(conn, protocol.Preamble); err != nil {
		d.addError(r, "backend", "backend.address", fmt.Sprintf("handshake with %s failed: %v", addr, err))
	}
	r.Valid = len(r.Errors) == 0
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateService(r *Result) {
	switch strings.ToUpper(d.cfg.Service.LogLevel) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		d.addError(r, "service", "service.log_level",
			fmt.Sprintf("unknown log level %q", d.cfg.Service.LogLevel))
	}
	switch strings.ToLower(d.cfg.Service.LogFormat) {
	case "json", "text":
	default:
		d.addError(r, "service", "service.log_format",
			fmt.Sprintf("log format must be json or text, got %q", d.cfg.Service.LogFormat))
	}
}

func (d *Doctor) validateAdmission(r *Result) {
	if _, err := d.cfg.HMACKey(); err != nil {
		d.addError(r, "admission", "admission.hmac_key", err.Error())
	}
}

func (d *Doctor) validatePools(r *Result) {
	if d.cfg.Pools.PrioritySize < 1 {
		d.addError(r, "pools", "pools.priority_size", "must be at least 1")
	}
	if d.cfg.Pools.PublicSize < 1 {
		d.addError(r, "pools", "pools.public_size", "must be at least 1")
	}

	b := d.cfg.Backend
	if strings.TrimSpace(b.Address) == "" {
		d.addError(r, "backend", "backend.address", "backend address is required")
	} else if _, _, err := net.SplitHostPort(b.Address); err != nil {
		d.addError(r, "backend", "backend.address", fmt.Sprintf("invalid host:port %q: %v", b.Address, err))
	}
	if b.Timeout <= 0 {
		d.addError(r, "backend", "backend.timeout", "timeout must be positive")
	} else if b.Timeout < time.Second {
		d.addWarning(r, "backend", "backend.timeout",
			fmt.Sprintf("timeout %s is shorter than a typical pdflatex run", b.Timeout))
	}
	if b.ConnectAttempts < 1 {
		d.addError(r, "backend", "backend.connect_attempts", "must be at least 1")
	}
	if b.ConnectBackoff < 0 {
		d.addError(r, "backend", "backend.connect_backoff", "must not be negative")
	}
	if b.MaxResponseSize <= 0 || b.MaxResponseSize > 1<<32-1 {
		d.addError(r, "backend", "backend.max_response_size",
			fmt.Sprintf("must be between 1 and 4GB, got %d", b.MaxResponseSize))
	}
}

func (d *Doctor) validateAPI(r *Result) {
	if strings.TrimSpace(d.cfg.API.Listen) == "" {
		d.addError(r, "api", "api.listen", "listen address is required")
	}
	if d.cfg.API.MaxBodySize <= 0 {
		d.addError(r, "api", "api.max_body_size", "must be positive")
	}
	if d.cfg.API.OperatorToken == "" {
		d.addWarning(r, "api", "api.operator_token",
			"no operator token configured; /healthz and /events are open")
	}
}

// warnMissingEnvVars warns about ${VAR} references where VAR is not set.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	envVarRe := regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)

	fields := map[string]string{
		"admission.hmac_key": d.cfg.Admission.HMACKey,
		"api.operator_token": d.cfg.API.OperatorToken,
	}
	for _, field := range []string{"admission.hmac_key", "api.operator_token"} {
		for _, m := range envVarRe.FindAllStringSubmatch(fields[field], -1) {
			if d.getenv(m[1]) == "" {
				d.addWarning(r, "env_vars", field,
					fmt.Sprintf("environment variable ${%s} not set", m[1]))
			}
		}
	}
}

func (d *Doctor) validateBackendServer(r *Result) {
	b := d.cfg.BackendServer
	if strings.TrimSpace(b.Listen) == "" {
		d.addError(r, "backend_server", "backend_server.listen", "listen address is required")
	}
	switch b.Rasterizer {
	case config.RasterizerMutool, config.RasterizerGhostscript:
	default:
		d.addError(r, "backend_server", "backend_server.rasterizer",
			fmt.Sprintf("must be %q or %q, got %q", config.RasterizerMutool, config.RasterizerGhostscript, b.Rasterizer))
	}
	if b.Resolution < 1 {
		d.addError(r, "backend_server", "backend_server.resolution", "must be positive")
	}
	if b.JobTimeout <= 0 {
		d.addError(r, "backend_server", "backend_server.job_timeout", "must be positive")
	}
	if b.MaxDocumentSize <= 0 {
		d.addError(r, "backend_server", "backend_server.max_document_size", "must be positive")
	}
	if b.MaxConcurrent < 1 {
		d.addError(r, "backend_server", "backend_server.max_concurrent", "must be at least 1")
	}
	if strings.TrimSpace(b.WorkDir) == "" {
		d.addError(r, "backend_server", "backend_server.work_dir", "work directory is required")
	} else if err := checkWritableDir(b.WorkDir); err != nil {
		d.addError(r, "backend_server", "backend_server.work_dir", err.Error())
	}
}

// validateTools checks that the typesetter and rasterizer can be found.
func (d *Doctor) validateTools(r *Result) {
	b := d.cfg.BackendServer
	if _, err := d.lookPath(b.LatexPath); err != nil {
		d.addError(r, "tools", "backend_server.latex_path",
			fmt.Sprintf("typesetter %q not found: %v", b.LatexPath, err))
	}

	raster := b.RasterizerPath
	if raster == "" {
		raster = b.Rasterizer
	}
	if raster != "" {
		if _, err := d.lookPath(raster); err != nil {
			d.addError(r, "tools", "backend_server.rasterizer_path",
				fmt.Sprintf("rasterizer %q not found: %v", raster, err))
		}
	}
}

// warnBackendCapacity flags pools that hold more idle connections than the
// backend renders at once. The extra connections wait on the backend.
func (d *Doctor) warnBackendCapacity(r *Result) {
	slots := d.cfg.Pools.PrioritySize + d.cfg.Pools.PublicSize
	if limit := d.cfg.BackendServer.MaxConcurrent; limit > 0 && slots > limit {
		d.addWarning(r, "capacity", "backend_server.max_concurrent",
			fmt.Sprintf("pools keep %d connections but the backend renders %d at a time", slots, limit))
	}
}

// checkWritableDir reports whether dir exists, or can be created, and
// accepts new files.
func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return nil
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, is Issue) {
	if is.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, is.Category, is.Field, is.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, is.Category, is.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
