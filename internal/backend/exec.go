package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/texgw/internal/protocol"
	"github.com/mattjoyce/texgw/internal/workspace"
)

const (
	// terminationGracePeriod is the time we wait after SIGTERM before SIGKILL.
	terminationGracePeriod = 2 * time.Second

	// maxDiagnosticBytes caps the diagnostic returned for a failed job.
	maxDiagnosticBytes = 64 * 1024

	// defaultHeader is used when no precompiled format supplies the preamble.
	defaultHeader = "\\documentclass[border=1pt]{standalone}\n\\usepackage{amsmath,amssymb}\n"

	jobName = "job"
)

// ExecConfig configures ExecRenderer.
type ExecConfig struct {
	LatexPath string
	// Format is a precompiled pdflatex format holding the document preamble.
	// When empty a minimal standalone header is written instead.
	Format         string
	Rasterizer     string // "mutool" or "gs"
	RasterizerPath string
	Resolution     int
	JobTimeout     time.Duration
	Workspaces     workspace.Manager
}

// ExecRenderer renders with pdflatex and then mutool or ghostscript.
type ExecRenderer struct {
	config ExecConfig
	logger *slog.Logger
}

// NewExecRenderer validates config and returns a renderer.
func NewExecRenderer(config ExecConfig, logger *slog.Logger) (*ExecRenderer, error) {
	if config.Workspaces == nil {
		return nil, errors.New("exec renderer: workspace manager is required")
	}
	if config.LatexPath == "" {
		config.LatexPath = "pdflatex"
	}
	switch config.Rasterizer {
	case "", "mutool":
		config.Rasterizer = "mutool"
	case "gs":
	default:
		return nil, fmt.Errorf("exec renderer: unknown rasterizer %q", config.Rasterizer)
	}
	if config.RasterizerPath == "" {
		config.RasterizerPath = config.Rasterizer
	}
	if config.Resolution <= 0 {
		config.Resolution = 440
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 10 * time.Second
	}
	return &ExecRenderer{config: config, logger: logger}, nil
}

// Render typesets doc and rasterizes its first page.
func (r *ExecRenderer) Render(ctx context.Context, doc []byte) *protocol.Response {
	jobID := uuid.NewString()
	logger := r.logger.With("job_id", jobID)

	ws, err := r.config.Workspaces.Create(ctx, jobID)
	if err != nil {
		logger.Error("failed to create workspace", "error", err)
		return protocol.NewErrorResponse(protocol.CodeErrInternal, "failed to create workspace")
	}
	defer func() {
		if err := r.config.Workspaces.Remove(jobID); err != nil {
			logger.Warn("failed to remove workspace", "error", err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.config.JobTimeout)
	defer cancel()

	if err := os.WriteFile(ws.Path(jobName+".tex"), r.source(doc), 0o600); err != nil {
		logger.Error("failed to write job source", "error", err)
		return protocol.NewErrorResponse(protocol.CodeErrInternal, "failed to write job source")
	}

	latex := r.command(ctx, ws, r.config.LatexPath, r.latexArgs(ws)...)
	transcript, err := latex.CombinedOutput()
	if err != nil {
		return r.failure(ctx, logger, "pdflatex", err, protocol.CodeErrDocument, transcript)
	}

	var stdout, stderr bytes.Buffer
	raster := r.command(ctx, ws, r.config.RasterizerPath, r.rasterArgs()...)
	raster.Stdout = &stdout
	raster.Stderr = &stderr
	if err := raster.Run(); err != nil {
		return r.failure(ctx, logger, r.config.Rasterizer, err, protocol.CodeErrRaster, stderr.Bytes())
	}
	if stdout.Len() == 0 {
		logger.Warn("rasterizer produced no output", "stderr", string(tail(stderr.Bytes(), 1024)))
		return protocol.NewErrorResponse(protocol.CodeErrRaster, "rasterizer produced no output")
	}

	return &protocol.Response{Code: protocol.CodeOK, Data: stdout.Bytes()}
}

func (r *ExecRenderer) source(doc []byte) []byte {
	var buf bytes.Buffer
	if r.config.Format == "" {
		buf.WriteString(defaultHeader)
	}
	buf.WriteString(protocol.Preamble)
	buf.Write(doc)
	buf.WriteString(protocol.Postamble)
	return buf.Bytes()
}

func (r *ExecRenderer) latexArgs(ws workspace.Workspace) []string {
	args := []string{
		"-interaction=nonstopmode",
		"-halt-on-error",
		"-no-shell-escape",
	}
	if r.config.Format != "" {
		args = append(args, "-fmt="+r.config.Format)
	}
	return append(args,
		"-output-directory="+ws.Dir,
		"-jobname="+jobName,
		jobName+".tex",
	)
}

func (r *ExecRenderer) rasterArgs() []string {
	res := strconv.Itoa(r.config.Resolution)
	pdf := jobName + ".pdf"
	if r.config.Rasterizer == "gs" {
		return []string{
			"-q",
			"-dBATCH",
			"-dNOPAUSE",
			"-dSAFER",
			"-dFirstPage=1",
			"-dLastPage=1",
			"-dTextAlphaBits=4",
			"-dGraphicsAlphaBits=4",
			"-sDEVICE=png16m",
			"-r" + res,
			"-sstdout=%stderr",
			"-sOutputFile=-",
			pdf,
		}
	}
	return []string{"draw", "-r" + res, "-c", "rgb", "-F", "png", "-q", "-o", "-", pdf, "1"}
}

// command builds a job process confined to the workspace directory. On
// cancellation it gets SIGTERM, then SIGKILL after the grace period.
func (r *ExecRenderer) command(ctx context.Context, ws workspace.Workspace, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = ws.Dir
	cmd.Env = append(os.Environ(), "TEXMFOUTPUT="+ws.Dir, "openout_any=p", "openin_any=p")
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminationGracePeriod
	return cmd
}

// failure maps a failed step to a response. Only a step that ran and exited
// non-zero reports failCode; timeouts and exec errors are internal.
func (r *ExecRenderer) failure(ctx context.Context, logger *slog.Logger, step string, err error, failCode protocol.Code, output []byte) *protocol.Response {
	if ctxErr := ctx.Err(); ctxErr != nil {
		logger.Warn("job cancelled", "step", step, "error", ctxErr)
		return protocol.NewErrorResponse(protocol.CodeErrInternal, step+": "+ctxErr.Error())
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		logger.Error("failed to run "+step, "error", err)
		return protocol.NewErrorResponse(protocol.CodeErrInternal, "failed to run "+step)
	}

	logger.Info(step+" failed", "exit_code", exitErr.ExitCode())
	return &protocol.Response{Code: failCode, Data: tail(output, maxDiagnosticBytes)}
}

// tail keeps the last n bytes, where pdflatex reports the error that
// stopped it.
func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
