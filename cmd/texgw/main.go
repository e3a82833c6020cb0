package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/texgw/internal/admission"
	"github.com/mattjoyce/texgw/internal/api"
	"github.com/mattjoyce/texgw/internal/backend"
	"github.com/mattjoyce/texgw/internal/config"
	"github.com/mattjoyce/texgw/internal/dispatch"
	"github.com/mattjoyce/texgw/internal/doctor"
	"github.com/mattjoyce/texgw/internal/events"
	"github.com/mattjoyce/texgw/internal/lock"
	"github.com/mattjoyce/texgw/internal/log"
	"github.com/mattjoyce/texgw/internal/pool"
	"github.com/mattjoyce/texgw/internal/protocol"
	"github.com/mattjoyce/texgw/internal/tui/watch"
	"github.com/mattjoyce/texgw/internal/workspace"
)

const version = "0.1.0"

// staleWorkspaceAge is how old a leftover job directory must be before the
// backend sweeps it at startup. The work dir lock guarantees no live peer
// owns it.
const staleWorkspaceAge = time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd, cmdArgs := args[0], args[1:]
	switch cmd {
	case "serve":
		return runServe(cmdArgs)
	case "backend":
		return runBackend(cmdArgs)
	case "token":
		return runToken(cmdArgs, os.Stdin)
	case "watch":
		return runWatch(cmdArgs)
	case "doctor":
		return runDoctor(cmdArgs)
	case "version":
		fmt.Printf("texgw version %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `texgw - LaTeX to PNG render gateway

Usage:
  texgw <command> [flags]

Commands:
  serve     Run the HTTP gateway in foreground
  backend   Run the reference rendering backend
  token     Print the priority token for a document
  watch     Live view of pools and render events
  doctor    Check configuration, tools and backend reachability
  version   Show version information
  help      Show this help message

Use 'texgw <command> --help' for command flags.
`)
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")

	key, err := cfg.HMACKey()
	if err != nil {
		logger.Error("invalid admission key", "error", err)
		return 1
	}
	signer, err := admission.NewSigner(key)
	if err != nil {
		logger.Error("invalid admission key", "error", err)
		return 1
	}

	hub := events.NewHub(cfg.Events.Buffer)
	newPool := func(name string, size int) (*pool.Pool, error) {
		return pool.New(pool.Config{
			Name:            name,
			Size:            size,
			Addr:            cfg.Backend.Address,
			Timeout:         cfg.Backend.Timeout,
			ConnectAttempts: cfg.Backend.ConnectAttempts,
			ConnectBackoff:  cfg.Backend.ConnectBackoff,
			MaxResponseSize: uint32(cfg.Backend.MaxResponseSize),
			Events:          hub,
		})
	}

	priority, err := newPool(dispatch.PoolPriority, cfg.Pools.PrioritySize)
	if err != nil {
		logger.Error("failed to create pool", "pool", dispatch.PoolPriority, "error", err)
		return 1
	}
	defer priority.Close()

	public, err := newPool(dispatch.PoolPublic, cfg.Pools.PublicSize)
	if err != nil {
		logger.Error("failed to create pool", "pool", dispatch.PoolPublic, "error", err)
		return 1
	}
	defer public.Close()

	disp, err := dispatch.New(dispatch.Config{
		Priority: priority,
		Public:   public,
		Verifier: signer,
		Events:   hub,
		Logger:   log.WithComponent("dispatch"),
	})
	if err != nil {
		logger.Error("failed to create dispatcher", "error", err)
		return 1
	}

	apiServer := api.New(
		api.Config{
			Listen:        cfg.API.Listen,
			MaxBodySize:   int64(cfg.API.MaxBodySize),
			OperatorToken: cfg.API.OperatorToken,
		},
		disp,
		map[string]api.PoolReporter{
			priority.Name(): priority,
			public.Name():   public,
		},
		hub,
		log.WithComponent("api"),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("texgw starting",
		"version", version,
		"listen", cfg.API.Listen,
		"backend", cfg.Backend.Address,
		"protocol", protocol.Version,
		"priority_size", cfg.Pools.PrioritySize,
		"public_size", cfg.Pools.PublicSize,
		"hmac_key", cfg.KeyFingerprint(),
		"operator_auth", cfg.API.OperatorToken != "",
	)

	if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("API server failed", "error", err)
		return 1
	}

	logger.Info("texgw stopped")
	return 0
}

func runBackend(args []string) int {
	fs := flag.NewFlagSet("backend", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := cfg.ValidateBackendServer(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		return 1
	}

	bs := cfg.BackendServer
	dirLock, err := lock.AcquireDir(bs.WorkDir)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			fmt.Fprintf(os.Stderr, "Work directory %s is locked by another backend\n", bs.WorkDir)
		} else {
			fmt.Fprintf(os.Stderr, "Failed to lock work directory: %v\n", err)
		}
		return 1
	}
	defer dirLock.Release()

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("backend")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workspaces, err := workspace.NewFSManager(bs.WorkDir)
	if err != nil {
		logger.Error("failed to initialize workspace manager", "work_dir", bs.WorkDir, "error", err)
		return 1
	}
	report, err := workspaces.Cleanup(ctx, staleWorkspaceAge)
	if err != nil {
		logger.Warn("workspace cleanup failed", "work_dir", bs.WorkDir, "error", err)
	} else if report.DeletedDirs > 0 {
		logger.Info("removed stale workspaces", "count", report.DeletedDirs)
	}

	renderer, err := backend.NewExecRenderer(backend.ExecConfig{
		LatexPath:      bs.LatexPath,
		Format:         bs.Format,
		Rasterizer:     bs.Rasterizer,
		RasterizerPath: bs.RasterizerPath,
		Resolution:     bs.Resolution,
		JobTimeout:     bs.JobTimeout,
		Workspaces:     workspaces,
	}, logger)
	if err != nil {
		logger.Error("failed to create renderer", "error", err)
		return 1
	}

	srv, err := backend.NewServer(backend.Config{
		Listen:          bs.Listen,
		MaxDocumentSize: int64(bs.MaxDocumentSize),
		MaxConcurrent:   bs.MaxConcurrent,
	}, renderer, logger)
	if err != nil {
		logger.Error("failed to create backend server", "error", err)
		return 1
	}

	logger.Info("texgw backend starting",
		"version", version,
		"latex", bs.LatexPath,
		"format", bs.Format,
		"rasterizer", bs.Rasterizer,
		"resolution", bs.Resolution,
	)
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("backend server failed", "error", err)
		return 1
	}
	return 0
}

func runToken(args []string, stdin io.Reader) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	keyFlag := fs.String("key", "", "Base64 admission key (default: $HMAC_KEY)")
	file := fs.String("file", "", "Document body to sign (default: stdin)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	encoded := *keyFlag
	if encoded == "" {
		encoded = os.Getenv("HMAC_KEY")
	}
	if strings.TrimSpace(encoded) == "" {
		fmt.Fprintln(os.Stderr, "Error: admission key required. Use --key or HMAC_KEY env var.")
		return 1
	}
	key, err := admission.DecodeKey(encoded)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid key: %v\n", err)
		return 1
	}
	signer, err := admission.NewSigner(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid key: %v\n", err)
		return 1
	}

	var body []byte
	if *file != "" {
		body, err = os.ReadFile(*file)
	} else {
		body, err = io.ReadAll(stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read document: %v\n", err)
		return 1
	}

	fmt.Println(signer.Sign(body))
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("url", "http://localhost:3000", "Gateway base URL")
	token := fs.String("token", os.Getenv("TEXGW_OPERATOR_TOKEN"), "Operator bearer token")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if err := watch.Run(*apiURL, *token); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	checkBackend := fs.Bool("backend", false, "Check backend_server settings and tools instead of the gateway")
	probe := fs.Bool("probe", false, "Dial backend.address")
	jsonOut := fs.Bool("json", false, "Output report in JSON")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	d := doctor.New(cfg)
	var result *doctor.Result
	if *checkBackend {
		result = d.ValidateBackend()
	} else {
		result = d.Validate()
	}
	if *probe {
		d.Probe(context.Background(), result)
	}

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to format report: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	return 0
}
