package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/texgw/internal/admission"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load builds the configuration from defaults, then the YAML file at
// configPath (skipped when empty), then environment variables. It does not
// validate; call Validate or ValidateBackendServer for the command being run.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		interpolated := interpolateEnv(string(data))
		if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

type lookupFunc func(key string) (string, bool)

// applyEnv overrides file values with the environment variables operators
// already use to run the gateway.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	size := func(key string, dst *ByteSize) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := ParseSize(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = ByteSize(n)
		}
	}

	str("TEXGW_LOG_LEVEL", &cfg.Service.LogLevel)
	str("TEXGW_LOG_FORMAT", &cfg.Service.LogFormat)
	str("TEXGW_LISTEN", &cfg.API.Listen)
	size("TEXGW_MAX_BODY_SIZE", &cfg.API.MaxBodySize)
	str("TEXGW_OPERATOR_TOKEN", &cfg.API.OperatorToken)
	str("RENDER_ENDPOINT", &cfg.Backend.Address)
	dur("TEXGW_RENDER_TIMEOUT", &cfg.Backend.Timeout)
	num("PRIORITY_POOL_SIZE", &cfg.Pools.PrioritySize)
	num("PUBLIC_POOL_SIZE", &cfg.Pools.PublicSize)
	str("HMAC_KEY", &cfg.Admission.HMACKey)
	str("TEXGW_BACKEND_LISTEN", &cfg.BackendServer.Listen)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(errs...))
	}
	return nil
}

// Validate checks the settings `texgw serve` needs.
func (c *Config) Validate() error {
	if _, err := c.HMACKey(); err != nil {
		return fmt.Errorf("admission.hmac_key: %w", err)
	}
	if c.Pools.PrioritySize < 1 {
		return fmt.Errorf("pools.priority_size must be at least 1, got %d", c.Pools.PrioritySize)
	}
	if c.Pools.PublicSize < 1 {
		return fmt.Errorf("pools.public_size must be at least 1, got %d", c.Pools.PublicSize)
	}
	if strings.TrimSpace(c.Backend.Address) == "" {
		return errors.New("backend.address is required")
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be positive, got %s", c.Backend.Timeout)
	}
	if c.Backend.ConnectAttempts < 1 {
		return fmt.Errorf("backend.connect_attempts must be at least 1, got %d", c.Backend.ConnectAttempts)
	}
	if c.Backend.ConnectBackoff < 0 {
		return fmt.Errorf("backend.connect_backoff must not be negative, got %s", c.Backend.ConnectBackoff)
	}
	if c.Backend.MaxResponseSize <= 0 || c.Backend.MaxResponseSize > 1<<32-1 {
		return fmt.Errorf("backend.max_response_size out of range: %d", c.Backend.MaxResponseSize)
	}
	if strings.TrimSpace(c.API.Listen) == "" {
		return errors.New("api.listen is required")
	}
	if c.API.MaxBodySize <= 0 {
		return fmt.Errorf("api.max_body_size must be positive, got %d", c.API.MaxBodySize)
	}
	if strings.Contains(c.API.OperatorToken, "${") {
		return fmt.Errorf("api.operator_token: unresolved environment variable in %q", c.API.OperatorToken)
	}
	if err := validateLogging(c.Service); err != nil {
		return err
	}
	return nil
}

// ValidateBackendServer checks the settings `texgw backend` needs.
func (c *Config) ValidateBackendServer() error {
	b := c.BackendServer
	if strings.TrimSpace(b.Listen) == "" {
		return errors.New("backend_server.listen is required")
	}
	if strings.TrimSpace(b.LatexPath) == "" {
		return errors.New("backend_server.latex_path is required")
	}
	switch b.Rasterizer {
	case RasterizerMutool, RasterizerGhostscript:
	default:
		return fmt.Errorf("backend_server.rasterizer must be %q or %q, got %q", RasterizerMutool, RasterizerGhostscript, b.Rasterizer)
	}
	if b.Resolution < 1 {
		return fmt.Errorf("backend_server.resolution must be positive, got %d", b.Resolution)
	}
	if strings.TrimSpace(b.WorkDir) == "" {
		return errors.New("backend_server.work_dir is required")
	}
	if b.JobTimeout <= 0 {
		return fmt.Errorf("backend_server.job_timeout must be positive, got %s", b.JobTimeout)
	}
	if b.MaxDocumentSize <= 0 {
		return fmt.Errorf("backend_server.max_document_size must be positive, got %d", b.MaxDocumentSize)
	}
	if b.MaxConcurrent < 1 {
		return fmt.Errorf("backend_server.max_concurrent must be at least 1, got %d", b.MaxConcurrent)
	}
	return validateLogging(c.Service)
}

func validateLogging(s ServiceConfig) error {
	switch strings.ToUpper(s.LogLevel) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		return fmt.Errorf("service.log_level %q is not one of DEBUG, INFO, WARN, ERROR", s.LogLevel)
	}
	switch strings.ToLower(s.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text, got %q", s.LogFormat)
	}
	return nil
}

// HMACKey decodes the admission key.
func (c *Config) HMACKey() ([]byte, error) {
	if strings.Contains(c.Admission.HMACKey, "${") {
		return nil, fmt.Errorf("unresolved environment variable in %q", c.Admission.HMACKey)
	}
	return admission.DecodeKey(c.Admission.HMACKey)
}

// ParseSize parses size strings like "1MB", "512KB" or "2048576" to bytes.
func ParseSize(size string) (int64, error) {
	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)

	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1024
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1024 * 1024
		upper = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "GB"):
		multiplier = 1024 * 1024 * 1024
		upper = strings.TrimSuffix(upper, "GB")
	case strings.HasSuffix(upper, "B"):
		upper = strings.TrimSuffix(upper, "B")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", size)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive, got %q", size)
	}

	result := value * multiplier
	if result/multiplier != value {
		return 0, fmt.Errorf("size too large: %q", size)
	}
	return result, nil
}
