package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete texgw configuration.
type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	API           APIConfig           `yaml:"api"`
	Backend       BackendConfig       `yaml:"backend"`
	Pools         PoolsConfig         `yaml:"pools"`
	Admission     AdmissionConfig     `yaml:"admission"`
	Events        EventsConfig        `yaml:"events"`
	BackendServer BackendServerConfig `yaml:"backend_server"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// APIConfig defines HTTP front end settings.
type APIConfig struct {
	Listen      string   `yaml:"listen"`
	MaxBodySize ByteSize `yaml:"max_body_size"`

	// OperatorToken guards /healthz and /events. Empty leaves them open.
	OperatorToken string `yaml:"operator_token"`
}

// BackendConfig describes how the gateway reaches rendering backends.
type BackendConfig struct {
	Address         string        `yaml:"address"`
	Timeout         time.Duration `yaml:"timeout"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	ConnectBackoff  time.Duration `yaml:"connect_backoff"`
	MaxResponseSize ByteSize      `yaml:"max_response_size"`
}

// PoolsConfig sizes the two connection pools.
type PoolsConfig struct {
	PrioritySize int `yaml:"priority_size"`
	PublicSize   int `yaml:"public_size"`
}

// AdmissionConfig holds the priority token key.
type AdmissionConfig struct {
	// HMACKey is base64. Prefer ${HMAC_KEY} over a literal in the file.
	HMACKey string `yaml:"hmac_key"`
}

// EventsConfig sizes the in-memory event history.
type EventsConfig struct {
	Buffer int `yaml:"buffer"`
}

// BackendServerConfig configures `texgw backend`.
type BackendServerConfig struct {
	Listen          string        `yaml:"listen"`
	LatexPath       string        `yaml:"latex_path"`
	Format          string        `yaml:"format"`
	Rasterizer      string        `yaml:"rasterizer"`
	RasterizerPath  string        `yaml:"rasterizer_path"`
	Resolution      int           `yaml:"resolution"`
	WorkDir         string        `yaml:"work_dir"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	MaxDocumentSize ByteSize      `yaml:"max_document_size"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
}

// Rasterizers understood by the reference backend.
const (
	RasterizerMutool      = "mutool"
	RasterizerGhostscript = "gs"
)

// Defaults returns a Config with every default applied.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			LogLevel:  "INFO",
			LogFormat: "json",
		},
		API: APIConfig{
			Listen:      "0.0.0.0:3000",
			MaxBodySize: 1 << 20,
		},
		Backend: BackendConfig{
			Address:         "localhost:5000",
			Timeout:         5 * time.Second,
			ConnectAttempts: 3,
			ConnectBackoff:  1 * time.Second,
			MaxResponseSize: 64 << 20,
		},
		Pools: PoolsConfig{
			PrioritySize: 3,
			PublicSize:   3,
		},
		Events: EventsConfig{
			Buffer: 256,
		},
		BackendServer: BackendServerConfig{
			Listen:          "0.0.0.0:5000",
			LatexPath:       "pdflatex",
			Rasterizer:      RasterizerMutool,
			Resolution:      440,
			WorkDir:         filepath.Join(os.TempDir(), "texgw"),
			JobTimeout:      10 * time.Second,
			MaxDocumentSize: 1 << 20,
			MaxConcurrent:   runtime.NumCPU(),
		},
	}
}

// ByteSize is a size in bytes. In YAML it may be a plain integer or a string
// with a KB, MB or GB suffix.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	n, err := ParseSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = ByteSize(n)
	return nil
}
