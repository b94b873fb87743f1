package observability

import "fmt"

// Config holds OpenTelemetry configuration.
type Config struct {
	// Exporter type: "none", "stdout", or "otlp"
	Exporter string

	// OTLP gRPC endpoint (for otlp exporter)
	Endpoint string

	ServiceName    string
	ServiceVersion string

	// Trace sampling rate (0.0 to 1.0)
	SampleRate float64

	MetricsEnabled bool
	TracesEnabled  bool
}

// NewConfig returns default configuration.
func NewConfig() *Config {
	return &Config{
		Exporter:       "none",
		Endpoint:       "localhost:4317",
		ServiceName:    "huddle",
		ServiceVersion: "dev",
		SampleRate:     0.1,
		MetricsEnabled: true,
		TracesEnabled:  true,
	}
}

// ShouldEnable returns true if OTel should be initialized.
func (c *Config) ShouldEnable() bool {
	return c.Exporter != "none" && c.Exporter != ""
}

// Validate checks exporter and sample rate.
func (c *Config) Validate() error {
	switch c.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		return fmt.Errorf("unknown exporter: %s", c.Exporter)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample rate must be between 0 and 1, got %v", c.SampleRate)
	}
	if c.Exporter == "otlp" && c.Endpoint == "" {
		return fmt.Errorf("otlp exporter requires an endpoint")
	}
	return nil
}
