package monitoring

import "path"

// Config is the debug HTTP endpoint of a service.
type Config struct {
	Port      int `default:"6601"`
	URLPrefix string
	// MetricEnabled serves the prometheus registry.
	MetricEnabled bool
	// ProfilingEnabled serves pprof.
	ProfilingEnabled bool
}

func (c *Config) IsEnabled() bool { return c.MetricEnabled || c.ProfilingEnabled }

func (c *Config) MetricsPath() string { return path.Join("/", c.URLPrefix, "metrics") }

func (c *Config) ProfilePath() string { return path.Join("/", c.URLPrefix, "debug/pprof") }
