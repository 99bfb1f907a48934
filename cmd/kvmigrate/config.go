package main

import (
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/kvmigrate/kv-migrate/migrator"
)

// Config is the configuration accepted by the kvmigrate CLI, following the
// same Path/Merge/Copy/WasSet shape the teacher uses for its own Config:
// a zero-value struct populated by defaults, then overridden first by any
// -config files and finally by explicit flags.
type Config struct {
	// Path is the file this config was parsed from, if any.
	Path string `mapstructure:"-"`

	// MigrationID is the migration ID passed to migrator.New. It does not
	// appear in log lines or in the status endpoint.
	MigrationID string `mapstructure:"migration_id"`

	// Source and Target describe the two sides of the migration.
	Source *ConnectionConfig `mapstructure:"source"`
	Target *ConnectionConfig `mapstructure:"target"`

	// EnableRealtimeSync turns on the change subscriber; false runs a
	// one-shot snapshot only.
	EnableRealtimeSync *bool `mapstructure:"realtime_sync"`

	// BatchSize is the scanner page size.
	BatchSize int `mapstructure:"batch_size"`

	// ChunkSize is the replication concurrency per scanner page. Queue drain
	// passes use their own fixed concurrency bound.
	ChunkSize int `mapstructure:"chunk_size"`

	// MetricInterval is the metric snapshot cadence.
	MetricInterval time.Duration `mapstructure:"metric_interval"`

	// LogLevel is one of "DEBUG", "INFO", "WARN", "ERR".
	LogLevel string `mapstructure:"log_level"`

	// PidFile is an optional path to write this process's PID to.
	PidFile string `mapstructure:"pid_file"`

	// HealthPort, if nonzero, serves a JSON status snapshot on this port.
	HealthPort int `mapstructure:"health_port"`

	setKeys map[string]struct{}
}

// ConnectionConfig is the on-disk/flag representation of one side of the
// migration; it is turned into a migrator.ConnectionConfig once parsing and
// merging are complete.
type ConnectionConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	TLS      bool   `mapstructure:"tls"`
}

func (c *ConnectionConfig) toMigrator() migrator.ConnectionConfig {
	if c == nil {
		return migrator.ConnectionConfig{}
	}
	return migrator.ConnectionConfig{
		Host:     c.Host,
		Port:     c.Port,
		Password: c.Password,
		TLS:      c.TLS,
	}
}

// DefaultConfig returns the baseline configuration before any file or flag
// overrides are merged in.
func DefaultConfig() *Config {
	logLevel := os.Getenv("KVMIGRATE_LOG")
	if logLevel == "" {
		logLevel = "INFO"
	}

	return &Config{
		Source:         &ConnectionConfig{Port: 6379},
		Target:         &ConnectionConfig{Port: 6379},
		BatchSize:      5000,
		ChunkSize:      1000,
		MetricInterval: 5 * time.Second,
		LogLevel:       logLevel,
		setKeys:        make(map[string]struct{}),
	}
}

// Copy returns a deep copy of c; nested pointers are never shared between
// the original and the copy.
func (c *Config) Copy() *Config {
	o := new(Config)
	o.Path = c.Path
	o.MigrationID = c.MigrationID

	if c.Source != nil {
		src := *c.Source
		o.Source = &src
	}
	if c.Target != nil {
		tgt := *c.Target
		o.Target = &tgt
	}

	if c.EnableRealtimeSync != nil {
		v := *c.EnableRealtimeSync
		o.EnableRealtimeSync = &v
	}

	o.BatchSize = c.BatchSize
	o.ChunkSize = c.ChunkSize
	o.MetricInterval = c.MetricInterval
	o.LogLevel = c.LogLevel
	o.PidFile = c.PidFile
	o.HealthPort = c.HealthPort

	o.setKeys = make(map[string]struct{}, len(c.setKeys))
	for k := range c.setKeys {
		o.setKeys[k] = struct{}{}
	}

	return o
}

// Merge overlays the values set on o onto c, returning c for chaining. Only
// keys o.WasSet reports are copied, so an unset zero value on o never
// clobbers an already-configured value on c.
func (c *Config) Merge(o *Config) *Config {
	if o == nil {
		return c
	}

	if o.WasSet("path") {
		c.Path = o.Path
	}
	if o.WasSet("migration_id") {
		c.MigrationID = o.MigrationID
	}

	if o.WasSet("source") {
		if c.Source == nil {
			c.Source = &ConnectionConfig{}
		}
		mergeConnection(c.Source, o.Source, o, "source")
	}
	if o.WasSet("target") {
		if c.Target == nil {
			c.Target = &ConnectionConfig{}
		}
		mergeConnection(c.Target, o.Target, o, "target")
	}

	if o.WasSet("realtime_sync") {
		c.EnableRealtimeSync = o.EnableRealtimeSync
	}
	if o.WasSet("batch_size") {
		c.BatchSize = o.BatchSize
	}
	if o.WasSet("chunk_size") {
		c.ChunkSize = o.ChunkSize
	}
	if o.WasSet("metric_interval") {
		c.MetricInterval = o.MetricInterval
	}
	if o.WasSet("log_level") {
		c.LogLevel = o.LogLevel
	}
	if o.WasSet("pid_file") {
		c.PidFile = o.PidFile
	}
	if o.WasSet("health_port") {
		c.HealthPort = o.HealthPort
	}

	if c.setKeys == nil {
		c.setKeys = make(map[string]struct{})
	}
	for k := range o.setKeys {
		c.setKeys[k] = struct{}{}
	}

	return c
}

func mergeConnection(dst, src *ConnectionConfig, o *Config, prefix string) {
	if src == nil {
		return
	}
	if o.WasSet(prefix + ".host") {
		dst.Host = src.Host
	}
	if o.WasSet(prefix + ".port") {
		dst.Port = src.Port
	}
	if o.WasSet(prefix + ".password") {
		dst.Password = src.Password
	}
	if o.WasSet(prefix + ".tls") {
		dst.TLS = src.TLS
	}
}

// WasSet reports whether key was explicitly set on c, as opposed to merely
// holding its zero value.
func (c *Config) WasSet(key string) bool {
	_, ok := c.setKeys[key]
	return ok
}

func (c *Config) set(key string) {
	if c.setKeys == nil {
		c.setKeys = make(map[string]struct{})
	}
	c.setKeys[key] = struct{}{}
}

// Finalize fills in any remaining zero-valued fields with defaults and
// ensures the struct is safe to hand to migrator.New.
func (c *Config) Finalize() {
	if c.Source == nil {
		c.Source = &ConnectionConfig{}
	}
	if c.Target == nil {
		c.Target = &ConnectionConfig{}
	}
	if c.Source.Port == 0 {
		c.Source.Port = 6379
	}
	if c.Target.Port == 0 {
		c.Target.Port = 6379
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5000
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1000
	}
	if c.MetricInterval <= 0 {
		c.MetricInterval = 5 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if c.MigrationID == "" {
		c.MigrationID = "default"
	}
	if c.setKeys == nil {
		c.setKeys = make(map[string]struct{})
	}
}

// Options converts the parsed config into the migrator package's Options.
func (c *Config) Options() migrator.Options {
	opts := migrator.DefaultOptions()
	opts.BatchSize = c.BatchSize
	opts.ChunkSize = c.ChunkSize
	opts.MetricInterval = c.MetricInterval
	if c.EnableRealtimeSync != nil {
		opts.EnableRealtimeSync = *c.EnableRealtimeSync
	}
	return opts
}

// ParseConfig reads and decodes the HCL (or JSON, which is a subset of HCL)
// configuration file at path.
func ParseConfig(path string) (*Config, error) {
	var errs *multierror.Error

	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading config at %q", path)
	}

	var shadow interface{}
	if err := hcl.Decode(&shadow, string(contents)); err != nil {
		return nil, errors.Wrapf(err, "error decoding config at %q", path)
	}

	parsed, ok := shadow.(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("error converting config at %q", path)
	}
	flattenKeys(parsed, []string{"source", "target"})

	c := new(Config)
	metadata := new(mapstructure.Metadata)
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
		ErrorUnused: true,
		Metadata:    metadata,
		Result:      c,
	})
	if err != nil {
		errs = multierror.Append(errs, err)
		return nil, errs.ErrorOrNil()
	}
	if err := decoder.Decode(parsed); err != nil {
		errs = multierror.Append(errs, err)
		return nil, errs.ErrorOrNil()
	}

	c.Path = path
	if c.setKeys == nil {
		c.setKeys = make(map[string]struct{})
	}
	for _, key := range metadata.Keys {
		c.setKeys[key] = struct{}{}
	}
	c.set("path")

	return c, errs.ErrorOrNil()
}

// flattenKeys collapses the []map[string]interface{} shape HCL produces for
// blocks named in keys down to a single map, mirroring the teacher's own
// flattenKeys helper for its "auth"/"ssl"/"syslog" blocks.
func flattenKeys(m map[string]interface{}, keys []string) {
	keySet := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keySet[k] = struct{}{}
	}

	var flatten func(map[string]interface{})
	flatten = func(m map[string]interface{}) {
		for k, v := range m {
			if _, ok := keySet[k]; !ok {
				continue
			}
			switch typed := v.(type) {
			case []map[string]interface{}:
				if len(typed) > 0 {
					last := typed[len(typed)-1]
					flatten(last)
					m[k] = last
				} else {
					m[k] = nil
				}
			case map[string]interface{}:
				flatten(typed)
				m[k] = typed
			}
		}
	}

	flatten(m)
}
