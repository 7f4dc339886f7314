package pqvolume

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// validate is a singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
	// Report YAML names so errors match what users wrote
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Config holds engine-wide settings
type Config struct {
	// Profile selects KDF costs for new volumes
	Profile Profile `yaml:"profile" validate:"omitempty,oneof=low medium high paranoid"`

	// KDF overrides Profile when set
	KDF *KDFParams `yaml:"kdf,omitempty"`

	// PIM multiplies the KDF time cost for new volumes (0 = off)
	PIM uint32 `yaml:"pim" validate:"max=100"`

	// ErasePasses is the number of random overwrite passes
	ErasePasses int `yaml:"erase_passes" validate:"min=1,max=35"`

	// VerifyOnOpen recomputes the whole-volume MAC after unlocking
	VerifyOnOpen bool `yaml:"verify_on_open"`

	// LogLevel is a logrus level name
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn warning error"`

	// Parallel controls bulk block sealing
	Parallel ParallelConfig `yaml:"parallel"`

	// SnapshotDir is where the CLI keeps snapshots
	SnapshotDir string `yaml:"snapshot_dir"`

	// Logger receives engine logs. Defaults to a new logrus logger.
	Logger *logrus.Logger `yaml:"-" validate:"-"`

	// Metrics records engine metrics when set
	Metrics *Metrics `yaml:"-" validate:"-"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Profile:     ProfileMedium,
		ErasePasses: 3,
		LogLevel:    "info",
		Parallel:    DefaultParallelConfig(),
		SnapshotDir: "/snapshots",
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	if c.KDF != nil {
		if err := c.KDF.Validate(); err != nil {
			return err
		}
	}
	if err := c.Parallel.Validate(); err != nil {
		return &ValidationError{Field: "parallel", Message: err.Error(), Err: err}
	}
	return nil
}

// KDFParams returns the cost parameters new volumes are created with
func (c *Config) KDFParams() (KDFParams, error) {
	var params KDFParams
	if c.KDF != nil {
		params = *c.KDF
	} else {
		p := c.Profile
		if p == "" {
			p = ProfileMedium
		}
		var err error
		if params, err = ProfileParams(p); err != nil {
			return KDFParams{}, err
		}
	}
	return params.WithPIM(c.PIM), nil
}

// logger returns the configured logger, building one from LogLevel if
// none was given.
func (c *Config) logger() *logrus.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	c.Logger = log
	return log
}

// LoadConfig parses YAML over the defaults and validates the result
func LoadConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadConfigFile reads and parses a YAML config file from storage
func LoadConfigFile(storage Storage, path string) (*Config, error) {
	f, err := storage.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, NewIOError("open", path, -1, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, NewIOError("read", path, -1, err)
	}
	return LoadConfig(data)
}

// formatValidationError converts the first validator error into a
// *ValidationError
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) || len(validationErrs) == 0 {
		return err
	}

	e := validationErrs[0]
	field := e.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}

	var msg string
	switch e.Tag() {
	case "required":
		msg = "field is required"
	case "min":
		msg = fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		msg = fmt.Sprintf("must not exceed %s", e.Param())
	case "oneof":
		msg = fmt.Sprintf("must be one of: %s", e.Param())
	default:
		msg = fmt.Sprintf("validation failed (%s)", e.Tag())
	}

	return &ValidationError{
		Field:   field,
		Value:   e.Value(),
		Message: msg,
		Err:     err,
	}
}
