package configuration

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Configuration is a versioned filehub configuration, intended to be provided
// by a yaml file, and optionally modified by environment variables.
type Configuration struct {
	// Version is the version which defines the format of the rest of the
	// configuration.
	Version Version `yaml:"version"`

	// Log supplies fields for the logging system.
	Log struct {
		// Level is the level at which filehub operations are logged.
		Level Loglevel `yaml:"level,omitempty"`

		// Formatter overrides the default text formatter. Options are
		// "text" and "json".
		Formatter string `yaml:"formatter,omitempty"`

		// Fields is a map of default fields attached to every log line.
		Fields map[string]interface{} `yaml:"fields,omitempty"`
	} `yaml:"log"`

	// HTTP contains configuration parameters for the http interface.
	HTTP struct {
		// Addr specifies the bind address for the filehub instance.
		Addr string `yaml:"addr,omitempty"`

		// Prefix is prepended to all routes when filehub sits behind a
		// path-rewriting proxy.
		Prefix string `yaml:"prefix,omitempty"`

		// Debug configures the debug listener carrying the metrics
		// endpoint.
		Debug struct {
			Addr string `yaml:"addr,omitempty"`

			Prometheus struct {
				Enabled bool   `yaml:"enabled,omitempty"`
				Path    string `yaml:"path,omitempty"`
			} `yaml:"prometheus,omitempty"`
		} `yaml:"debug,omitempty"`
	} `yaml:"http"`

	// Database locates the sqlite file holding all persisted state.
	Database struct {
		Path string `yaml:"path,omitempty"`
	} `yaml:"database"`

	// Secrets configures encryption of stored backend credentials.
	Secrets struct {
		// Key is the key material for the secret box. An empty key stores
		// secrets unencrypted.
		Key string `yaml:"key,omitempty"`
	} `yaml:"secrets"`

	// Copy tunes the copy task engine.
	Copy struct {
		// Parallelism is the number of items copied concurrently.
		Parallelism int `yaml:"parallelism,omitempty"`

		// OverwriteExisting copies over existing targets instead of
		// skipping them.
		OverwriteExisting bool `yaml:"overwriteexisting,omitempty"`
	} `yaml:"copy"`

	// Jobs tunes the generic task engine.
	Jobs struct {
		Parallelism int `yaml:"parallelism,omitempty"`
	} `yaml:"jobs"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface
// Unmarshals a string of the form X.Y into a Version, validating that X and Y can represent uints
func (version *Version) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var versionString string
	err := unmarshal(&versionString)
	if err != nil {
		return err
	}

	newVersion := Version(versionString)
	if _, err := newVersion.major(); err != nil {
		return err
	}

	if _, err := newVersion.minor(); err != nil {
		return err
	}

	*version = newVersion
	return nil
}

// CurrentVersion is the most recent Version that can be parsed
var CurrentVersion = MajorMinorVersion(0, 1)

// Loglevel is the level at which operations are logged
// This can be error, warn, info, or debug
type Loglevel string

// UnmarshalYAML implements the yaml.Umarshaler interface
// Unmarshals a string into a Loglevel, lowercasing the string and validating that it represents a
// valid loglevel
func (loglevel *Loglevel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var loglevelString string
	err := unmarshal(&loglevelString)
	if err != nil {
		return err
	}

	loglevelString = strings.ToLower(loglevelString)
	switch loglevelString {
	case "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("Invalid loglevel %s Must be one of [error, warn, info, debug]", loglevelString)
	}

	*loglevel = Loglevel(loglevelString)
	return nil
}

// Parse parses an input configuration yaml document into a Configuration
// object.
//
// Environment variables may be used to override configuration parameters
// other than version, following the scheme below:
// Configuration.Abc may be replaced by the value of FILEHUB_ABC,
// Configuration.Abc.Xyz may be replaced by the value of FILEHUB_ABC_XYZ,
// and so forth.
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	config, err := newParser("filehub", os.Environ()).parse(in)
	if err != nil {
		return nil, err
	}

	applyDefaults(config)
	return config, nil
}

func applyDefaults(config *Configuration) {
	if config.HTTP.Addr == "" {
		config.HTTP.Addr = ":8080"
	}
	if config.HTTP.Debug.Prometheus.Path == "" {
		config.HTTP.Debug.Prometheus.Path = "/metrics"
	}
	if config.Database.Path == "" {
		config.Database.Path = "filehub.db"
	}
	if config.Copy.Parallelism <= 0 {
		config.Copy.Parallelism = 4
	}
	if config.Jobs.Parallelism <= 0 {
		config.Jobs.Parallelism = 4
	}
	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
}
