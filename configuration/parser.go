package configuration

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Version is a major/minor version pair of the form Major.Minor
// Major version upgrades indicate structure or type changes
// Minor version upgrades should be strictly additive
type Version string

// MajorMinorVersion constructs a Version from its Major and Minor components
func MajorMinorVersion(major, minor uint) Version {
	return Version(fmt.Sprintf("%d.%d", major, minor))
}

func (version Version) major() (uint, error) {
	majorPart := strings.Split(string(version), ".")[0]
	major, err := strconv.ParseUint(majorPart, 10, 0)
	return uint(major), err
}

// Major returns the major version portion of a Version
func (version Version) Major() uint {
	major, _ := version.major()
	return major
}

func (version Version) minor() (uint, error) {
	minorPart := strings.Split(string(version), ".")[1]
	minor, err := strconv.ParseUint(minorPart, 10, 0)
	return uint(minor), err
}

// Minor returns the minor version portion of a Version
func (version Version) Minor() uint {
	minor, _ := version.minor()
	return minor
}

// parser parses a versioned configuration file and overlays environment
// variables carrying the given prefix onto the result.
type parser struct {
	prefix string
	env    map[string]string
}

// newParser returns a *parser with the given environment prefix. environ is
// in the os.Environ "KEY=value" form.
func newParser(prefix string, environ []string) *parser {
	p := parser{prefix: prefix, env: make(map[string]string)}
	for _, env := range environ {
		envParts := strings.SplitN(env, "=", 2)
		p.env[envParts[0]] = envParts[1]
	}
	return &p
}

// parse reads in the given []byte and environment and returns the resulting
// Configuration. Only CurrentVersion documents are accepted.
func (p *parser) parse(in []byte) (*Configuration, error) {
	var versionedStruct struct {
		Version Version
	}
	if err := yaml.Unmarshal(in, &versionedStruct); err != nil {
		return nil, err
	}
	if versionedStruct.Version != CurrentVersion {
		return nil, fmt.Errorf("Unsupported version: %q", versionedStruct.Version)
	}

	config := new(Configuration)
	if err := yaml.Unmarshal(in, config); err != nil {
		return nil, err
	}
	if err := p.overwriteFields(reflect.ValueOf(config), p.prefix); err != nil {
		return nil, err
	}
	return config, nil
}

// overwriteFields replaces configuration values with alternate values
// specified through the environment. Precondition: an empty path slice must
// never be passed in.
func (p *parser) overwriteFields(v reflect.Value, prefix string) error {
	for v.Kind() == reflect.Ptr {
		v = reflect.Indirect(v)
	}
	if v.Kind() != reflect.Struct {
		return nil
	}

	for i := 0; i < v.NumField(); i++ {
		sf := v.Type().Field(i)
		fieldPrefix := strings.ToUpper(prefix + "_" + sf.Name)
		if e, ok := p.env[fieldPrefix]; ok {
			fieldVal := reflect.New(sf.Type)
			if err := yaml.Unmarshal([]byte(e), fieldVal.Interface()); err != nil {
				return err
			}
			v.Field(i).Set(reflect.Indirect(fieldVal))
		}
		if err := p.overwriteFields(v.Field(i), fieldPrefix); err != nil {
			return err
		}
	}
	return nil
}
