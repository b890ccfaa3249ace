package registry

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

// OptionType is the declared type of one config option.
type OptionType string

const (
	OptionString  OptionType = "string"
	OptionBoolean OptionType = "boolean"
	OptionNumber  OptionType = "number"
	OptionEnum    OptionType = "enum"
	OptionSecret  OptionType = "secret"
)

// Rule is a named validation rule attached to an option.
type Rule string

const (
	// RuleURL requires an http(s) URL.
	RuleURL Rule = "url"
	// RuleAbsPath requires a platform-absolute path.
	RuleAbsPath Rule = "abs_path"
	// RuleOctalPermission requires an octal mode string like "0755".
	RuleOctalPermission Rule = "octal_permission"
)

// Option declares one recognized config key of a backend type.
type Option struct {
	Name             string      `json:"name"`
	Type             OptionType  `json:"type"`
	Default          interface{} `json:"defaultValue,omitempty"`
	Required         bool        `json:"required,omitempty"`
	RequiredOnCreate bool        `json:"requiredOnCreate,omitempty"`
	// RequiredWhen makes the option required when another option holds a
	// given value, e.g. {"auth_mode": "token"}.
	RequiredWhen map[string]interface{} `json:"requiredWhen,omitempty"`
	EnumValues   []string               `json:"enumValues,omitempty"`
	Rule         Rule                   `json:"validation,omitempty"`
	Description  string                 `json:"description,omitempty"`
}

// ValidationResult collects schema validation errors for one config.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ValidateConfig checks cfg against the registration's option table:
// required fields, enum membership, named rules, and the path-traversal
// guard on default_folder. onCreate additionally enforces RequiredOnCreate
// (typically secrets, which updates may omit to keep the stored value).
func (r Registration) ValidateConfig(cfg Config, onCreate bool) ValidationResult {
	var errs []string

	for _, opt := range r.Options {
		raw, present := cfg[opt.Name]
		if !present || raw == nil || raw == "" {
			if opt.Required || (onCreate && opt.RequiredOnCreate) || requiredByPeer(opt, cfg) {
				errs = append(errs, fmt.Sprintf("%s: required", opt.Name))
			}
			continue
		}

		switch opt.Type {
		case OptionBoolean:
			if _, ok := asBool(raw); !ok {
				errs = append(errs, fmt.Sprintf("%s: expected boolean, got %T", opt.Name, raw))
			}
		case OptionNumber:
			if _, ok := asNumber(raw); !ok {
				errs = append(errs, fmt.Sprintf("%s: expected number, got %T", opt.Name, raw))
			}
		case OptionEnum:
			s := fmt.Sprint(raw)
			if !contains(opt.EnumValues, s) {
				errs = append(errs, fmt.Sprintf("%s: %q not in %v", opt.Name, s, opt.EnumValues))
			}
		}

		if opt.Rule != "" {
			if err := checkRule(opt.Rule, fmt.Sprint(raw)); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", opt.Name, err))
			}
		}
	}

	if df, ok := cfg["default_folder"].(string); ok {
		for _, seg := range strings.Split(df, "/") {
			if seg == ".." {
				errs = append(errs, "default_folder: must not contain '..' segments")
				break
			}
		}
	}

	if r.Validate != nil {
		errs = append(errs, r.Validate(cfg)...)
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// ApplyDefaults fills absent options from their declared defaults and
// coerces declared booleans to 0/1 for persistence.
func (r Registration) ApplyDefaults(cfg Config) Config {
	out := make(Config, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	for _, opt := range r.Options {
		if _, present := out[opt.Name]; !present && opt.Default != nil {
			out[opt.Name] = opt.Default
		}
		if opt.Type == OptionBoolean {
			if raw, present := out[opt.Name]; present {
				if b, ok := asBool(raw); ok {
					if b {
						out[opt.Name] = 1
					} else {
						out[opt.Name] = 0
					}
				}
			}
		}
	}
	return out
}

func requiredByPeer(opt Option, cfg Config) bool {
	for peer, want := range opt.RequiredWhen {
		if got, present := cfg[peer]; present && fmt.Sprint(got) == fmt.Sprint(want) {
			return true
		}
	}
	return false
}

func checkRule(rule Rule, value string) error {
	switch rule {
	case RuleURL:
		u, err := url.Parse(value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("must be an http(s) URL")
		}
	case RuleAbsPath:
		if !filepath.IsAbs(value) {
			return fmt.Errorf("must be an absolute path")
		}
	case RuleOctalPermission:
		if _, err := strconv.ParseUint(strings.TrimPrefix(value, "0o"), 8, 32); err != nil {
			return fmt.Errorf("must be an octal permission like 0755")
		}
	default:
		return fmt.Errorf("unknown validation rule %q", rule)
	}
	return nil
}

func asBool(raw interface{}) (bool, bool) {
	switch v := raw.(type) {
	case bool:
		return v, true
	case int:
		return v != 0, v == 0 || v == 1
	case int64:
		return v != 0, v == 0 || v == 1
	case float64:
		return v != 0, v == 0 || v == 1
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	}
	return false, false
}

func asNumber(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, have := range list {
		if have == s {
			return true
		}
	}
	return false
}
