package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filehub/filehub/storage/driver"
)

func testRegistration() Registration {
	return Registration{
		Type:         "TESTFS",
		DisplayName:  "Test Backend",
		Capabilities: driver.Capabilities{driver.CapReader},
		Options: []Option{
			{Name: "endpoint", Type: OptionString, Rule: RuleURL, Required: true},
			{Name: "root_path", Type: OptionString, Rule: RuleAbsPath},
			{Name: "dir_mode", Type: OptionString, Rule: RuleOctalPermission, Default: "0755"},
			{Name: "region", Type: OptionEnum, EnumValues: []string{"us", "eu"}},
			{Name: "use_ssl", Type: OptionBoolean, Default: true},
			{Name: "api_key", Type: OptionSecret, RequiredOnCreate: true},
			{Name: "token", Type: OptionSecret, RequiredWhen: map[string]interface{}{"auth_mode": "token"}},
			{Name: "auth_mode", Type: OptionEnum, EnumValues: []string{"none", "token"}},
		},
		New: func(ctx context.Context, cfg Config, secret Config) (driver.Driver, error) {
			return nil, nil
		},
	}
}

func TestValidateConfig(t *testing.T) {
	r := testRegistration()

	res := r.ValidateConfig(Config{
		"endpoint": "https://files.example.com",
		"api_key":  "k",
	}, true)
	assert.True(t, res.Valid, "errors: %v", res.Errors)

	cases := map[string]Config{
		"missing endpoint":   {"api_key": "k"},
		"bad scheme":         {"endpoint": "ftp://x", "api_key": "k"},
		"relative root":      {"endpoint": "https://x.example.com", "root_path": "data/files", "api_key": "k"},
		"bad octal":          {"endpoint": "https://x.example.com", "dir_mode": "79", "api_key": "k"},
		"bad enum":           {"endpoint": "https://x.example.com", "region": "ap", "api_key": "k"},
		"traversal":          {"endpoint": "https://x.example.com", "default_folder": "a/../b", "api_key": "k"},
		"conditional secret": {"endpoint": "https://x.example.com", "auth_mode": "token", "api_key": "k"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			res := r.ValidateConfig(cfg, true)
			assert.False(t, res.Valid)
			assert.NotEmpty(t, res.Errors)
		})
	}

	// Updates may omit create-only secrets.
	res = r.ValidateConfig(Config{"endpoint": "https://files.example.com"}, false)
	assert.True(t, res.Valid, "errors: %v", res.Errors)
}

func TestApplyDefaultsCoercesBooleans(t *testing.T) {
	r := testRegistration()

	cfg := r.ApplyDefaults(Config{"endpoint": "https://x", "use_ssl": false})
	assert.Equal(t, 0, cfg["use_ssl"])
	assert.Equal(t, "0755", cfg["dir_mode"])

	cfg = r.ApplyDefaults(Config{"endpoint": "https://x"})
	assert.Equal(t, 1, cfg["use_ssl"], "default true coerces to 1")
}

func TestProjectConfigRedactsSecrets(t *testing.T) {
	r := testRegistration()
	cfg := Config{"endpoint": "https://x", "api_key": "sekret"}

	projected := r.ProjectConfig(cfg, ProjectOptions{})
	_, present := projected["api_key"]
	assert.False(t, present)

	projected = r.ProjectConfig(cfg, ProjectOptions{WithSecrets: true, Row: map[string]interface{}{"id": int64(7)}})
	assert.Equal(t, "sekret", projected["api_key"])
	assert.Equal(t, int64(7), projected["id"])
}

func TestRegisterAndList(t *testing.T) {
	r := testRegistration()
	r.Type = "TESTFS_LIST"
	Register(r)

	got, ok := Get("TESTFS_LIST")
	require.True(t, ok)
	assert.Equal(t, "Test Backend", got.DisplayName)
	assert.True(t, Available("TESTFS_LIST"))

	hidden := testRegistration()
	hidden.Type = "TESTFS_HIDDEN"
	hidden.Hidden = func() bool { return true }
	Register(hidden)
	assert.False(t, Available("TESTFS_HIDDEN"))
	for _, reg := range List() {
		assert.NotEqual(t, "TESTFS_HIDDEN", reg.Type)
	}

	assert.Panics(t, func() { Register(r) }, "duplicate registration panics")
}
