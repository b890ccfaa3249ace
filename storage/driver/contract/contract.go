// Package contract turns driver duck typing into a single choke point. At
// creation it verifies a driver exposes every method its capabilities imply;
// at call time the Enforcer validates inputs and result shapes, so a
// misbehaving adapter fails loudly at the first offense instead of
// corrupting state three layers up.
package contract

import (
	"context"
	"fmt"
	"reflect"

	"github.com/filehub/filehub/internal/dcontext"
	"github.com/filehub/filehub/storage/driver"
	"github.com/filehub/filehub/storage/driver/registry"
)

// capabilityMethods maps each capability to the method names it requires.
// Verification is by method name so diagnostics can report the exact gaps,
// not just a failed interface assertion.
var capabilityMethods = map[driver.Capability][]string{
	driver.CapReader: {
		"ListDirectory", "GetFileInfo", "DownloadFile",
	},
	driver.CapWriter: {
		"UploadFile", "UpdateFile", "CreateDirectory",
		"RenameItem", "CopyItem", "BatchRemoveItems",
	},
	driver.CapDirectLink: {"GenerateDownloadURL"},
	driver.CapProxy:      {"GenerateProxyURL"},
	driver.CapMultipart: {
		"InitializeFrontendMultipartUpload", "SignMultipartParts",
		"ListMultipartUploads", "ListMultipartParts",
		"CompleteFrontendMultipartUpload", "AbortFrontendMultipartUpload",
		"ProxyFrontendMultipartChunk",
	},
}

// baseMethods must exist on every driver regardless of capabilities.
var baseMethods = []string{"Type", "Capabilities"}

// CreateDriver instantiates a registered backend, awaits initialization,
// verifies the capability contract and returns the driver wrapped in the
// runtime Enforcer. Contract violations return a *ContractError.
func CreateDriver(ctx context.Context, storageType string, cfg registry.Config, secret registry.Config) (*Enforcer, error) {
	reg, ok := registry.Get(storageType)
	if !ok {
		return nil, fmt.Errorf("storage type %q is not registered", storageType)
	}

	d, err := reg.New(ctx, cfg, secret)
	if err != nil {
		return nil, err
	}

	if init, ok := d.(driver.Initializer); ok {
		if err := init.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("initializing %s driver: %w", storageType, err)
		}
	}

	if got := d.Type(); got != storageType {
		return nil, &ContractError{
			DriverType: storageType,
			Method:     "Type",
			Reason:     fmt.Sprintf("driver reports type %q, created as %q", got, storageType),
		}
	}

	advertised := d.Capabilities()
	effective := advertised.Intersect(reg.Capabilities)

	missing := missingMethods(d, effective)
	if len(missing) > 0 {
		return nil, &ContractError{
			DriverType: storageType,
			Method:     "CreateDriver",
			Reason:     "driver is missing methods implied by its capabilities",
			Details: map[string]interface{}{
				"missingMethods":         missing,
				"advertisedCapabilities": advertised,
				"registeredCapabilities": reg.Capabilities,
				"effectiveCapabilities":  effective,
			},
		}
	}

	dcontext.GetLoggerWithField(ctx, "storage.type", storageType).
		Debugf("driver created with capabilities %v", effective)

	return &Enforcer{inner: d, caps: effective}, nil
}

// missingMethods returns the names required by caps that d does not expose.
func missingMethods(d driver.Driver, caps driver.Capabilities) []string {
	t := reflect.TypeOf(d)
	var missing []string

	check := func(names []string) {
		for _, name := range names {
			if _, ok := t.MethodByName(name); !ok {
				missing = append(missing, name)
			}
		}
	}

	check(baseMethods)
	for _, c := range caps {
		check(capabilityMethods[c])
	}
	return missing
}

// ContractError reports a driver contract violation. Non-retryable; the
// Details map is the structured diagnostic bundle surfaced (logged in full,
// returned opaque) by the HTTP boundary.
type ContractError struct {
	DriverType string
	Method     string
	Reason     string
	Details    map[string]interface{}
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("driver contract violation: %s.%s: %s", e.DriverType, e.Method, e.Reason)
}

// violation builds a ContractError for a method result deviation.
func violation(driverType, method, format string, args ...interface{}) *ContractError {
	return &ContractError{
		DriverType: driverType,
		Method:     method,
		Reason:     fmt.Sprintf(format, args...),
	}
}
