package errcode

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
)

var (
	errorCodeToDescriptors = map[ErrorCode]ErrorDescriptor{}
	idToDescriptors        = map[string]ErrorDescriptor{}
	groupToDescriptors     = map[string][]ErrorDescriptor{}
)

var (
	// ErrorCodeUnknown is a generic error that can be used as a last
	// resort if there is no situation-specific error message that can be used.
	ErrorCodeUnknown = register("errcode", ErrorDescriptor{
		Value:   "UNKNOWN",
		Message: "unknown error",
		Description: `Generic error returned when the error does not have an
		API classification.`,
		HTTPStatusCode: http.StatusInternalServerError,
	})

	// ErrorCodeUnsupported is returned when an operation is not supported.
	ErrorCodeUnsupported = register("errcode", ErrorDescriptor{
		Value:   "UNSUPPORTED",
		Message: "the operation is unsupported",
		Description: `The operation was unsupported due to a missing
		implementation or invalid set of parameters.`,
		HTTPStatusCode: http.StatusMethodNotAllowed,
	})
)

const errGroup = "filehub.core"

var (
	// ErrorCodeValidation is returned when an input fails validation before
	// reaching any backend.
	ErrorCodeValidation = register(errGroup, ErrorDescriptor{
		Value:   "VALIDATION",
		Message: "validation failed",
		Description: `The request carried a malformed or out-of-bounds input:
		a bad path, a rejected config value, or a write refused by the storage
		admission guard.`,
		HTTPStatusCode: http.StatusBadRequest,
	})

	// ErrorCodeNotFound is returned when a logical path or entity does not
	// resolve.
	ErrorCodeNotFound = register(errGroup, ErrorDescriptor{
		Value:   "NOT_FOUND",
		Message: "not found",
		Description: `The logical path, storage config, mount or job named by
		the request does not exist. Driver-level path-not-found errors are
		folded into this code at the HTTP boundary.`,
		HTTPStatusCode: http.StatusNotFound,
	})

	// ErrorCodeForbidden is returned when the backend refuses access.
	ErrorCodeForbidden = register(errGroup, ErrorDescriptor{
		Value:          "FORBIDDEN",
		Message:        "access to the resource is denied",
		Description:    `The upstream backend denied access for the operation.`,
		HTTPStatusCode: http.StatusForbidden,
	})

	// ErrorCodeBusy is returned when an exclusive per-mount or per-user
	// operation is already in flight.
	ErrorCodeBusy = register(errGroup, ErrorDescriptor{
		Value:   "BUSY",
		Message: "a conflicting job is already running",
		Description: `Index rebuilds, dirty-queue application and most job
		types run at most once per mount or per user. A second request while
		one is in flight is refused with this code.`,
		HTTPStatusCode: http.StatusConflict,
	})

	// ErrorCodeDriverContract is returned when a driver violates its
	// declared contract. The detail carries the diagnostic bundle.
	ErrorCodeDriverContract = register(errGroup, ErrorDescriptor{
		Value:   "DRIVER_CONTRACT",
		Message: "storage driver violated its contract",
		Description: `A driver returned a result whose shape deviates from the
		declared contract for the invoked method, or was registered without
		the methods its advertised capabilities imply. Non-retryable; the
		detail object enumerates the violations.`,
		HTTPStatusCode: http.StatusInternalServerError,
	})

	// ErrorCodeDriver wraps a backend failure whose status the driver
	// supplies; defaults to 500.
	ErrorCodeDriver = register(errGroup, ErrorDescriptor{
		Value:          "DRIVER",
		Message:        "storage driver error",
		Description:    `The backend reported a failure executing the operation.`,
		HTTPStatusCode: http.StatusInternalServerError,
	})

	// ErrorCodeStreamClosed is returned when an upstream body terminates
	// before the declared length was served.
	ErrorCodeStreamClosed = register(errGroup, ErrorDescriptor{
		Value:          "STREAM_CLOSED",
		Message:        "upstream stream closed prematurely",
		Description:    `The upstream byte source closed mid-response.`,
		HTTPStatusCode: http.StatusInternalServerError,
	})
)

var (
	nextCode     = 1000
	registerLock sync.Mutex
)

// Register will make the passed-in error known to the environment and
// return a new ErrorCode.
func Register(group string, descriptor ErrorDescriptor) ErrorCode {
	return register(group, descriptor)
}

func register(group string, descriptor ErrorDescriptor) ErrorCode {
	registerLock.Lock()
	defer registerLock.Unlock()

	descriptor.Code = ErrorCode(nextCode)

	if _, ok := idToDescriptors[descriptor.Value]; ok {
		panic(fmt.Sprintf("ErrorValue %q is already registered", descriptor.Value))
	}
	if _, ok := errorCodeToDescriptors[descriptor.Code]; ok {
		panic(fmt.Sprintf("ErrorCode %v is already registered", descriptor.Code))
	}

	groupToDescriptors[group] = append(groupToDescriptors[group], descriptor)
	errorCodeToDescriptors[descriptor.Code] = descriptor
	idToDescriptors[descriptor.Value] = descriptor

	nextCode++
	return descriptor.Code
}

type byValue []ErrorDescriptor

func (a byValue) Len() int           { return len(a) }
func (a byValue) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byValue) Less(i, j int) bool { return a[i].Value < a[j].Value }

// GetGroupNames returns the list of Error group names that are registered.
func GetGroupNames() []string {
	keys := []string{}

	for k := range groupToDescriptors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetErrorCodeGroup returns the named group of error descriptors.
func GetErrorCodeGroup(name string) []ErrorDescriptor {
	desc := groupToDescriptors[name]
	sort.Sort(byValue(desc))
	return desc
}

// GetErrorAllDescriptors returns a slice of all ErrorDescriptors that are
// registered, irrespective of what group they're in.
func GetErrorAllDescriptors() []ErrorDescriptor {
	result := []ErrorDescriptor{}

	for _, group := range GetGroupNames() {
		result = append(result, GetErrorCodeGroup(group)...)
	}
	sort.Sort(byValue(result))
	return result
}
