// Package errcode defines the registry's machine-readable error kinds and
// maps each to an HTTP status, the way registry/api/errcode does for the
// OCI distribution protocol.
package errcode

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Code identifies one of the error kinds of the registry's error model.
type Code string

// Descriptor carries the fixed properties of a registered Code.
type Descriptor struct {
	Code           Code
	Message        string
	HTTPStatusCode int
	Retriable      bool
}

var registry = map[Code]Descriptor{}

func register(d Descriptor) Code {
	if _, exists := registry[d.Code]; exists {
		panic(fmt.Sprintf("errcode: %q registered twice", d.Code))
	}
	registry[d.Code] = d
	return d.Code
}

// Error kinds, one per row of spec §7.
var (
	InvalidName = register(Descriptor{
		Code:           "INVALID_NAME",
		Message:        "filename failed path policy validation",
		HTTPStatusCode: http.StatusBadRequest,
	})
	UrlForbidden = register(Descriptor{
		Code:           "URL_FORBIDDEN",
		Message:        "source host is not on the admission allowlist",
		HTTPStatusCode: http.StatusBadRequest,
	})
	CatalogUnavailable = register(Descriptor{
		Code:           "CATALOG_UNAVAILABLE",
		Message:        "catalog store is unavailable",
		HTTPStatusCode: http.StatusInternalServerError,
	})
	Unauthorized = register(Descriptor{
		Code:           "UNAUTHORIZED",
		Message:        "the source requires a valid credential",
		HTTPStatusCode: http.StatusUnauthorized,
		Retriable:      true,
	})
	NetworkTimeout = register(Descriptor{
		Code:           "NETWORK_TIMEOUT",
		Message:        "network read stalled past the idle timeout",
		HTTPStatusCode: http.StatusGatewayTimeout,
		Retriable:      true,
	})
	HashMismatch = register(Descriptor{
		Code:           "HASH_MISMATCH",
		Message:        "downloaded content does not match the expected sha256",
		HTTPStatusCode: http.StatusUnprocessableEntity,
	})
	SizeMismatch = register(Descriptor{
		Code:           "SIZE_MISMATCH",
		Message:        "downloaded content does not match the expected size",
		HTTPStatusCode: http.StatusUnprocessableEntity,
	})
	DiskFull = register(Descriptor{
		Code:           "DISK_FULL",
		Message:        "no space left writing the temporary file",
		HTTPStatusCode: http.StatusInsufficientStorage,
	})
	AliasCollision = register(Descriptor{
		Code:           "ALIAS_COLLISION",
		Message:        "destination filename is already occupied by unrelated content",
		HTTPStatusCode: http.StatusConflict,
	})
)

// Error is a Code bound to request-specific detail.
type Error struct {
	Code   Code
	Detail string
	cause  error
}

// New returns an Error of the given code with optional detail, wrapping
// cause (if any) for Unwrap.
func New(code Code, detail string, cause error) Error {
	if _, ok := registry[code]; !ok {
		panic(fmt.Sprintf("errcode: %q is not registered", code))
	}
	return Error{Code: code, Detail: detail, cause: cause}
}

func (e Error) Error() string {
	d := registry[e.Code]
	if e.Detail == "" {
		return d.Message
	}
	return fmt.Sprintf("%s: %s", d.Message, e.Detail)
}

func (e Error) Unwrap() error { return e.cause }

// Descriptor returns the registered Descriptor for this error's Code.
func (e Error) Descriptor() Descriptor { return registry[e.Code] }

// HTTPStatusCode returns the HTTP status this error should be served as.
func (e Error) HTTPStatusCode() int { return registry[e.Code].HTTPStatusCode }

// Retriable reports whether the client may retry the request unmodified
// (or, for Unauthorized, after supplying a credential).
func (e Error) Retriable() bool { return registry[e.Code].Retriable }

// body is the wire shape for an error response: {"error": "<string>"}.
type body struct {
	Error string `json:"error"`
}

// WriteHTTP renders err as a JSON error body at its registered status code.
// Non-errcode errors are served as 500s with their message, matching the
// teacher's fallback to ErrorCodeUnknown for unclassified errors.
func WriteHTTP(w http.ResponseWriter, err error) {
	var ce Error
	status := http.StatusInternalServerError
	if errors.As(err, &ce) {
		status = ce.HTTPStatusCode()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body{Error: err.Error()})
}
