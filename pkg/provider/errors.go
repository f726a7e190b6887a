package provider

import (
	"errors"
	"fmt"
)

// Sentinels every provider maps its native failures onto.
var (
	ErrNotFound            = errors.New("object not found")
	ErrAccessDenied        = errors.New("access denied")
	ErrBucketNotFound      = errors.New("bucket not found")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrThrottled           = errors.New("request throttled")
)

// OpError records which provider call failed on which object.
type OpError struct {
	Op       string
	Provider ProviderType
	Bucket   string
	Key      string
	Err      error
}

func (e *OpError) Error() string {
	target := e.Key
	if e.Bucket != "" {
		target = e.Bucket + "/" + e.Key
	}
	if target == "" {
		return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Provider, e.Op, target, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Transient reports whether retrying the same call may succeed.
func Transient(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrProviderUnavailable)
}

// Hint returns a short remediation for a classified failure, or "".
func Hint(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "check AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY or the configured profile"
	case errors.Is(err, ErrAccessDenied):
		return "the credentials lack permission for this object"
	case errors.Is(err, ErrBucketNotFound):
		return "check the bucket name and region/endpoint"
	case errors.Is(err, ErrNotFound):
		return "check the URL or key"
	case Transient(err):
		return "the store is busy or unavailable; retry later"
	}
	return ""
}
