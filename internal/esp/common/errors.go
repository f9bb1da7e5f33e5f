// Package common holds the pieces shared by every ESP backend: the error
// taxonomy, feature enforcement, payload serialization checks, and the HTTP
// transport used by REST providers.
package common

import (
	"errors"
	"fmt"

	"github.com/example/esp-gateway/internal/capability"
	"github.com/example/esp-gateway/internal/models"
)

// Sentinel errors callers use with errors.Is to classify send failures.
var (
	// ErrUnsupportedFeature marks a message feature the target provider
	// cannot express. The send is aborted before any network I/O.
	ErrUnsupportedFeature = errors.New("unsupported feature")
	// ErrSerialization marks a metadata or merge-data value that is not a
	// JSON scalar. Detected before any network I/O.
	ErrSerialization = errors.New("non-serializable value")
	// ErrRecipientsRefused marks a send where the provider refused every
	// recipient.
	ErrRecipientsRefused = errors.New("all recipients refused")
	// ErrAPI marks a non-success HTTP response from the provider.
	ErrAPI = errors.New("provider api error")
)

// UnsupportedFeatureError names the feature a provider cannot express.
type UnsupportedFeatureError struct {
	ESPName string
	Feature capability.Feature
	Detail  string
}

func (e *UnsupportedFeatureError) Error() string {
	msg := fmt.Sprintf("%s does not support %s", e.ESPName, e.Feature)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *UnsupportedFeatureError) Unwrap() error { return ErrUnsupportedFeature }

// Unsupported builds an UnsupportedFeatureError.
func Unsupported(espName string, feature capability.Feature, detail string) error {
	return &UnsupportedFeatureError{ESPName: espName, Feature: feature, Detail: detail}
}

// SerializationError reports a non-scalar value found in metadata or merge
// data before the request was built.
type SerializationError struct {
	Field string
	Key   string
	Value any
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("%s[%q]: value of type %T is not a JSON scalar", e.Field, e.Key, e.Value)
}

func (e *SerializationError) Unwrap() error { return ErrSerialization }

// RecipientsRefusedError is raised after a successful API call when every
// recipient came back invalid or rejected. It carries the partial SendStatus
// so the caller can inspect per-recipient results.
type RecipientsRefusedError struct {
	Status *models.SendStatus
}

func (e *RecipientsRefusedError) Error() string {
	return fmt.Sprintf("%s refused all recipients", e.Status.ESPName)
}

func (e *RecipientsRefusedError) Unwrap() error { return ErrRecipientsRefused }

// APIError surfaces a non-2xx provider response. It is never retried or
// swallowed by the core; it propagates to the caller with the raw body.
type APIError struct {
	ESPName    string
	StatusCode int
	Body       []byte
	Reason     string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s api error", e.ESPName)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *APIError) Unwrap() error { return ErrAPI }
