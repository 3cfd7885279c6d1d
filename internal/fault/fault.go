// Package fault defines the structured error values exchanged between
// the model store, providers, and presentation layers. Every failure
// carries a kind, a retryability flag, and a suggested recovery action
// so callers can render consistent affordances instead of parsing
// message strings.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindConfiguration    Kind = "configuration"
	KindDiskSpace        Kind = "disk-space"
	KindChecksumMismatch Kind = "checksum-mismatch"
	KindCorruptedModel   Kind = "corrupted-model"
	KindModelMissing     Kind = "model-missing"
	KindModelLoad        Kind = "model-load"
	KindInference        Kind = "inference"
	KindInferenceTimeout Kind = "inference-timeout"
	KindNetwork          Kind = "network"
	KindFallback         Kind = "fallback"
)

// Action suggests how a user or UI can recover from a failure.
type Action string

const (
	ActionNone           Action = ""
	ActionRetry          Action = "retry"
	ActionRedownload     Action = "redownload"
	ActionFreeSpace      Action = "free-space"
	ActionSwitchRemote   Action = "switch-remote"
	ActionSmallerVariant Action = "smaller-variant"
)

// Error is the structured failure value used across the module.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Action    Action
	Cause     error

	// Required and Available are populated for disk-space failures.
	Required  int64
	Available int64
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by kind so callers can use errors.Is with a bare
// kind sentinel, e.g. errors.Is(err, &Error{Kind: KindNetwork}).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// KindOf returns the kind of err, or the empty kind when err does not
// wrap an *Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsRetryable reports whether err wraps a retryable *Error.
func IsRetryable(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Retryable
}

// Configuration reports an unrecoverable caller mistake such as an
// unknown variant id.
func Configuration(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Message: fmt.Sprintf(format, args...)}
}

// DiskSpace reports that a download preflight found too little free
// space. Recoverable by freeing space and retrying.
func DiskSpace(required, available int64) *Error {
	return &Error{
		Kind:      KindDiskSpace,
		Message:   fmt.Sprintf("insufficient disk space: need %d bytes, %d available", required, available),
		Retryable: true,
		Action:    ActionFreeSpace,
		Required:  required,
		Available: available,
	}
}

// ChecksumMismatch reports that downloaded bytes did not hash to the
// catalog value.
func ChecksumMismatch(variantID, expected, actual string) *Error {
	return &Error{
		Kind:      KindChecksumMismatch,
		Message:   fmt.Sprintf("model %s checksum mismatch: expected %s, got %s", variantID, expected, actual),
		Retryable: true,
		Action:    ActionRedownload,
	}
}

// CorruptedModel reports that a previously validated file no longer
// matches its checksum.
func CorruptedModel(variantID string) *Error {
	return &Error{
		Kind:      KindCorruptedModel,
		Message:   fmt.Sprintf("model %s is corrupted on disk", variantID),
		Retryable: true,
		Action:    ActionRedownload,
	}
}

// ModelMissing reports that the model file vanished after validation.
func ModelMissing(variantID string) *Error {
	return &Error{
		Kind:      KindModelMissing,
		Message:   fmt.Sprintf("model %s file is missing", variantID),
		Retryable: true,
		Action:    ActionRedownload,
	}
}

// ModelLoad reports a failure to load a model into memory. transient
// distinguishes memory pressure (try a smaller variant) from a bad
// file (redownload).
func ModelLoad(variantID string, transient bool, cause error) *Error {
	action := ActionRedownload
	if transient {
		action = ActionSmallerVariant
	}
	return &Error{
		Kind:      KindModelLoad,
		Message:   fmt.Sprintf("failed to load model %s", variantID),
		Retryable: transient,
		Action:    action,
		Cause:     cause,
	}
}

// Inference reports a per-job engine failure. It does not invalidate
// the resident model.
func Inference(jobID string, cause error) *Error {
	return &Error{
		Kind:      KindInference,
		Message:   fmt.Sprintf("inference failed for job %s", jobID),
		Retryable: true,
		Action:    ActionRetry,
		Cause:     cause,
	}
}

// InferenceTimeout reports that a job exceeded its deadline. The
// native call cannot be forcibly terminated, so this is best effort.
func InferenceTimeout(jobID string, cause error) *Error {
	return &Error{
		Kind:      KindInferenceTimeout,
		Message:   fmt.Sprintf("inference timed out for job %s", jobID),
		Retryable: true,
		Action:    ActionSwitchRemote,
		Cause:     cause,
	}
}

// Network reports a download transport failure. Retry is left to the
// caller; the store never loops on its own.
func Network(message string, cause error) *Error {
	return &Error{
		Kind:      KindNetwork,
		Message:   message,
		Retryable: true,
		Action:    ActionRetry,
		Cause:     cause,
	}
}

// Fallback combines a local failure with the failure of the remote
// attempt that was made on its behalf. Both causes stay visible.
func Fallback(localErr, remoteErr error) *Error {
	return &Error{
		Kind:      KindFallback,
		Message:   fmt.Sprintf("local transcription failed (%v) and fallback failed (%v)", localErr, remoteErr),
		Retryable: true,
		Action:    ActionRetry,
		Cause:     errors.Join(localErr, remoteErr),
	}
}
