package uplink

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed sync pass
type ErrorKind string

const (
	// KindNetwork means the endpoint could not be reached; the engine goes offline.
	KindNetwork ErrorKind = "network"
	// KindServer means the endpoint answered and rejected the batch.
	KindServer ErrorKind = "server"
	// KindConfig means no usable endpoint is configured.
	KindConfig ErrorKind = "config"
	// KindStorage means the local queue could not be read or updated.
	KindStorage ErrorKind = "storage"
	// KindCanceled means the caller's context ended mid-pass.
	KindCanceled ErrorKind = "canceled"
)

var ErrNoEndpoint = errors.New("upload endpoint is not configured")

// SyncError is the error recorded in State.LastError
type SyncError struct {
	Kind       ErrorKind
	StatusCode int // set for KindServer
	PatientID  string
	Err        error
}

func (e *SyncError) Error() string {
	switch {
	case e.Kind == KindServer && e.StatusCode != 0:
		return fmt.Sprintf("sync %s error: endpoint returned %d: %v", e.Kind, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("sync %s error: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("sync %s error", e.Kind)
	}
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Offline reports whether the failure means the endpoint is unreachable
func (e *SyncError) Offline() bool {
	return e.Kind == KindNetwork
}

// KindOf returns the kind of a SyncError, or "" for other errors
func KindOf(err error) ErrorKind {
	var serr *SyncError
	if errors.As(err, &serr) {
		return serr.Kind
	}
	return ""
}
