package main

import (
	"errors"
	"net/http"
)

// Error kinds of the announce pipeline. Every AnnounceError unwraps to one of them.
var (
	ErrValidation      = errors.New("validation error")
	ErrAdmissionDenied = errors.New("admission denied")
	ErrTorrentNotFound = errors.New("torrent not found")
	ErrTransientStore  = errors.New("transient store error")
)

// AnnounceError is a rejected announce: the HTTP status, the client-facing
// failure reason and the underlying cause.
type AnnounceError struct {
	Err     error
	kind    error
	Message string
	Status  int
}

func (e *AnnounceError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *AnnounceError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.kind, e.Err}
	}
	return []error{e.kind}
}

func validationError(msg string) *AnnounceError {
	return &AnnounceError{kind: ErrValidation, Status: http.StatusBadRequest, Message: msg}
}

func deniedError() *AnnounceError {
	return &AnnounceError{kind: ErrAdmissionDenied, Status: http.StatusForbidden, Message: "Client not allowed"}
}

func notFoundError(cause error) *AnnounceError {
	return &AnnounceError{kind: ErrTorrentNotFound, Status: http.StatusNotFound, Message: "Torrent not found", Err: cause}
}

func storeError(cause error) *AnnounceError {
	return &AnnounceError{kind: ErrTransientStore, Status: http.StatusInternalServerError, Message: "Internal tracker error", Err: cause}
}

// errorStatus maps any error returned by the tracker onto an HTTP status.
func errorStatus(err error) (status int, message string) {
	var ae *AnnounceError
	if errors.As(err, &ae) {
		return ae.Status, ae.Message
	}
	return http.StatusInternalServerError, "Internal tracker error"
}
