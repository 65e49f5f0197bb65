package transcription

import (
	"errors"
	"net/http"
)

// Kind classifies a failed upload.
type Kind int

const (
	KindUnknown Kind = iota
	KindModelUnavailable
	KindMissingFile
	KindNoFileSelected
	KindEmptyFile
	KindFileTooLarge
	KindInvalidAudio
	KindTranscriptionFailed
)

var kindNames = map[Kind]string{
	KindModelUnavailable:    "model_unavailable",
	KindMissingFile:         "missing_file",
	KindNoFileSelected:      "no_file_selected",
	KindEmptyFile:           "empty_file",
	KindFileTooLarge:        "file_too_large",
	KindInvalidAudio:        "invalid_audio",
	KindTranscriptionFailed: "transcription_failed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Status is the HTTP status a client receives for the kind.
func (k Kind) Status() int {
	switch k {
	case KindMissingFile, KindNoFileSelected, KindEmptyFile, KindFileTooLarge, KindInvalidAudio:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is returned by Service.Transcribe. Message is safe to show to clients.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind so callers can compare against a bare
// &Error{Kind: ...} value.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// KindOf reports the kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind
	}
	return KindUnknown
}
