package censor

import (
	"errors"

	"github.com/IliaW/nsfw-gate/internal/cache"
	"github.com/IliaW/nsfw-gate/internal/worker"
)

type Kind int

const (
	KindInternal Kind = iota
	KindMalformedRequest
	KindFetch
	KindUnsupportedFormat
	KindDecode
	KindInference
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindMalformedRequest:
		return "malformed_request"
	case KindFetch:
		return "fetch"
	case KindUnsupportedFormat:
		return "unsupported_format"
	case KindDecode:
		return "decode"
	case KindInference:
		return "inference"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Messages returned to clients.
const (
	MsgBadJSON           = "Bad JSON"
	MsgMissingURL        = "Missing URL"
	MsgMissingImage      = "Missing Image"
	MsgDownloadFailed    = "Media Download Failed"
	MsgFormatUnsupported = "File Format Not Supported"
	MsgCorruptImage      = "Corrupt Image"
	MsgCorruptVideo      = "Corrupt Video"
	MsgServiceBusy       = "Service Busy"
	MsgRequestFailed     = "Request Failed"
)

// Error is a request-scoped failure. Message is safe to show to clients; the
// wrapped cause is only logged.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{kind: kind, msg: msg, err: cause}
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.msg
	}
	return e.msg + ": " + e.err.Error()
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) Kind() Kind {
	return e.kind
}

func (e *Error) Message() string {
	return e.msg
}

func (e *Error) Malformed() bool {
	return e.kind == KindMalformedRequest
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindInternal
}

func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.msg
	}
	return MsgRequestFailed
}

// stageError classifies a failure of a processing stage. Pool saturation and
// panics are reported the same way whichever stage hit them.
func stageError(kind Kind, msg string, err error) *Error {
	var e *Error
	switch {
	case errors.As(err, &e):
		return e
	case errors.Is(err, worker.PoolBusyError), errors.Is(err, worker.PoolClosedError):
		return newError(KindUnavailable, MsgServiceBusy, err)
	case errors.Is(err, worker.JobPanicError), errors.Is(err, cache.ComputePanicError):
		return newError(KindInternal, MsgRequestFailed, err)
	default:
		return newError(kind, msg, err)
	}
}
