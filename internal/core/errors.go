// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors shared by every pipeline node. Call sites wrap them with
// fmt.Errorf("%w: ...") and callers match with errors.Is.
var (
	// ErrBadValue reports malformed or out-of-range input.
	ErrBadValue = errors.New("dcamera: bad value")
	// ErrBadType reports a conversion the node does not support.
	ErrBadType = errors.New("dcamera: bad type")
	// ErrMemoryOpt reports a failed copy into or out of codec memory.
	ErrMemoryOpt = errors.New("dcamera: memory operation failed")
	// ErrBadOperate reports a failed codec operation (configure/start/stop/queue/release).
	ErrBadOperate = errors.New("dcamera: codec operation failed")
	// ErrIndexOverflow reports a full internal queue.
	ErrIndexOverflow = errors.New("dcamera: queue index overflow")
	// ErrDisableProcess reports a node that is tearing down or has failed.
	ErrDisableProcess = errors.New("dcamera: process disabled")
	// ErrInitErr reports a failure creating codec or surface resources.
	ErrInitErr = errors.New("dcamera: init error")
	// ErrNotFound reports an unknown codec or pipeline kind.
	ErrNotFound = errors.New("dcamera: not found")
)

// ErrorKind maps an error to the short label used in logs and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrBadValue):
		return "bad_value"
	case errors.Is(err, ErrBadType):
		return "bad_type"
	case errors.Is(err, ErrMemoryOpt):
		return "memory_opt"
	case errors.Is(err, ErrBadOperate):
		return "bad_operate"
	case errors.Is(err, ErrIndexOverflow):
		return "index_overflow"
	case errors.Is(err, ErrDisableProcess):
		return "disable_process"
	case errors.Is(err, ErrInitErr):
		return "init_err"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "unknown"
	}
}

// DataProcessErrorType classifies fatal pipeline errors reported to the owner.
type DataProcessErrorType int

const (
	ErrorPipelineEventbus DataProcessErrorType = iota
	ErrorPipelineDecoder
	ErrorPipelineEncoder
	ErrorDisableProcess
)

func (t DataProcessErrorType) String() string {
	switch t {
	case ErrorPipelineEventbus:
		return "ERROR_PIPELINE_EVENTBUS"
	case ErrorPipelineDecoder:
		return "ERROR_PIPELINE_DECODER"
	case ErrorPipelineEncoder:
		return "ERROR_PIPELINE_ENCODER"
	case ErrorDisableProcess:
		return "ERROR_DISABLE_PROCESS"
	default:
		return "ERROR_UNKNOWN"
	}
}
