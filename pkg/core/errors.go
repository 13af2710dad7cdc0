package core

import "errors"

var (
	ErrInvalidWeights   = errors.New("convergence weights must sum to 1")
	ErrInvalidContent   = errors.New("invalid turn text")
	ErrContentTooLarge  = errors.New("turn text exceeds maximum allowed size")
	ErrInvalidSignature = errors.New("signature contains non-finite values")
	ErrCorruptState     = errors.New("persisted state is corrupt")
	ErrStateNotFound    = errors.New("persisted state not found")
	ErrShapeMismatch    = errors.New("state shape does not match the extractor ensemble")
	ErrLLMUnavailable   = errors.New("external generator unavailable")
	ErrLLMTimeout       = errors.New("external generator timed out")
	ErrEmptyEmission    = errors.New("emission produced no text")
	ErrWorkerStopped    = errors.New("worker is stopped")
	ErrUnknownFamily    = errors.New("family not found")
)
