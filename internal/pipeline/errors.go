package pipeline

import "errors"

// Error taxonomy for the ingestion side. Movement-domain errors live in the
// repository package.
var (
	ErrUnsupportedFormat = errors.New("unsupported_format")
	ErrEmptyInput        = errors.New("empty_input")
	ErrOversizeInput     = errors.New("oversize_input")
	ErrParseFailed       = errors.New("parse_failed")
	ErrStage2Failed      = errors.New("stage2_failed")
	ErrStage3Failed      = errors.New("stage3_failed")
	ErrOCRFailed         = errors.New("ocr_failed")
)
