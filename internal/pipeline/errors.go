package pipeline

import (
	"errors"
	"fmt"
)

// Error codes recorded on tasks and results. Codes are stable strings so the
// audit trail stays readable across versions.
const (
	CodeUnmappableForm     = "unmappable_form"
	CodeLowConfidence      = "low_confidence"
	CodeUnsupportedType    = "unsupported_type"
	CodeAllProvidersFailed = "all_providers_failed"
	CodeBudgetExceeded     = "budget_exceeded"
	CodeCaptchaUnsolved    = "captcha_unsolved"
	CodeNetwork            = "network"
	CodeValidation         = "validation"
	CodeSiteRejected       = "site_rejected"
)

// Store sentinels.
var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrDuplicateTask = errors.New("active task exists for customer and directory")
	ErrResultExists  = errors.New("result already recorded for task")
)

// SkipReason explains why a task was skipped before any mapping was
// attempted.
type SkipReason string

// Skip reasons.
const (
	SkipRequiresLogin      SkipReason = "requires_login"
	SkipCaptchaUnsupported SkipReason = "captcha_unsupported"
)

// DiscoveryError reports that a discovery source was unavailable. Discovery
// degrades to partial results; this error only surfaces when every source
// failed.
type DiscoveryError struct {
	Source string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery %s failed: %v", e.Source, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// MappingError reports that a form could not be mapped well enough to
// submit. Mapping errors are permanent and never retried.
type MappingError struct {
	Code       string
	Confidence float64
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("form mapping failed (%s, confidence %.2f)", e.Code, e.Confidence)
}

// CaptchaError reports a failed solve across the provider chain.
type CaptchaError struct {
	Code      string
	Type      CaptchaType
	Attempted int
	Err       error
}

func (e *CaptchaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("captcha %s (%s): %v", e.Code, e.Type, e.Err)
	}
	return fmt.Sprintf("captcha %s (%s, %d providers attempted)", e.Code, e.Type, e.Attempted)
}

func (e *CaptchaError) Unwrap() error { return e.Err }

// SubmissionError classifies a failed submission attempt. Network errors are
// retryable; validation and site rejection are permanent.
type SubmissionError struct {
	Code       string
	StatusCode int
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("submission %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("submission %s (status %d)", e.Code, e.StatusCode)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Retryable reports whether the error is transient. Mapping errors, captcha
// exhaustion and explicit site rejections are permanent; only network-class
// submission failures qualify for another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var mErr *MappingError
	if errors.As(err, &mErr) {
		return false
	}
	var cErr *CaptchaError
	if errors.As(err, &cErr) {
		return false
	}
	var sErr *SubmissionError
	if errors.As(err, &sErr) {
		return sErr.Code == CodeNetwork
	}
	return true
}

// FailureCode extracts the stable code for the audit record, falling back to
// the raw error text for unclassified errors.
func FailureCode(err error) string {
	if err == nil {
		return ""
	}
	var mErr *MappingError
	if errors.As(err, &mErr) {
		return mErr.Code
	}
	var cErr *CaptchaError
	if errors.As(err, &cErr) {
		if cErr.Code != "" {
			return cErr.Code
		}
		return CodeCaptchaUnsolved
	}
	var sErr *SubmissionError
	if errors.As(err, &sErr) {
		return sErr.Code
	}
	return err.Error()
}
