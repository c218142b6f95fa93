package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies pipeline failures.
type ErrorKind int

// Error kinds, in pipeline order.
const (
	KindUnknown ErrorKind = iota
	KindSegmentation
	KindReferenceLoad
	KindBackendUnavailable
	KindSynthesis
	KindAssembly
)

func (k ErrorKind) String() string {
	switch k {
	case KindSegmentation:
		return "segmentation"
	case KindReferenceLoad:
		return "reference_load"
	case KindBackendUnavailable:
		return "backend_unavailable"
	case KindSynthesis:
		return "synthesis"
	case KindAssembly:
		return "assembly"
	case KindUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

type kinded interface {
	Kind() ErrorKind
}

// KindOf returns the taxonomy kind of the first classified error in err's chain.
func KindOf(err error) ErrorKind {
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}

	return KindUnknown
}

// SegmentationError reports chapter text that produced no usable utterances.
type SegmentationError struct {
	ChapterIndex int
	Reason       string
}

func (e *SegmentationError) Error() string {
	return fmt.Sprintf("segmentation failed for chapter %d: %s", e.ChapterIndex, e.Reason)
}

// Kind implements the taxonomy.
func (e *SegmentationError) Kind() ErrorKind { return KindSegmentation }

// ReferenceLoadError reports a reference clip that could not be decoded or encoded.
type ReferenceLoadError struct {
	Source string
	Err    error
}

func (e *ReferenceLoadError) Error() string {
	return fmt.Sprintf("failed to load reference voice %q: %v", e.Source, e.Err)
}

func (e *ReferenceLoadError) Unwrap() error { return e.Err }

// Kind implements the taxonomy.
func (e *ReferenceLoadError) Kind() ErrorKind { return KindReferenceLoad }

// BackendUnavailableError is returned when the reachability probe fails.
// Remediation is operator-facing text.
type BackendUnavailableError struct {
	Address     string
	Remediation string
	Err         error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("TTS backend at %s is unavailable: %v. %s", e.Address, e.Err, e.Remediation)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// Kind implements the taxonomy.
func (e *BackendUnavailableError) Kind() ErrorKind { return KindBackendUnavailable }

// ErrMalformedRequest marks a synthesis call that could not be built. Retrying it
// cannot succeed.
var ErrMalformedRequest = errors.New("malformed synthesis request")

// SynthesisError reports a failed synthesis call. StatusCode is zero for
// transport failures.
type SynthesisError struct {
	StatusCode   int
	Body         string
	ChapterIndex int
	Ordinal      int
	Err          error
}

func (e *SynthesisError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("synthesis failed for chapter %d utterance %d: status %d: %s",
			e.ChapterIndex, e.Ordinal, e.StatusCode, e.Body)
	}

	return fmt.Sprintf("synthesis failed for chapter %d utterance %d: %v",
		e.ChapterIndex, e.Ordinal, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// Kind implements the taxonomy.
func (e *SynthesisError) Kind() ErrorKind { return KindSynthesis }

// Transient reports whether retrying the call may succeed. Transport failures,
// timeouts, 408, 429 and 5xx responses are transient; other statuses and
// malformed requests are not.
func (e *SynthesisError) Transient() bool {
	if errors.Is(e.Err, ErrMalformedRequest) {
		return false
	}

	if e.StatusCode == 0 {
		return e.Err != nil
	}

	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}

// AssemblyError reports mismatched audio parameters or a muxing failure.
// ChapterIndex is zero for book-level failures.
type AssemblyError struct {
	ChapterIndex int
	Op           string
	Err          error
}

func (e *AssemblyError) Error() string {
	if e.ChapterIndex > 0 {
		return fmt.Sprintf("assembly %s failed for chapter %d: %v", e.Op, e.ChapterIndex, e.Err)
	}

	return fmt.Sprintf("assembly %s failed: %v", e.Op, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// Kind implements the taxonomy.
func (e *AssemblyError) Kind() ErrorKind { return KindAssembly }
