package stream

import (
	"net/http"
	"strings"
	"time"
)

// conditionalDecision is the outcome of RFC 7232 evaluation.
type conditionalDecision int

const (
	condProceed conditionalDecision = iota
	condNotModified
	condPreconditionFailed
)

// evaluateConditionals applies the precondition decision table against the
// descriptor's validators. If-None-Match takes precedence over
// If-Modified-Since; If-Match over If-Unmodified-Since.
func evaluateConditionals(h http.Header, etag string, lastModified *time.Time) conditionalDecision {
	if inm := h.Get("If-None-Match"); inm != "" {
		if etagMatches(inm, etag) {
			return condNotModified
		}
	} else if ims := h.Get("If-Modified-Since"); ims != "" && lastModified != nil {
		if t, err := http.ParseTime(ims); err == nil {
			if !lastModified.Truncate(time.Second).After(t) {
				return condNotModified
			}
		}
	}

	if im := h.Get("If-Match"); im != "" {
		if !etagMatches(im, etag) {
			return condPreconditionFailed
		}
	} else if ius := h.Get("If-Unmodified-Since"); ius != "" && lastModified != nil {
		if t, err := http.ParseTime(ius); err == nil {
			if lastModified.Truncate(time.Second).After(t) {
				return condPreconditionFailed
			}
		}
	}

	return condProceed
}

// honorIfRange reports whether a Range header should be honored given an
// If-Range value. A missing If-Range always honors the Range. An entity tag
// must match strongly; an HTTP date must equal the descriptor's
// Last-Modified. Unparsable values count as mismatch, dropping the Range.
func honorIfRange(ifRange, etag string, lastModified *time.Time) bool {
	if ifRange == "" {
		return true
	}

	if strings.HasPrefix(ifRange, `"`) || strings.HasPrefix(ifRange, `W/`) {
		return etag != "" && stripWeak(ifRange) == stripWeak(etag)
	}

	t, err := http.ParseTime(ifRange)
	if err != nil || lastModified == nil {
		return false
	}
	return lastModified.Truncate(time.Second).Equal(t)
}

// etagMatches implements the If-(None-)Match list: "*" matches any current
// representation; otherwise any listed tag, compared weakly (W/ stripped).
func etagMatches(headerValue, etag string) bool {
	if strings.TrimSpace(headerValue) == "*" {
		return etag != ""
	}
	if etag == "" {
		return false
	}
	want := stripWeak(etag)
	for _, candidate := range strings.Split(headerValue, ",") {
		if stripWeak(strings.TrimSpace(candidate)) == want {
			return true
		}
	}
	return false
}

func stripWeak(tag string) string {
	return strings.TrimPrefix(tag, "W/")
}
