package debugtrace

import (
	"encoding/json"
	"fmt"
	"math"
	"unicode/utf8"
)

const (
	// MaxEntryBytes is the ceiling for a persisted trace, kept under the
	// engine's 64 KiB value limit.
	MaxEntryBytes = 60 * 1024

	// InlineThreshold is the longest text payload kept verbatim
	InlineThreshold = 1024

	// InlinePrefix is how much of an oversized text payload the marker keeps
	InlinePrefix = 200

	// MaxRetainedOperations is how many log records survive truncation
	MaxRetainedOperations = 50
)

// ReductionStep names a reduction applied by Reduce
type ReductionStep string

const (
	StepResponsePayload ReductionStep = "response_payload"
	StepOperationLog    ReductionStep = "operation_log"
	StepRequestPayload  ReductionStep = "request_payload"
)

// SerializedSize is the byte length of the JSON encoding of v. Values that
// cannot be encoded are reported as math.MaxInt.
func SerializedSize(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return math.MaxInt
	}
	return len(b)
}

// Reduce returns a copy of trace that fits in maxBytes where possible.
// The input is never modified.
func Reduce(trace *RequestTrace, maxBytes int) *RequestTrace {
	out, _ := ReduceWithReport(trace, maxBytes)
	return out
}

// ReduceWithReport is Reduce that also reports which steps ran. Steps are
// applied in order and stop as soon as the trace fits:
//  1. shrink the response payload
//  2. keep the first MaxRetainedOperations log records plus a summary
//  3. shrink the request payload
//
// A trace still over the limit after step 3 is returned as is.
func ReduceWithReport(trace *RequestTrace, maxBytes int) (*RequestTrace, []ReductionStep) {
	if SerializedSize(trace) <= maxBytes {
		return trace, nil
	}

	out := *trace
	out.OperationLog = append([]OperationRecord(nil), trace.OperationLog...)
	var steps []ReductionStep

	if out.ResponsePayload != nil {
		out.ResponsePayload = shrinkPayload(out.ResponsePayload, "[response too large]")
		steps = append(steps, StepResponsePayload)
		if SerializedSize(&out) <= maxBytes {
			return &out, steps
		}
	}

	if total := len(out.OperationLog); total > MaxRetainedOperations {
		dropped := total - MaxRetainedOperations
		summary := NewRecord(CategoryLog, "truncated")
		summary.Details = map[string]any{
			"dropped": dropped,
			"total":   total,
		}
		out.OperationLog = append(out.OperationLog[:MaxRetainedOperations:MaxRetainedOperations], summary)
		steps = append(steps, StepOperationLog)
		if SerializedSize(&out) <= maxBytes {
			return &out, steps
		}
	}

	if out.RequestPayload != nil {
		out.RequestPayload = shrinkPayload(out.RequestPayload, "[request payload too large]")
		steps = append(steps, StepRequestPayload)
	}

	return &out, steps
}

// shrinkPayload replaces long text with a length-stamped prefix and any
// structured value with marker. Short text is returned unchanged.
func shrinkPayload(payload any, marker string) any {
	s, ok := payload.(string)
	if !ok {
		return marker
	}
	if len(s) <= InlineThreshold {
		return s
	}
	return fmt.Sprintf("[truncated: %d bytes] %s...", len(s), truncateUTF8(s, InlinePrefix))
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
