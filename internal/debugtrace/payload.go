package debugtrace

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// PayloadCaptureLimit is the largest body captured into a trace. Larger
// bodies are replaced by a marker before the trace is assembled.
const PayloadCaptureLimit = 32 * 1024

// CapturePayload converts a request or response body into a trace value:
// nil for an empty body, the decoded value for JSON, the raw text otherwise.
func CapturePayload(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	if len(body) > PayloadCaptureLimit {
		return tooLarge(len(body))
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err == nil {
		return decoded
	}

	if !utf8.Valid(body) {
		return fmt.Sprintf("[binary payload: %d bytes]", len(body))
	}
	return string(body)
}

// CapturePrefix is CapturePayload for a body of which only the first bytes
// were kept. total is the full body length.
func CapturePrefix(head []byte, total int) any {
	if total > PayloadCaptureLimit {
		return tooLarge(total)
	}
	return CapturePayload(head)
}

func tooLarge(n int) string {
	return fmt.Sprintf("[payload too large: %d bytes]", n)
}
