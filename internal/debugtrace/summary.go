package debugtrace

// Summary is the listing view of a persisted trace
type Summary struct {
	RequestID      string  `json:"requestId"`
	Method         string  `json:"method"`
	URL            string  `json:"url"`
	Status         int     `json:"status"`
	Error          string  `json:"error,omitempty"`
	StartTime      string  `json:"startTime"`
	Duration       float64 `json:"durationMs"`
	OperationCount int     `json:"operationCount"`
}

// Summarize returns the listing view of t. OperationCount is the number of
// operations observed, before any truncation of the log.
func Summarize(t *RequestTrace) Summary {
	return Summary{
		RequestID:      t.RequestID,
		Method:         t.Method,
		URL:            t.URL,
		Status:         t.Status,
		Error:          t.Error,
		StartTime:      t.StartTime,
		Duration:       t.Duration,
		OperationCount: len(t.OperationLog),
	}
}
