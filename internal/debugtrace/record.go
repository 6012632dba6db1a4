package debugtrace

import "time"

// Category distinguishes storage operations from free-form log lines
type Category string

const (
	CategoryKV  Category = "kv"
	CategoryLog Category = "log"
)

// OperationRecord is one entry of a request's operation log
type OperationRecord struct {
	Category  Category       `json:"category"`
	Operation string         `json:"operation"`
	Key       string         `json:"key,omitempty"`
	Duration  float64        `json:"durationMs"`
	Timestamp int64          `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// NewRecord creates a record stamped with the current time
func NewRecord(category Category, operation string) OperationRecord {
	return OperationRecord{
		Category:  category,
		Operation: operation,
		Timestamp: time.Now().UnixMilli(),
	}
}

// StartTimeFormat is the layout of RequestTrace.StartTime. It has a fixed
// width so UTC timestamps sort lexically.
const StartTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// RequestTrace is the persisted record of one traced request
type RequestTrace struct {
	RequestID       string            `json:"requestId"`
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	Status          int               `json:"status"`
	Error           string            `json:"error,omitempty"`
	StartTime       string            `json:"startTime"`
	Duration        float64           `json:"durationMs"`
	MemoryDelta     MemoryDelta       `json:"memoryDelta"`
	OperationLog    []OperationRecord `json:"operationLog"`
	RequestPayload  any               `json:"requestPayload,omitempty"`
	ResponsePayload any               `json:"responsePayload,omitempty"`
}

// Millis converts a duration to fractional milliseconds
func Millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
