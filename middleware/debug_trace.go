package middleware

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/kvtrace/internal/debugtrace"
	"github.com/upb/kvtrace/internal/observability"
	"github.com/upb/kvtrace/repositories"
	"go.uber.org/zap"
)

const (
	// RequestIDHeader carries the correlation id of a traced request
	RequestIDHeader = "X-Debug-Request-Id"

	// TraceActiveHeader marks a response whose request was traced
	TraceActiveHeader = "X-Debug-Trace"
)

// DebugTraceConfig controls request tracing
type DebugTraceConfig struct {
	Enabled bool

	// Namespace is the first part of every persisted trace key
	Namespace string

	// Expiry bounds how long a persisted trace is kept
	Expiry time.Duration

	// MaxBytes is the serialized size ceiling of a persisted trace
	MaxBytes int

	// ExcludePathFragment keeps the trace inspection endpoints out of tracing
	ExcludePathFragment string

	// SkipPaths are exact paths never traced (probes and scrapes)
	SkipPaths []string
}

// DefaultDebugTraceConfig returns the defaults used when nothing is configured
func DefaultDebugTraceConfig() DebugTraceConfig {
	return DebugTraceConfig{
		Namespace:           "kvtrace",
		Expiry:              10 * time.Minute,
		MaxBytes:            debugtrace.MaxEntryBytes,
		ExcludePathFragment: "/debug/",
		SkipPaths:           []string{"/healthz", "/readyz", "/metrics"},
	}
}

// TraceKey returns the KV key under which the trace of requestID is stored
func TraceKey(namespace, requestID string) repositories.Key {
	return repositories.Key{namespace, "debug", requestID}
}

// TraceIndexKey returns the key of the summary entry written next to each
// trace. Start times have a fixed width, so these keys sort oldest first.
func TraceIndexKey(namespace, startTime, requestID string) repositories.Key {
	return repositories.Key{namespace, "debug-by-time", startTime, requestID}
}

// TraceIndexPrefix is the prefix shared by every TraceIndexKey of namespace
func TraceIndexPrefix(namespace string) repositories.Key {
	return repositories.Key{namespace, "debug-by-time"}
}

// DebugTrace captures each request into a RequestTrace and persists it
// to the KV store
type DebugTrace struct {
	store   repositories.KVStore
	cfg     DebugTraceConfig
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewDebugTrace creates a new DebugTrace middleware
func NewDebugTrace(store repositories.KVStore, cfg DebugTraceConfig, logger *zap.Logger, metrics *observability.Metrics) *DebugTrace {
	defaults := DefaultDebugTraceConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = defaults.Namespace
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = defaults.Expiry
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaults.MaxBytes
	}
	if cfg.ExcludePathFragment == "" {
		cfg.ExcludePathFragment = defaults.ExcludePathFragment
	}
	if cfg.SkipPaths == nil {
		cfg.SkipPaths = defaults.SkipPaths
	}

	return &DebugTrace{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// Handler wraps next with request tracing
func (m *DebugTrace) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.cfg.Enabled || m.excluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		requestID := uuid.New().String()
		ec := debugtrace.NewExecutionContext(requestID)

		// Set before the handler runs so they survive a failed persist
		w.Header().Set(RequestIDHeader, requestID)
		w.Header().Set(TraceActiveHeader, "true")

		requestPayload := m.bufferBody(r)
		iw := newInterceptor(w)

		var panicked any
		func() {
			defer func() {
				panicked = recover()
			}()
			_ = debugtrace.Run(WithRequestID(r.Context(), requestID), ec, func(ctx context.Context) error {
				next.ServeHTTP(iw, r.WithContext(ctx))
				return nil
			})
		}()

		trace := &debugtrace.RequestTrace{
			RequestID:      requestID,
			URL:            r.URL.String(),
			Method:         r.Method,
			Status:         iw.Code(),
			StartTime:      ec.Start.UTC().Format(debugtrace.StartTimeFormat),
			Duration:       debugtrace.Millis(time.Since(ec.Start)),
			MemoryDelta:    debugtrace.ReadMemorySnapshot().Sub(ec.StartMemory),
			OperationLog:   ec.Records(),
			RequestPayload: requestPayload(),
		}
		if panicked != nil {
			trace.Status = http.StatusInternalServerError
			trace.Error = fmt.Sprint(panicked)
		} else {
			trace.ResponsePayload = debugtrace.CapturePrefix(iw.body.Bytes(), iw.Written())
		}

		m.persist(r, trace, panicked != nil)

		if panicked != nil {
			panic(panicked)
		}
	})
}

func (m *DebugTrace) excluded(path string) bool {
	return strings.Contains(path, m.cfg.ExcludePathFragment) || slices.Contains(m.cfg.SkipPaths, path)
}

// bufferBody keeps at most PayloadCaptureLimit+1 bytes of the request body
// for the trace and gives the handler an equivalent body. The returned func
// builds the trace payload once the handler is done with the body.
func (m *DebugTrace) bufferBody(r *http.Request) func() any {
	if r.Body == nil || r.Body == http.NoBody {
		return func() any { return nil }
	}

	head, err := io.ReadAll(io.LimitReader(r.Body, debugtrace.PayloadCaptureLimit+1))
	if err != nil {
		// Hand over what was read followed by whatever is left
		r.Body = readCloser{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}
		marker := fmt.Sprintf("[unreadable payload: %v]", err)
		return func() any { return marker }
	}

	if len(head) <= debugtrace.PayloadCaptureLimit {
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(head))
		return func() any { return debugtrace.CapturePayload(head) }
	}

	rest := &countingReader{r: r.Body}
	r.Body = readCloser{io.MultiReader(bytes.NewReader(head), rest), r.Body}
	contentLength := r.ContentLength
	return func() any {
		total := len(head) + rest.n
		if contentLength > int64(total) {
			total = int(contentLength)
		}
		return debugtrace.CapturePrefix(head, total)
	}
}

// persist bounds the trace and writes it, together with its index entry,
// outside of any trace so the write itself is not recorded. Failures are
// logged and dropped.
func (m *DebugTrace) persist(r *http.Request, trace *debugtrace.RequestTrace, failed bool) {
	bounded, steps := debugtrace.ReduceWithReport(trace, m.cfg.MaxBytes)
	size := debugtrace.SerializedSize(bounded)

	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = string(s)
	}
	m.metrics.RecordTrace(failed, size, names)

	if len(steps) > 0 {
		m.logger.Debug("debug trace reduced",
			zap.String("request_id", trace.RequestID),
			zap.Strings("steps", names),
			zap.Int("bytes", size))
	}

	ctx := debugtrace.Detach(r.Context())
	key := TraceKey(m.cfg.Namespace, trace.RequestID)
	expire := repositories.WithExpireIn(m.cfg.Expiry)

	res, err := m.store.Atomic(ctx).
		Set(key, bounded, expire).
		Set(TraceIndexKey(m.cfg.Namespace, trace.StartTime, trace.RequestID), debugtrace.Summarize(trace), expire).
		Commit(ctx)
	if err == nil && !res.OK {
		err = fmt.Errorf("write of %s was not committed", key)
	}
	if err != nil {
		m.metrics.RecordPersistFailure()
		m.logger.Warn("failed to persist debug trace",
			zap.String("request_id", trace.RequestID),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
}

// interceptor passes the response through while keeping its status, its
// length and a copy of its first bytes
type interceptor struct {
	http.ResponseWriter

	code int
	n    int
	body bytes.Buffer
}

func newInterceptor(w http.ResponseWriter) *interceptor {
	return &interceptor{ResponseWriter: w}
}

// WriteHeader keeps the first final status. Informational 1xx codes are
// passed through but never recorded.
func (i *interceptor) WriteHeader(code int) {
	if i.code == 0 && code >= http.StatusOK {
		i.code = code
	}
	i.ResponseWriter.WriteHeader(code)
}

func (i *interceptor) Write(p []byte) (int, error) {
	n, err := i.ResponseWriter.Write(p)
	if room := debugtrace.PayloadCaptureLimit + 1 - i.body.Len(); room > 0 {
		i.body.Write(p[:min(n, room)])
	}
	i.n += n
	return n, err
}

func (i *interceptor) Flush() {
	if f, ok := i.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (i *interceptor) Unwrap() http.ResponseWriter {
	return i.ResponseWriter
}

func (i *interceptor) Code() int {
	if i.code == 0 {
		return http.StatusOK
	}
	return i.code
}

func (i *interceptor) Written() int {
	return i.n
}

type readCloser struct {
	io.Reader
	io.Closer
}

// countingReader counts the bytes read through it
type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}
