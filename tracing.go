package evoagent

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ──────────────────────────────────────────────
// Cycle audit tracing — spans around meta-learning steps
// ──────────────────────────────────────────────

// CycleSpan records one unit of cycle work (summarize, visualize, decide...).
type CycleSpan struct {
	SpanID     string                 `json:"span_id"`
	TraceID    string                 `json:"trace_id"`
	Name       string                 `json:"name"`
	StartTime  time.Time              `json:"start_time"`
	EndTime    time.Time              `json:"end_time,omitempty"`
	Status     string                 `json:"status"` // "running", "ok", "error", "skipped"
	Error      string                 `json:"error,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// DurationMs returns the span duration in milliseconds.
func (s *CycleSpan) DurationMs() float64 {
	end := s.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	return float64(end.Sub(s.StartTime).Microseconds()) / 1000.0
}

// SpanExporter receives finished spans.
type SpanExporter interface {
	Export(span *CycleSpan)
}

// NullSpanExporter discards all spans.
type NullSpanExporter struct{}

func (NullSpanExporter) Export(*CycleSpan) {}

// LogSpanExporter writes spans to a zap logger.
type LogSpanExporter struct {
	Logger *zap.Logger
}

func (e LogSpanExporter) Export(span *CycleSpan) {
	e.Logger.Info("cycle span",
		zap.String("trace_id", span.TraceID),
		zap.String("name", span.Name),
		zap.String("status", span.Status),
		zap.Float64("duration_ms", span.DurationMs()),
		zap.String("error", span.Error))
}

// CycleTracer creates spans for one meta-learning cycle at a time.
type CycleTracer struct {
	mu       sync.Mutex
	exporter SpanExporter
	enabled  bool
	traceID  string
}

// NewCycleTracer creates a tracer. A nil exporter discards spans.
func NewCycleTracer(exporter SpanExporter, enabled bool) *CycleTracer {
	if exporter == nil {
		exporter = NullSpanExporter{}
	}
	return &CycleTracer{exporter: exporter, enabled: enabled}
}

// NewTrace starts a fresh trace (one per cycle run) and returns its ID.
func (t *CycleTracer) NewTrace() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.traceID = uuid.NewString()
	return t.traceID
}

// StartSpan begins a named span in the current trace.
func (t *CycleTracer) StartSpan(name string) *CycleSpan {
	if t == nil || !t.enabled {
		return &CycleSpan{Name: name, Status: "ok"}
	}
	t.mu.Lock()
	traceID := t.traceID
	t.mu.Unlock()
	return &CycleSpan{
		SpanID:    uuid.NewString(),
		TraceID:   traceID,
		Name:      name,
		StartTime: time.Now(),
		Status:    "running",
	}
}

// EndSpan finishes and exports a span.
func (t *CycleTracer) EndSpan(span *CycleSpan, status, errMsg string) {
	if t == nil || !t.enabled {
		return
	}
	span.EndTime = time.Now()
	span.Status = status
	span.Error = errMsg
	t.exporter.Export(span)
}
