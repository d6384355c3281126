package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	eventsRoute       = "/api/events"
	eventsSpanName    = "POST " + eventsRoute
	eventsEventName   = "tracker.events.request"
	eventsEventDomain = "tracker.api"
	observabilityName = "observability.event"
	tracerName        = "github.com/tassiluca/location-service/tracker-service/api"
)

// eventRequestMetrics records the phases of an ingest request and emits them
// once, both as a structured log entry and as a span.
type eventRequestMetrics struct {
	logger          *log.Logger
	span            trace.Span
	start           time.Time
	decodeDuration  time.Duration
	dedupeDuration  time.Duration
	deliverDuration time.Duration
	received        int
	duplicates      int
	delivered       int
	errorStage      string
}

func newEventRequestMetrics(ctx context.Context, logger *log.Logger) (*eventRequestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, eventsSpanName, trace.WithSpanKind(trace.SpanKindServer))
	return &eventRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
	}, ctx
}

func (m *eventRequestMetrics) ObserveDecode(d time.Duration) {
	if d > 0 {
		m.decodeDuration = d
	}
}

func (m *eventRequestMetrics) ObserveDedupe(d time.Duration) {
	if d > 0 {
		m.dedupeDuration = d
	}
}

func (m *eventRequestMetrics) ObserveDeliver(d time.Duration) {
	if d > 0 {
		m.deliverDuration = d
	}
}

func (m *eventRequestMetrics) SetReceived(n int)   { m.received = max(n, 0) }
func (m *eventRequestMetrics) SetDuplicates(n int) { m.duplicates = max(n, 0) }
func (m *eventRequestMetrics) SetDelivered(n int)  { m.delivered = max(n, 0) }

func (m *eventRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *eventRequestMetrics) attributes(status int) map[string]any {
	attrs := map[string]any{
		"http.route":                eventsRoute,
		"http.status_code":          status,
		"tracker.events.received":   m.received,
		"tracker.events.duplicates": m.duplicates,
		"tracker.events.delivered":  m.delivered,
		"tracker.events.total_ms":   durationToMillis(time.Since(m.start)),
		"tracker.events.decode_ms":  durationToMillis(m.decodeDuration),
		"tracker.events.dedupe_ms":  durationToMillis(m.dedupeDuration),
		"tracker.events.deliver_ms": durationToMillis(m.deliverDuration),
	}
	if m.errorStage != "" {
		attrs["tracker.events.error_stage"] = m.errorStage
	}
	return attrs
}

// Log ends the request span and writes the observability event.
func (m *eventRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	attrs := m.attributes(status)
	severityText, severityNumber := severityForStatus(status, err)

	if m.span != nil {
		kvs := toKeyValues(attrs)
		m.span.SetAttributes(kvs...)
		eventAttrs := append(kvs,
			attribute.String("event.name", eventsEventName),
			attribute.String("event.domain", eventsEventDomain),
			attribute.String("severity_text", severityText),
		)
		if err != nil {
			eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
		}
		m.span.AddEvent(observabilityName, trace.WithAttributes(eventAttrs...))
		switch {
		case err != nil:
			m.span.RecordError(err)
			m.span.SetStatus(codes.Error, err.Error())
		case status >= http.StatusInternalServerError:
			m.span.SetStatus(codes.Error, http.StatusText(status))
		default:
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      eventsEventName,
		"event.domain":    eventsEventDomain,
		"attributes":      attrs,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	entry := m.logger.WithFields(fields)
	switch severityNumber {
	case 17:
		entry.Error(observabilityName)
	case 13:
		entry.Warn(observabilityName)
	default:
		entry.Info(observabilityName)
	}
}

// severityForStatus maps a response to OpenTelemetry log severity.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func toKeyValues(attrs map[string]any) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			kvs = append(kvs, attribute.String(k, val))
		case int:
			kvs = append(kvs, attribute.Int(k, val))
		case float64:
			kvs = append(kvs, attribute.Float64(k, val))
		case bool:
			kvs = append(kvs, attribute.Bool(k, val))
		}
	}
	return kvs
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
