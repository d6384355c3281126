package reaction

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/tassiluca/location-service/tracker-service/domain"
)

var (
	testScope = domain.Scope{UserID: "u1", GroupID: "g1"}
	t0        = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	home      = domain.Location{Latitude: 45.0, Longitude: 9.0}
	nearHome  = domain.Location{Latitude: 45.0001, Longitude: 9.0}
	office    = domain.Location{Latitude: 45.05, Longitude: 9.05}
	atOffice  = domain.Location{Latitude: 45.0502, Longitude: 9.05}
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, a Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return n.err
}

func (n *recordingNotifier) kinds() []AlertKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]AlertKind, len(n.alerts))
	for i, a := range n.alerts {
		out[i] = a.Kind
	}
	return out
}

type staticDirectory struct {
	members []string
	err     error
	calls   int
}

func (d *staticDirectory) Members(context.Context, string) ([]string, error) {
	d.calls++
	return d.members, d.err
}

type stageFunc struct {
	name string
	fn   func() (domain.DrivingEvent, error)
	runs int
}

func (s *stageFunc) Name() string { return s.name }

func (s *stageFunc) React(context.Context, domain.Session, domain.DrivingEvent) (domain.DrivingEvent, error) {
	s.runs++
	return s.fn()
}

func session(state domain.UserState, last *domain.Sample, route *domain.Route) domain.Session {
	s := domain.NewSession(testScope)
	s.State = state
	s.Tracking.LastSample = last
	s.Tracking.Route = route
	if last != nil {
		s.Tracking.StationarySince = last.At
	}
	return s
}

func setupTestTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return tp, exporter
}

func TestPipelineShortCircuitsOnFirstDerivedEvent(t *testing.T) {
	derived := domain.NewWentOffline(testScope, t0)
	first := &stageFunc{name: "first", fn: func() (domain.DrivingEvent, error) { return nil, nil }}
	second := &stageFunc{name: "second", fn: func() (domain.DrivingEvent, error) { return derived, nil }}
	third := &stageFunc{name: "third", fn: func() (domain.DrivingEvent, error) { return nil, errors.New("unreachable") }}

	got, err := NewPipeline(first, second, third).Run(context.Background(), domain.NewSession(testScope), derived)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != derived {
		t.Fatalf("expected the second stage event, got %#v", got)
	}
	if first.runs != 1 || second.runs != 1 || third.runs != 0 {
		t.Fatalf("unexpected runs: %d %d %d", first.runs, second.runs, third.runs)
	}
}

func TestPipelineWithoutDerivedEventReturnsNil(t *testing.T) {
	none := &stageFunc{name: "none", fn: func() (domain.DrivingEvent, error) { return nil, nil }}
	got, err := NewPipeline(none, none).Run(context.Background(), domain.NewSession(testScope), domain.NewRouteStopped(testScope, t0))
	if err != nil || got != nil {
		t.Fatalf("expected no event, got %#v (%v)", got, err)
	}
}

func TestPipelineReportsStageErrorsAndPanics(t *testing.T) {
	_, exporter := setupTestTracer(t)

	boom := errors.New("maps unavailable")
	failing := &stageFunc{name: "failing", fn: func() (domain.DrivingEvent, error) { return nil, boom }}
	_, err := NewPipeline(failing).Run(context.Background(), domain.NewSession(testScope), domain.NewRouteStopped(testScope, t0))
	if !errors.Is(err, boom) {
		t.Fatalf("expected stage error, got %v", err)
	}

	panicking := &stageFunc{name: "panicking", fn: func() (domain.DrivingEvent, error) { panic("nil map") }}
	_, err = NewPipeline(panicking).Run(context.Background(), domain.NewSession(testScope), domain.NewRouteStopped(testScope, t0))
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("expected panic to become an error, got %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	for _, span := range spans {
		if span.Status.Code != codes.Error {
			t.Fatalf("expected error status on %s, got %v", span.Name, span.Status.Code)
		}
	}
	if spans[0].Name != "reaction.failing" {
		t.Fatalf("unexpected span name %s", spans[0].Name)
	}
}

func TestGateRejectsFormerMembers(t *testing.T) {
	dir := &staticDirectory{members: []string{"u2"}}
	notifier := &recordingNotifier{}
	gate := &Gate{Directory: dir, Notifier: notifier}

	ev := domain.NewRouteStarted(testScope, t0, office, "office", time.Time{})
	got, err := gate.React(context.Background(), session(domain.StateActive, &domain.Sample{Position: home, At: t0}, nil), ev)
	if err != nil {
		t.Fatalf("react: %v", err)
	}
	if _, ok := got.(domain.WentOffline); !ok {
		t.Fatalf("expected WentOffline, got %#v", got)
	}
	if len(notifier.kinds()) != 0 {
		t.Fatalf("former members must not notify the group, got %v", notifier.kinds())
	}
}

func TestGateNotifiesRouteChanges(t *testing.T) {
	dir := &staticDirectory{members: []string{"u1", "u2"}}
	notifier := &recordingNotifier{err: errors.New("queue down")}
	logger, hook := test.NewNullLogger()
	gate := &Gate{Directory: dir, Notifier: notifier, Logger: logger}
	s := session(domain.StateActive, &domain.Sample{Position: home, At: t0}, nil)

	got, err := gate.React(context.Background(), s, domain.NewRouteStarted(testScope, t0, office, "office", time.Time{}))
	if err != nil || got != nil {
		t.Fatalf("expected no event, got %#v (%v)", got, err)
	}
	if kinds := notifier.kinds(); len(kinds) != 1 || kinds[0] != AlertRouteStarted {
		t.Fatalf("unexpected alerts: %v", kinds)
	}
	if hook.LastEntry() == nil || hook.LastEntry().Message != "failed to dispatch alert" {
		t.Fatalf("expected notification failure to be logged")
	}

	if _, err := gate.React(context.Background(), s, domain.NewLocationSampled(testScope, t0.Add(time.Second), home, 0)); err != nil {
		t.Fatalf("react: %v", err)
	}
	if dir.calls != 1 {
		t.Fatalf("samples of an active session must not hit the directory, got %d calls", dir.calls)
	}
}

func TestGatePropagatesDirectoryErrors(t *testing.T) {
	boom := errors.New("table unavailable")
	gate := &Gate{Directory: &staticDirectory{err: boom}}
	_, err := gate.React(context.Background(), domain.NewSession(testScope), domain.NewLocationSampled(testScope, t0, home, 0))
	if !errors.Is(err, boom) {
		t.Fatalf("expected directory error, got %v", err)
	}
}

func TestArrivalCheck(t *testing.T) {
	route := &domain.Route{Destination: office, Label: "office", StartedAt: t0}
	notifier := &recordingNotifier{}
	check := &ArrivalCheck{Maps: LocalMaps{}, Notifier: notifier}
	s := session(domain.StateOnRoute, &domain.Sample{Position: home, At: t0}, route)

	got, err := check.React(context.Background(), s, domain.NewLocationSampled(testScope, t0.Add(time.Minute), home, 0))
	if err != nil || got != nil {
		t.Fatalf("far from destination: expected nothing, got %#v (%v)", got, err)
	}

	got, err = check.React(context.Background(), s, domain.NewLocationSampled(testScope, t0.Add(time.Hour), atOffice, 0))
	if err != nil {
		t.Fatalf("react: %v", err)
	}
	reached, ok := got.(domain.DestinationReached)
	if !ok || !reached.RouteStartedAt.Equal(t0) {
		t.Fatalf("expected DestinationReached for the route, got %#v", got)
	}
	if kinds := notifier.kinds(); len(kinds) != 1 || kinds[0] != AlertArrived {
		t.Fatalf("unexpected alerts: %v", kinds)
	}
}

func TestStationaryCheck(t *testing.T) {
	check := &StationaryCheck{Maps: LocalMaps{}}
	s := session(domain.StateActive, &domain.Sample{Position: home, At: t0}, nil)

	got, err := check.React(context.Background(), s, domain.NewLocationSampled(testScope, t0.Add(5*time.Minute), nearHome, 0))
	if err != nil || got != nil {
		t.Fatalf("too early: expected nothing, got %#v (%v)", got, err)
	}

	got, err = check.React(context.Background(), s, domain.NewLocationSampled(testScope, t0.Add(11*time.Minute), office, 0))
	if err != nil || got != nil {
		t.Fatalf("moved away: expected nothing, got %#v (%v)", got, err)
	}

	got, err = check.React(context.Background(), s, domain.NewLocationSampled(testScope, t0.Add(11*time.Minute), nearHome, 0))
	if err != nil {
		t.Fatalf("react: %v", err)
	}
	stationary, ok := got.(domain.BecameStationary)
	if !ok || !stationary.Since.Equal(t0) {
		t.Fatalf("expected BecameStationary since t0, got %#v", got)
	}
}

func TestArrivalTimeoutCheck(t *testing.T) {
	route := &domain.Route{Destination: office, StartedAt: t0, ExpectedArrival: t0.Add(time.Hour)}
	notifier := &recordingNotifier{}
	check := &ArrivalTimeoutCheck{Notifier: notifier}
	s := session(domain.StateOnRoute, &domain.Sample{Position: home, At: t0}, route)

	got, err := check.React(context.Background(), s, domain.NewLocationSampled(testScope, t0.Add(30*time.Minute), home, 0))
	if err != nil || got != nil {
		t.Fatalf("before expected arrival: expected nothing, got %#v (%v)", got, err)
	}

	got, err = check.React(context.Background(), s, domain.NewLocationSampled(testScope, t0.Add(61*time.Minute), home, 0))
	if err != nil {
		t.Fatalf("react: %v", err)
	}
	if _, ok := got.(domain.ArrivalOverdue); !ok {
		t.Fatalf("expected ArrivalOverdue, got %#v", got)
	}
	if kinds := notifier.kinds(); len(kinds) != 1 || kinds[0] != AlertOverdue {
		t.Fatalf("unexpected alerts: %v", kinds)
	}
}

func TestDefaultPipelinePrefersArrivalOverTimeout(t *testing.T) {
	route := &domain.Route{Destination: office, StartedAt: t0, ExpectedArrival: t0.Add(time.Hour)}
	notifier := &recordingNotifier{}
	p := NewDefaultPipeline(Config{Directory: &staticDirectory{members: []string{"u1"}}, Notifier: notifier})
	s := session(domain.StateOnRoute, &domain.Sample{Position: home, At: t0}, route)

	got, err := p.Run(context.Background(), s, domain.NewLocationSampled(testScope, t0.Add(2*time.Hour), atOffice, 0))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, ok := got.(domain.DestinationReached); !ok {
		t.Fatalf("expected DestinationReached, got %#v", got)
	}
	if kinds := notifier.kinds(); len(kinds) != 1 || kinds[0] != AlertArrived {
		t.Fatalf("later stages must be skipped, got alerts %v", kinds)
	}
}
