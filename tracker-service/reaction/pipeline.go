// Package reaction derives follow-up events from accepted client events.
//
// A Pipeline consults its stages in order and stops at the first one that
// yields an event. Stages may notify the group regardless of what they yield.
package reaction

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tassiluca/location-service/tracker-service/domain"
)

const tracerName = "tracker-service/reaction"

// Stage inspects the session as it was before ev and may propose one event.
type Stage interface {
	Name() string
	React(ctx context.Context, s domain.Session, ev domain.DrivingEvent) (domain.DrivingEvent, error)
}

// Pipeline is an ordered, short-circuiting chain of stages.
type Pipeline struct {
	stages []Stage
	tracer trace.Tracer
}

// NewPipeline builds a pipeline consulting stages left to right.
func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages, tracer: otel.Tracer(tracerName)}
}

// Run returns the first derived event, or nil when no stage yields one. The
// first stage error aborts the run.
func (p *Pipeline) Run(ctx context.Context, s domain.Session, ev domain.DrivingEvent) (domain.DrivingEvent, error) {
	for _, stage := range p.stages {
		derived, err := p.runStage(ctx, stage, s, ev)
		if err != nil {
			return nil, err
		}
		if derived != nil {
			return derived, nil
		}
	}
	return nil, nil
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, s domain.Session, ev domain.DrivingEvent) (derived domain.DrivingEvent, err error) {
	ctx, span := p.tracer.Start(ctx, "reaction."+stage.Name(), trace.WithAttributes(
		attribute.String("tracker.entity", s.Scope.Encode()),
		attribute.String("tracker.event", string(ev.Kind())),
		attribute.String("tracker.state", string(s.State)),
	))
	defer func() {
		if r := recover(); r != nil {
			derived, err = nil, fmt.Errorf("stage %s panicked: %v", stage.Name(), r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if derived != nil {
			span.SetAttributes(attribute.String("tracker.derived", string(derived.Kind())))
		}
		span.End()
	}()

	derived, err = stage.React(ctx, s, ev)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", stage.Name(), err)
	}
	return derived, nil
}
