package kernel

import (
	coreerrors "sourcebot/core/errors"
	"sourcebot/core/plugin"

	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Report is the outcome of a batch load.
type Report struct {
	// Order is the resolved load order.
	Order []string
	// Enabled lists the modules that reached Enabled, in enable order.
	Enabled []string
	// Failures maps each module that did not reach Enabled to its error.
	Failures map[string]error
}

// Err joins every failure, sorted by module name. Nil when everything enabled.
func (r *Report) Err() error {
	names := make([]string, 0, len(r.Failures))
	for n := range r.Failures {
		names = append(names, n)
	}
	sort.Strings(names)
	errs := make([]error, len(names))
	for i, n := range names {
		errs[i] = r.Failures[n]
	}
	return errors.Join(errs...)
}

// LoadModules discovers every module under dir, then loads and enables them in
// dependency order. A module that fails never stops unrelated ones; the error is
// returned only when dir cannot be read.
func (r *Runtime) LoadModules(ctx context.Context, dir string) (*Report, error) {
	ctx, span := r.tracer.Start(ctx, "Runtime.LoadModules", trace.WithAttributes(attribute.String("modules.dir", dir)))
	defer span.End()

	found, err := plugin.Discover(dir, r.cacheDir, r.logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	report := r.Load(ctx, found.Descriptors)
	for _, ferr := range found.Failures {
		name := ferr.Error()
		var lerr *coreerrors.ModuleLoadError
		if errors.As(ferr, &lerr) && lerr.Module != "" {
			name = lerr.Module
		}
		if _, exists := report.Failures[name]; !exists {
			report.Failures[name] = ferr
		}
	}

	span.SetAttributes(
		attribute.Int("modules.enabled", len(report.Enabled)),
		attribute.Int("modules.failed", len(report.Failures)))
	if len(report.Failures) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d modules failed", len(report.Failures)))
	}
	return report, nil
}

// Load resolves descs, given in discovery order, against the modules already
// present, then loads and enables each one in the resolved order.
func (r *Runtime) Load(ctx context.Context, descs []*plugin.Descriptor) *Report {
	available := make(map[string]string)
	r.mu.Lock()
	for _, e := range r.modules {
		if e.state != Failed {
			available[e.desc.Name] = e.desc.Version
		}
	}
	for _, d := range descs {
		if _, loaded := r.modules[d.Name]; !loaded {
			r.known[d.Name] = d
		}
	}
	r.mu.Unlock()

	plan := Resolve(descs, available)
	report := &Report{Failures: plan.Failures}
	for _, name := range plan.FailedNames() {
		r.logger.Error("Module rejected", zap.String("module", name), zap.Error(plan.Failures[name]))
		r.metrics.ModuleTransition(name, "load", "failed")
	}

	for _, desc := range plan.Order {
		report.Order = append(report.Order, desc.Name)

		var failed []string
		for _, dep := range desc.DependencyNames() {
			if report.Failures[dep] != nil {
				failed = append(failed, dep)
			}
		}
		if len(failed) > 0 {
			report.Failures[desc.Name] = &coreerrors.ModuleLoadError{Module: desc.Name, Kind: coreerrors.DependencyFailed, Related: failed}
			continue
		}

		if _, err := r.LoadModule(ctx, desc); err != nil {
			report.Failures[desc.Name] = err
			continue
		}
		if err := r.EnableModule(ctx, desc.Name); err != nil && !errors.Is(err, coreerrors.ErrAlreadyEnabled) {
			report.Failures[desc.Name] = err
			continue
		}
		report.Enabled = append(report.Enabled, desc.Name)
	}
	return report
}
