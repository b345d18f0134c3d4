// Package connectivity abstracts "is the network up" as a pluggable
// capability, so the check can be swapped per platform or faked in tests
// instead of living in process-wide mutable state.
package connectivity

import (
	"context"
)

// Probe answers whether the remote service is currently reachable.
type Probe interface {
	// Online returns true when a sync cycle is worth attempting.
	Online(ctx context.Context) bool
}

// HealthChecker is the subset of the gateway the HTTP probe needs.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HTTPProbe reports online when the service health endpoint answers.
type HTTPProbe struct {
	checker HealthChecker
}

// NewHTTPProbe creates a probe backed by the service health check.
func NewHTTPProbe(checker HealthChecker) *HTTPProbe {
	return &HTTPProbe{checker: checker}
}

// Online implements Probe.
func (p *HTTPProbe) Online(ctx context.Context) bool {
	return p.checker.HealthCheck(ctx) == nil
}

// Static is a fixed-answer probe for tests and for platforms that surface
// connectivity through their own APIs.
type Static struct {
	Up bool
}

// Online implements Probe.
func (s Static) Online(ctx context.Context) bool {
	return s.Up
}
