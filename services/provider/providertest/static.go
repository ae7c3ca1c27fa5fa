// Package providertest offers an in-memory provider.Client for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"tw_autotrade/services/frame"
	"tw_autotrade/services/provider"
)

// Static serves canned datasets and indicators and records every simulation.
type Static struct {
	Datasets   map[string]*frame.Float
	Indicators map[string][]*frame.Float
	// SimulateFunc produces the report; a zero report is returned when nil.
	SimulateFunc func(req provider.SimRequest) (*provider.Report, error)

	mu        sync.Mutex
	Simulated []provider.SimRequest
}

func (s *Static) Dataset(_ context.Context, name, _ string) (*frame.Float, error) {
	f, ok := s.Datasets[name]
	if !ok {
		return nil, fmt.Errorf("dataset %s: %w", name, provider.ErrNotFound)
	}
	return f, nil
}

func (s *Static) Indicator(_ context.Context, name string, _ map[string]any) ([]*frame.Float, error) {
	out, ok := s.Indicators[name]
	if !ok {
		return nil, fmt.Errorf("indicator %s: %w", name, provider.ErrNotFound)
	}
	return out, nil
}

func (s *Static) Simulate(_ context.Context, req provider.SimRequest) (*provider.Report, error) {
	s.mu.Lock()
	s.Simulated = append(s.Simulated, req)
	s.mu.Unlock()

	if s.SimulateFunc != nil {
		return s.SimulateFunc(req)
	}
	return &provider.Report{}, nil
}

// Requests returns a copy of the recorded simulations.
func (s *Static) Requests() []provider.SimRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]provider.SimRequest, len(s.Simulated))
	copy(out, s.Simulated)
	return out
}

// Float returns a pointer to v, for building reports.
func Float(v float64) *float64 {
	return &v
}
