package cascade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ashita-ai/ragcascade/internal/model"
)

// memStore is an in-memory Reader and Writer for orchestrator tests.
type memStore struct {
	mu       sync.Mutex
	nodes    map[string]model.Node
	formulas map[string]model.FormulaConfig
	data     map[string]model.IndicatorData
	current  map[string]model.NodeValue
	history  map[string][]model.NodeValue
	runs     []model.CascadeRun

	// hooks
	indicatorHook func(ctx context.Context, id string) error
	hierarchyErr  error
	commitErr     error
}

func newMemStore(nodes ...model.Node) *memStore {
	s := &memStore{
		nodes:    make(map[string]model.Node),
		formulas: make(map[string]model.FormulaConfig),
		data:     make(map[string]model.IndicatorData),
		current:  make(map[string]model.NodeValue),
		history:  make(map[string][]model.NodeValue),
	}
	for _, n := range nodes {
		s.nodes[n.ID] = n
	}
	return s
}

func (s *memStore) Hierarchy(_ context.Context, rootID string) ([]model.Node, error) {
	if s.hierarchyErr != nil {
		return nil, s.hierarchyErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[rootID]; !ok {
		return nil, fmt.Errorf("node %q: %w", rootID, model.ErrNotFound)
	}
	var out []model.Node
	seen := make(map[string]bool)
	queue := []string{rootID}
	for len(queue) > 0 {
		n, ok := s.nodes[queue[0]]
		queue = queue[1:]
		if !ok || seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		out = append(out, n)
		queue = append(queue, n.Children...)
	}
	return out, nil
}

func (s *memStore) RootOf(_ context.Context, nodeID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return "", fmt.Errorf("node %q: %w", nodeID, model.ErrNotFound)
	}
	for n.ParentID != "" {
		n = s.nodes[n.ParentID]
	}
	return n.ID, nil
}

func (s *memStore) ActiveFormulas(_ context.Context, nodeIDs []string) (map[string]model.FormulaConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]model.FormulaConfig)
	for _, id := range nodeIDs {
		if cfg, ok := s.formulas[id]; ok {
			out[id] = cfg
		}
	}
	return out, nil
}

func (s *memStore) IndicatorData(ctx context.Context, indicatorID, period string) (model.IndicatorData, error) {
	if s.indicatorHook != nil {
		if err := s.indicatorHook(ctx, indicatorID); err != nil {
			return model.IndicatorData{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.data[indicatorID]
	var out model.IndicatorData
	out.Bands = d.Bands
	for _, l := range d.Links {
		if l.Period == period {
			out.Links = append(out.Links, l)
		}
	}
	for _, sc := range d.Scores {
		if sc.Period == period {
			out.Scores = append(out.Scores, sc)
		}
	}
	return out, nil
}

func (s *memStore) CurrentValues(_ context.Context, nodeIDs []string, period string) (map[string]model.NodeValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]model.NodeValue)
	for _, id := range nodeIDs {
		if nv, ok := s.current[id+"|"+period]; ok {
			out[id] = nv
		}
	}
	return out, nil
}

func (s *memStore) CommitRun(_ context.Context, run model.CascadeRun, values []model.NodeValue) error {
	if s.commitErr != nil {
		return s.commitErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, nv := range values {
		key := nv.NodeID + "|" + nv.Period
		if prev, ok := s.current[key]; ok {
			id := prev.ID
			nv.SupersedesID = &id
		}
		s.current[key] = nv
		s.history[key] = append(s.history[key], nv)
	}
	s.runs = append(s.runs, run)
	return nil
}

func (s *memStore) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// setIndicator configures an indicator with the standard bands and one linked
// feature per customer, each customer scoring the given band.
func (s *memStore) setIndicator(id string, customerBands map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := model.IndicatorData{Bands: []model.BandDefinition{
		{IndicatorID: id, Label: "high", Weight: 0.9, SortOrder: 1},
		{IndicatorID: id, Label: "good", Weight: 0.8, SortOrder: 2},
		{IndicatorID: id, Label: "fair", Weight: 0.6, SortOrder: 3},
		{IndicatorID: id, Label: "low", Weight: 0.4, SortOrder: 4},
	}}
	for cust, band := range customerBands {
		d.Links = append(d.Links, model.IndicatorLink{IndicatorID: id, CustomerID: cust, FeatureID: "feat", Period: testPeriod})
		if band != "" {
			d.Scores = append(d.Scores, model.RawScore{
				IndicatorID: id, CustomerID: cust, FeatureID: "feat", Period: testPeriod,
				BandLabel: band, SubmittedAt: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
			})
		}
	}
	s.data[id] = d
}
