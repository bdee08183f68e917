package backend

import (
	"context"
	"fmt"
	"sync"

	"ccmlink/tags"
)

// Contract names the backend API revision used to read tags.
type Contract string

const (
	// ContractPerPanel issues one request per panel.
	ContractPerPanel Contract = "per_panel"
	// ContractUnified issues a single request for all panels.
	ContractUnified Contract = "unified"
)

// PanelResult is the outcome of fetching one panel.
type PanelResult struct {
	Set tags.RawSet
	Err error
}

// PanelResults maps panel id to its fetch outcome.
type PanelResults map[string]PanelResult

// Failed returns the ids of panels whose fetch failed, in the given order.
func (r PanelResults) Failed(order []string) []string {
	var out []string
	for _, id := range order {
		if res, ok := r[id]; ok && res.Err != nil {
			out = append(out, id)
		}
	}
	return out
}

// TagSource fetches the tag sets of a list of panels. A failure on one panel
// never prevents the others from being returned.
type TagSource interface {
	Fetch(ctx context.Context, panels []string) PanelResults
}

// NewTagSource returns the source implementing the given contract.
func NewTagSource(c *Client, contract Contract) (TagSource, error) {
	switch contract {
	case "", ContractPerPanel:
		return &PerPanelSource{Client: c}, nil
	case ContractUnified:
		return &UnifiedSource{Client: c}, nil
	default:
		return nil, fmt.Errorf("unknown backend contract %q", contract)
	}
}

// PerPanelSource fans out one request per panel and joins the results.
type PerPanelSource struct {
	Client *Client
}

func (s *PerPanelSource) Fetch(ctx context.Context, panels []string) PanelResults {
	results := make(PanelResults, len(panels))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range panels {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			set, err := s.Client.FetchPanelTags(ctx, id)
			mu.Lock()
			results[id] = PanelResult{Set: set, Err: err}
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return results
}

// UnifiedSource reads all panels with one request. A panel missing from the
// response, or whose entry is malformed, is reported as failed on its own.
type UnifiedSource struct {
	Client *Client
}

func (s *UnifiedSource) Fetch(ctx context.Context, panels []string) PanelResults {
	results := make(PanelResults, len(panels))
	all, err := s.Client.FetchAllPanelsTags(ctx)
	for _, id := range panels {
		if err != nil {
			results[id] = PanelResult{Err: err}
			continue
		}
		res, ok := all[id]
		if !ok {
			res = PanelResult{Err: fmt.Errorf("panel %s missing from all-panels response", id)}
		}
		results[id] = res
	}
	return results
}
