package matching

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dvrpc/regional-transit-screening-platform/internal/config"
	"github.com/dvrpc/regional-transit-screening-platform/internal/models"
	"github.com/dvrpc/regional-transit-screening-platform/internal/spatial"
	"github.com/dvrpc/regional-transit-screening-platform/internal/store"
)

var (
	// ErrNoSources is returned when the source table holds no usable geometry
	ErrNoSources = errors.New("no usable source segments")
	// ErrSourceNotFound is returned by Explain for an unknown uid
	ErrSourceNotFound = errors.New("source segment not found")
)

// Request names the tables of one matching run
type Request struct {
	SourceTable   string
	EdgeTable     string
	MatchTable    string
	CompareAngles bool
}

// Result summarizes a matching run
type Result struct {
	Sources    int `json:"sources"`
	Rejected   int `json:"rejected"`
	Candidates int `json:"candidates"`
	Pairs      int `json:"pairs"`
	Unmatched  int `json:"unmatched"`
}

// Matcher links source segments to the network edges they run along
type Matcher struct {
	store   store.GeometryStore
	cfg     config.MatchingConfig
	workers int
	log     *logrus.Entry
}

// NewMatcher creates a matcher. workers bounds the number of source rows evaluated concurrently.
func NewMatcher(s store.GeometryStore, cfg config.MatchingConfig, workers int, log *logrus.Entry) *Matcher {
	if workers < 1 {
		workers = 1
	}
	return &Matcher{store: s, cfg: cfg, workers: workers, log: log}
}

// Evaluate returns the metrics and test outcomes for a single pair
func (m *Matcher) Evaluate(src models.SourceSegment, edge models.NetworkEdge) Candidate {
	return evaluate(m.cfg, src, edge)
}

// Match evaluates every source row against nearby edges and replaces the match table
// with the confirmed pairs, sorted by source id then edge id.
func (m *Matcher) Match(ctx context.Context, req Request) (*Result, error) {
	if err := store.ValidateIdentifiers(req.SourceTable, req.EdgeTable, req.MatchTable); err != nil {
		return nil, err
	}
	log := m.log.WithFields(logrus.Fields{"source": req.SourceTable, "edges": req.EdgeTable})
	log.WithField("compare_angles", req.CompareAngles).Info("Starting match")

	sources, err := m.store.Sources(ctx, store.SourceQuery{Table: req.SourceTable})
	if err != nil {
		return nil, fmt.Errorf("failed to load sources: %w", err)
	}

	result := &Result{Sources: len(sources)}
	usable := make([]models.SourceSegment, 0, len(sources))
	for _, src := range sources {
		if !spatial.IsUsable(src.Geom) {
			result.Rejected++
			log.WithField("uid", src.UID).Warn("Rejected source with empty or degenerate geometry")
			continue
		}
		usable = append(usable, src)
	}
	if len(usable) == 0 && len(sources) > 0 {
		return result, fmt.Errorf("%w in %s", ErrNoSources, req.SourceTable)
	}

	// one slot per source row; workers never share a slot
	slots := make([][]models.MatchPair, len(usable))
	candidates := make([]int, len(usable))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for i := range usable {
		g.Go(func() error {
			src := usable[i]
			edges, err := m.store.CandidateEdges(gctx, req.EdgeTable, spatial.PaddedBound(src.Geom, m.cfg.BufferRadius))
			if err != nil {
				return fmt.Errorf("failed to query candidates for %s: %w", src.UID, err)
			}
			for _, edge := range edges {
				c := evaluate(m.cfg, src, edge)
				if !c.Intersects {
					continue
				}
				candidates[i]++
				if c.Confirmed(req.CompareAngles) {
					slots[i] = append(slots[i], models.MatchPair{SourceID: src.UID, EdgeID: edge.OsmUUID})
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var pairs []models.MatchPair
	for i, slot := range slots {
		result.Candidates += candidates[i]
		if len(slot) == 0 {
			result.Unmatched++
		}
		pairs = append(pairs, slot...)
	}
	slices.SortFunc(pairs, comparePairs)
	pairs = slices.Compact(pairs)
	result.Pairs = len(pairs)

	if err := m.store.ReplaceMatches(ctx, req.MatchTable, slices.Values(pairs)); err != nil {
		return nil, fmt.Errorf("failed to write matches: %w", err)
	}

	log.WithFields(logrus.Fields{
		"sources":    result.Sources,
		"rejected":   result.Rejected,
		"candidates": result.Candidates,
		"pairs":      result.Pairs,
		"unmatched":  result.Unmatched,
	}).Info("Match completed")
	return result, nil
}

func comparePairs(a, b models.MatchPair) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	default:
		return 0
	}
}

// Explain evaluates one source row against every nearby edge, confirmed or not
func (m *Matcher) Explain(ctx context.Context, req Request, uid string) ([]Candidate, error) {
	sources, err := m.store.Sources(ctx, store.SourceQuery{Table: req.SourceTable, UIDs: []string{uid}})
	if err != nil {
		return nil, fmt.Errorf("failed to load source %s: %w", uid, err)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrSourceNotFound, uid, req.SourceTable)
	}

	var out []Candidate
	for _, src := range sources {
		edges, err := m.store.CandidateEdges(ctx, req.EdgeTable, spatial.PaddedBound(src.Geom, m.cfg.BufferRadius))
		if err != nil {
			return nil, fmt.Errorf("failed to query candidates for %s: %w", uid, err)
		}
		for _, edge := range edges {
			out = append(out, evaluate(m.cfg, src, edge))
		}
	}
	return out, nil
}
