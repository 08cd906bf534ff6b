package calc

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrInvalidModelID indicates that a model identifier is empty.
	ErrInvalidModelID = errors.New("calc: invalid model id")
	// ErrInvalidElementID indicates that an element identifier is empty.
	ErrInvalidElementID = errors.New("calc: invalid element id")
)

// Impact summarizes the downstream effect of changing one model element.
type Impact struct {
	ElementID     string
	AffectedCount int
	Severity      string
}

const (
	severityLow    = "low"
	severityMedium = "medium"
	severityHigh   = "high"

	mediumImpactThreshold = 5
	highImpactThreshold   = 20
)

// ImpactAnalyzer reports which cells a change to an element reaches. The
// financial recalculation itself happens elsewhere; only the dependency
// closure is computed here.
type ImpactAnalyzer interface {
	AffectedCells(modelID, elementID string) ([]string, Impact, error)
}

// DependencyGraph tracks declared dependency edges between model elements
// and answers affected-cell queries by walking the reverse closure.
type DependencyGraph struct {
	mu sync.RWMutex
	// dependents[modelID][elementID] holds the cells that read elementID.
	dependents map[string]map[string]map[string]struct{}
}

// NewDependencyGraph constructs an empty dependency graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		dependents: make(map[string]map[string]map[string]struct{}),
	}
}

// RegisterDependencies records that cellID reads each element in dependencies.
func (g *DependencyGraph) RegisterDependencies(modelID, cellID string, dependencies []string) error {
	if strings.TrimSpace(modelID) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidModelID)
	}
	if strings.TrimSpace(cellID) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidElementID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	model := g.dependents[modelID]
	if model == nil {
		model = make(map[string]map[string]struct{})
		g.dependents[modelID] = model
	}
	for _, dependency := range dependencies {
		trimmed := strings.TrimSpace(dependency)
		if trimmed == "" {
			continue
		}
		if model[trimmed] == nil {
			model[trimmed] = make(map[string]struct{})
		}
		model[trimmed][cellID] = struct{}{}
	}
	return nil
}

// AffectedCells walks the dependent closure of elementID and returns the
// affected cell identifiers in sorted order alongside impact metadata.
func (g *DependencyGraph) AffectedCells(modelID, elementID string) ([]string, Impact, error) {
	if strings.TrimSpace(modelID) == "" {
		return nil, Impact{}, fmt.Errorf("%w: empty", ErrInvalidModelID)
	}
	if strings.TrimSpace(elementID) == "" {
		return nil, Impact{}, fmt.Errorf("%w: empty", ErrInvalidElementID)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	model := g.dependents[modelID]
	visited := make(map[string]struct{})
	frontier := []string{elementID}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for dependent := range model[current] {
			if _, seen := visited[dependent]; seen {
				continue
			}
			visited[dependent] = struct{}{}
			frontier = append(frontier, dependent)
		}
	}

	affected := make([]string, 0, len(visited))
	for cellID := range visited {
		affected = append(affected, cellID)
	}
	sort.Strings(affected)

	impact := Impact{
		ElementID:     elementID,
		AffectedCount: len(affected),
		Severity:      severityForCount(len(affected)),
	}
	return affected, impact, nil
}

func severityForCount(count int) string {
	switch {
	case count >= highImpactThreshold:
		return severityHigh
	case count >= mediumImpactThreshold:
		return severityMedium
	default:
		return severityLow
	}
}
