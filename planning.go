package linkage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zoobzio/pipz"
)

// Planning chooses the gateways each mention will be tried against.
type Planning struct {
	identity     pipz.Identity
	registry     *Registry
	workers      int
	probe        bool
	probeTimeout time.Duration
}

// NewPlanning creates the planning stage. With probe set, gateways that fail
// a health probe are left out of this request's plan only.
func NewPlanning(registry *Registry, workers int, probe bool, probeTimeout time.Duration) *Planning {
	return &Planning{
		identity:     pipz.NewIdentity(AgentPlanning, "Builds the ordered retrieval plan"),
		registry:     registry,
		workers:      workers,
		probe:        probe,
		probeTimeout: probeTimeout,
	}
}

// Process implements pipz.Chainable[*Run].
func (p *Planning) Process(ctx context.Context, run *Run) (*Run, error) {
	resolved := p.registry.Resolve(run.ColumnType, run.Request.SelectedKnowledgeBases)

	plan := Plan{Workers: p.workers}
	for _, g := range resolved {
		if p.probe && !p.registry.Probe(ctx, g, p.probeTimeout) {
			run.addError(KindGatewayUnavailable, AgentPlanning, fmt.Sprintf("%s: failed health probe, skipped", g.Name()), g.Name(), "")
			continue
		}
		plan.Gateways = append(plan.Gateways, g)
	}
	run.Plan = plan

	if len(plan.Gateways) == 0 {
		run.setNote(fmt.Sprintf("no gateway for %s; %d mentions left unresolved", run.ColumnType, len(run.Pending)))
	} else {
		run.setNote(fmt.Sprintf("gateways=%s mentions=%d", strings.Join(plan.Names(), ","), len(run.Pending)))
	}
	return run, nil
}

// Identity implements pipz.Chainable[*Run].
func (p *Planning) Identity() pipz.Identity {
	return p.identity
}

// Schema implements pipz.Chainable[*Run].
func (p *Planning) Schema() pipz.Node {
	return pipz.Node{Identity: p.identity, Type: "planning"}
}

// Close implements pipz.Chainable[*Run].
func (p *Planning) Close() error {
	return nil
}

var _ pipz.Chainable[*Run] = (*Planning)(nil)
