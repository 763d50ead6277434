// Package linkage links the values of a table column to entities in external
// knowledge bases.
//
// A submitted column moves through a fixed sequence of agents driven by a
// [Supervisor]: column analysis infers the semantic type of the column,
// planning picks the knowledge bases to ask, candidate retrieval pools
// candidates per distinct value, and disambiguation scores them and selects
// one. A quality gate decides whether the result is good enough or whether
// the weak mentions are retried.
//
// # Core Types
//
//   - [LinkingRequest] - A column submitted for linking
//   - [LinkingResult] - The externally visible state of a request
//   - [MentionResult] - The outcome for one distinct value
//   - [AgentEvent] - One entry of a request's execution timeline
//
// # Using the Linker
//
//	cfg, err := linkage.LoadConfig("linkage.yaml", ".env")
//	reasoner, err := linkage.NewReasonerFromConfig(ctx, cfg.Reasoning)
//
//	linker, err := linkage.New(cfg, reasoner)
//	defer linker.Close()
//
//	id, err := linker.Submit(ctx, linkage.LinkingRequest{
//	    ColumnName:   "city",
//	    ColumnValues: []string{"Paris", "Berlin", "Paris"},
//	})
//	result, err := linker.Wait(ctx, id)
//
// Submit returns immediately. Use [Linker.GetResult] to poll,
// [Linker.GetTimeline] for the per-agent events and [Linker.GetStats] for
// aggregates across requests.
//
// # Knowledge Bases
//
// Each configured knowledge base becomes a [Gateway]:
//
//   - lamapi - LamAPI entity lookup
//   - geonames - GeoNames search
//   - sparql, wikidata, dbpedia - label lookups over a SPARQL endpoint
//   - alligator - asynchronous annotation with a dataset upload and polling
//
// Gateways are tried in ascending priority. A failing or empty gateway falls
// through to the next one. Answers are cached per gateway, mention and column
// type.
//
// # Reasoning
//
// Column typing and candidate scoring go through a [Reasoner]. The default
// [SynapseReasoner] uses zyn synapses over a [Provider], resolved in order:
//
//  1. Explicit parameter (.WithProvider(p))
//  2. Context value (linkage.WithProvider(ctx, p))
//  3. Global default (linkage.SetProvider(p))
//
// When the reasoner fails, column analysis degrades to UNKNOWN and scoring
// falls back to the best retrieval score at a low fixed confidence.
//
// # Persistence
//
// [SoyArchive] stores finished results and timelines in PostgreSQL through
// soy. Pass it with [WithArchive]; it then also serves lookups for pruned
// requests.
//
// # Observability
//
// Linkage emits capitan signals for request, stage, gateway, cache and
// quality gate events. [LogSignals] bridges them into a slog logger.
package linkage
