package agentloop

import (
	"context"
	"fmt"

	"github.com/vestigelabs/vestige/internal/resolver"
	"github.com/vestigelabs/vestige/pkg/graph"
	"github.com/vestigelabs/vestige/pkg/types"
)

// Tool argument defaults.
const (
	defaultSearchLimit   = 5
	defaultActivityHours = 24
	defaultPathDepth     = 4
)

// EntityHit is the trimmed search result returned by the search_entities tool.
type EntityHit struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Summary string `json:"summary"`
	Type    string `json:"type"`
}

// Tools is the retrieval surface the agent dispatches against. Entity-name
// arguments are resolved to canonical form before querying the store, so the
// agent may use any known alias.
type Tools struct {
	store    graph.Store
	resolver *resolver.Resolver
}

// NewTools creates a [Tools] surface.
func NewTools(store graph.Store, res *resolver.Resolver) *Tools {
	return &Tools{store: store, resolver: res}
}

// toolResult is one executed tool call's outcome.
type toolResult struct {
	// payload is the raw result, rendered into the next prompt.
	payload any

	// summary is a one-line account for the trace and the model.
	summary string

	// count is how many records the call produced.
	count int

	// resolvedArgs records canonicalized entity names, when any resolved.
	resolvedArgs map[string]string
}

// execute dispatches one validated tool call.
func (t *Tools) execute(ctx context.Context, name string, args map[string]any) (*toolResult, error) {
	switch name {
	case ToolSearchMessages:
		return t.searchMessages(ctx, args)
	case ToolSearchEntities:
		return t.searchEntities(ctx, args)
	case ToolGetProfile:
		return t.getProfile(ctx, args)
	case ToolGetConnections:
		return t.getConnections(ctx, args)
	case ToolGetActivity:
		return t.getActivity(ctx, args)
	case ToolFindPath:
		return t.findPath(ctx, args)
	default:
		return nil, fmt.Errorf("agentloop: unknown tool %q", name)
	}
}

func (t *Tools) searchMessages(ctx context.Context, args map[string]any) (*toolResult, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return nil, err
	}
	limit := intArg(args, "limit", defaultSearchLimit)

	hits, err := t.store.SearchMessages(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("agentloop: search messages: %w", err)
	}
	return &toolResult{
		payload: hits,
		summary: fmt.Sprintf("found %d messages matching %q", len(hits), query),
		count:   len(hits),
	}, nil
}

func (t *Tools) searchEntities(ctx context.Context, args map[string]any) (*toolResult, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return nil, err
	}

	entities, err := t.store.SearchEntity(ctx, query, defaultSearchLimit)
	if err != nil {
		return nil, fmt.Errorf("agentloop: search entities: %w", err)
	}
	hits := make([]EntityHit, 0, len(entities))
	for _, e := range entities {
		hits = append(hits, EntityHit{ID: e.ID, Name: e.CanonicalName, Summary: e.Summary, Type: e.Type})
	}
	return &toolResult{
		payload: hits,
		summary: fmt.Sprintf("found %d entities matching %q", len(hits), query),
		count:   len(hits),
	}, nil
}

func (t *Tools) getProfile(ctx context.Context, args map[string]any) (*toolResult, error) {
	canonical, resolved, err := t.resolveName(args, "entity_name")
	if err != nil {
		return nil, err
	}

	profile, err := t.store.GetEntityProfile(ctx, canonical)
	if err != nil {
		return nil, fmt.Errorf("agentloop: get profile: %w", err)
	}
	if profile == nil {
		return &toolResult{
			summary:      fmt.Sprintf("no profile for %q", canonical),
			resolvedArgs: resolved,
		}, nil
	}
	// Embeddings are internal; the model never needs them.
	trimmed := *profile
	trimmed.Embedding = nil
	return &toolResult{
		payload:      &trimmed,
		summary:      fmt.Sprintf("profile of %s (%s)", profile.CanonicalName, profile.Type),
		count:        1,
		resolvedArgs: resolved,
	}, nil
}

func (t *Tools) getConnections(ctx context.Context, args map[string]any) (*toolResult, error) {
	canonical, resolved, err := t.resolveName(args, "entity_name")
	if err != nil {
		return nil, err
	}
	activeOnly := boolArg(args, "active_only", true)

	related, err := t.store.GetRelatedEntities(ctx, []string{canonical}, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("agentloop: get connections: %w", err)
	}
	return &toolResult{
		payload:      related,
		summary:      fmt.Sprintf("%d connections of %s", len(related), canonical),
		count:        len(related),
		resolvedArgs: resolved,
	}, nil
}

func (t *Tools) getActivity(ctx context.Context, args map[string]any) (*toolResult, error) {
	canonical, resolved, err := t.resolveName(args, "entity_name")
	if err != nil {
		return nil, err
	}
	hours := intArg(args, "hours", defaultActivityHours)

	activity, err := t.store.GetRecentActivity(ctx, canonical, hours)
	if err != nil {
		return nil, fmt.Errorf("agentloop: get activity: %w", err)
	}
	return &toolResult{
		payload:      activity,
		summary:      fmt.Sprintf("%d activity entries for %s in the last %dh", len(activity), canonical, hours),
		count:        len(activity),
		resolvedArgs: resolved,
	}, nil
}

func (t *Tools) findPath(ctx context.Context, args map[string]any) (*toolResult, error) {
	a, resolvedA, err := t.resolveName(args, "entity_a")
	if err != nil {
		return nil, err
	}
	b, resolvedB, err := t.resolveName(args, "entity_b")
	if err != nil {
		return nil, err
	}
	resolved := resolvedA
	for k, v := range resolvedB {
		resolved[k] = v
	}

	path, err := t.store.FindPath(ctx, a, b, true, defaultPathDepth)
	if err != nil {
		return nil, fmt.Errorf("agentloop: find path: %w", err)
	}
	summary := fmt.Sprintf("path %s → %s: %d steps", a, b, len(path.Steps))
	if path.Hidden {
		summary = fmt.Sprintf("path %s → %s hidden behind archived topics", a, b)
	}
	return &toolResult{
		payload:      path,
		summary:      summary,
		count:        len(path.Steps),
		resolvedArgs: resolved,
	}, nil
}

// resolveName canonicalizes a name argument via the resolver. Unknown names
// pass through unchanged so the store can report its own miss.
func (t *Tools) resolveName(args map[string]any, key string) (string, map[string]string, error) {
	name, err := stringArg(args, key)
	if err != nil {
		return "", nil, err
	}
	if _, canonical, ok := t.resolver.Lookup(name); ok {
		return canonical, map[string]string{key: canonical}, nil
	}
	return name, map[string]string{key: name}, nil
}

// definitions is the closed tool schema offered to the agent model.
func definitions() []types.ToolDefinition {
	str := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	obj := func(props map[string]any, required ...string) map[string]any {
		return map[string]any{"type": "object", "properties": props, "required": required}
	}

	return []types.ToolDefinition{
		{
			Name:        ToolSearchMessages,
			Description: "Full-text search over the raw message log. Returns matching messages with surrounding context.",
			Parameters: obj(map[string]any{
				"query": str("Search terms."),
				"limit": map[string]any{"type": "integer", "description": "Maximum hits, default 5."},
			}, "query"),
		},
		{
			Name:        ToolSearchEntities,
			Description: "Search known entities by name or alias.",
			Parameters:  obj(map[string]any{"query": str("Entity name or fragment.")}, "query"),
		},
		{
			Name:        ToolGetProfile,
			Description: "Fetch the full profile of one entity: summary, type, topic, aliases.",
			Parameters:  obj(map[string]any{"entity_name": str("The entity's name; aliases are accepted.")}, "entity_name"),
		},
		{
			Name:        ToolGetConnections,
			Description: "List the entities directly connected to one entity, with evidence.",
			Parameters: obj(map[string]any{
				"entity_name": str("The entity's name; aliases are accepted."),
				"active_only": map[string]any{"type": "boolean", "description": "Exclude archived topics, default true."},
			}, "entity_name"),
		},
		{
			Name:        ToolGetActivity,
			Description: "List an entity's recently observed connections.",
			Parameters: obj(map[string]any{
				"entity_name": str("The entity's name; aliases are accepted."),
				"hours":       map[string]any{"type": "integer", "description": "Trailing window in hours, default 24."},
			}, "entity_name"),
		},
		{
			Name:        ToolFindPath,
			Description: "Find the shortest connection path between two entities.",
			Parameters: obj(map[string]any{
				"entity_a": str("First entity name."),
				"entity_b": str("Second entity name."),
			}, "entity_a", "entity_b"),
		},
		{
			Name:        ToolFinish,
			Description: "Answer the user's question using the evidence gathered so far. Terminal.",
			Parameters:  obj(map[string]any{"response": str("The final answer.")}, "response"),
		},
		{
			Name:        ToolRequestClarification,
			Description: "Ask the user a clarifying question when the query cannot be answered. Terminal.",
			Parameters:  obj(map[string]any{"question": str("The clarifying question.")}, "question"),
		},
	}
}

// ───── argument helpers ─────

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("agentloop: missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("agentloop: argument %q must be a non-empty string", key)
	}
	return s, nil
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return def
}

func boolArg(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}
