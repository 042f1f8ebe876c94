package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vestigelabs/vestige/internal/nlp"
	"github.com/vestigelabs/vestige/internal/resolver"
	"github.com/vestigelabs/vestige/pkg/graph"
)

// Verdicts emitted by the disambiguation pass.
const (
	verdictExisting  = "EXISTING"
	verdictNewGroup  = "NEW_GROUP"
	verdictNewSingle = "NEW_SINGLE"
)

// resolutionEntry is one parsed disambiguation verdict.
type resolutionEntry struct {
	// Verdict is EXISTING, NEW_GROUP or NEW_SINGLE.
	Verdict string `json:"verdict"`

	// Canonical is the existing entity's canonical name (EXISTING only).
	Canonical string `json:"canonical"`

	// Mentions is the group of surface forms this verdict covers.
	Mentions []string `json:"mentions"`
}

const disambiguateReasoningPrompt = `You are resolving entity mentions against a personal knowledge graph.
For each mention decide whether it refers to one of the known entities, forms
a group with other mentions referring to one new entity, or stands alone as a
new entity. Write one verdict line per decision, in exactly these forms:

EXISTING | canonical_name | mention1, mention2
NEW_GROUP | mention1, mention2
NEW_SINGLE | mention

Every mention must appear in exactly one line. Explain nothing else.`

const disambiguateParsePrompt = `Parse the resolution block into JSON of the form
{"entries":[{"verdict":"EXISTING|NEW_GROUP|NEW_SINGLE","canonical":"...","mentions":["..."]}]}.
canonical is only set for EXISTING verdicts. Preserve mention spelling exactly.`

// lookupKnown matches each mention against the resolver (exact, then fuzzy)
// and returns the distinct profiles found.
func (p *Processor) lookupKnown(mentions []nlp.Mention) []resolver.Profile {
	seen := make(map[int64]bool)
	var out []resolver.Profile
	for _, m := range mentions {
		id, _, ok := p.resolver.Lookup(m.Name)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		if prof, ok := p.resolver.ProfileByID(id); ok {
			out = append(out, prof)
		}
	}
	return out
}

// disambiguate runs the two-phase resolution pass and applies its verdicts,
// returning the batch's full entity list with the user entity appended.
func (p *Processor) disambiguate(ctx context.Context, msgs []BufferedMessage, mentions []nlp.Mention, known []resolver.Profile) ([]graph.Entity, error) {
	reasoning, err := p.llm.CallReasoning(ctx, disambiguateReasoningPrompt, disambiguateInput(msgs, mentions, known))
	if err != nil {
		return nil, fmt.Errorf("disambiguation reasoning: %w", err)
	}

	var parsed struct {
		Entries []resolutionEntry `json:"entries"`
	}
	if err := p.llm.CallStructured(ctx, disambiguateParsePrompt, reasoning, &parsed); err != nil {
		return nil, fmt.Errorf("disambiguation parse: %w", err)
	}

	byName := mentionIndex(mentions)
	maxID := maxMessageID(msgs)
	covered := make(map[string]bool)
	var entities []graph.Entity

	for _, entry := range parsed.Entries {
		ms := trimAll(entry.Mentions)
		for _, m := range ms {
			covered[strings.ToLower(m)] = true
		}

		switch strings.ToUpper(strings.TrimSpace(entry.Verdict)) {
		case verdictExisting:
			ent, ok := p.applyExisting(entry.Canonical, ms, byName, maxID)
			if !ok {
				// Canonical unknown: demote the whole group to new.
				ent, err = p.applyNew(ctx, ms, byName, maxID)
				if err != nil {
					return nil, err
				}
			}
			entities = append(entities, ent)

		case verdictNewGroup, verdictNewSingle:
			ent, err := p.applyNew(ctx, ms, byName, maxID)
			if err != nil {
				return nil, err
			}
			entities = append(entities, ent)

		default:
			slog.Warn("unknown disambiguation verdict", "verdict", entry.Verdict)
		}
	}

	// Safety net: any mention the model failed to cover becomes its own
	// new entity rather than silently vanishing.
	for _, m := range mentions {
		if covered[strings.ToLower(m.Name)] {
			continue
		}
		ent, err := p.applyNew(ctx, []string{m.Name}, byName, maxID)
		if err != nil {
			return nil, err
		}
		entities = append(entities, ent)
	}

	entities = append(entities, p.userEntity(maxID))
	return entities, nil
}

// applyExisting validates an EXISTING verdict against the resolver. ok is
// false when the canonical is unknown and the caller must demote to new.
func (p *Processor) applyExisting(canonical string, ms []string, byName map[string]nlp.Mention, maxID int64) (graph.Entity, bool) {
	id, added, ok := p.resolver.ValidateExisting(canonical, ms)
	if !ok {
		slog.Warn("model named unknown canonical, demoting to new", "canonical", canonical)
		return graph.Entity{}, false
	}
	prof, _ := p.resolver.ProfileByID(id)
	if added {
		slog.Debug("aliases extended", "entity", prof.Canonical, "mentions", ms)
	}
	return graph.Entity{
		ID:            id,
		CanonicalName: prof.Canonical,
		Type:          typeFor(prof.Type, ms, byName),
		Topic:         topicFor(prof.Topic, ms, byName),
		Aliases:       prof.Aliases,
		Summary:       prof.Summary,
		Confidence:    0.9,
		LastMentioned: maxID,
		LastUpdated:   time.Now().UnixMilli(),
	}, true
}

// applyNew allocates a fresh id for a NEW_* verdict and registers the entity.
// For groups, the canonical form is the longest mention.
func (p *Processor) applyNew(ctx context.Context, ms []string, byName map[string]nlp.Mention, maxID int64) (graph.Entity, error) {
	if len(ms) == 0 {
		return graph.Entity{}, fmt.Errorf("empty mention group in verdict")
	}
	canonical := longestMention(ms)

	id, err := p.store.NextEntityID(ctx)
	if err != nil {
		return graph.Entity{}, fmt.Errorf("allocate entity id: %w", err)
	}

	ent := graph.Entity{
		ID:            id,
		CanonicalName: canonical,
		Type:          typeFor("", ms, byName),
		Topic:         topicFor("", ms, byName),
		Aliases:       ms,
		Confidence:    0.8,
		LastMentioned: maxID,
		LastUpdated:   time.Now().UnixMilli(),
	}
	p.resolver.RegisterEntity(ent)
	return ent, nil
}

// userEntity returns the user's own entity record for inclusion in the batch.
func (p *Processor) userEntity(maxID int64) graph.Entity {
	if prof, ok := p.resolver.ProfileByID(p.userEntityID); ok {
		return graph.Entity{
			ID:            prof.ID,
			CanonicalName: prof.Canonical,
			Type:          prof.Type,
			Topic:         prof.Topic,
			Aliases:       prof.Aliases,
			Summary:       prof.Summary,
			Confidence:    1.0,
			LastMentioned: maxID,
			LastUpdated:   time.Now().UnixMilli(),
		}
	}
	return graph.Entity{
		ID:            p.userEntityID,
		CanonicalName: p.userName,
		Type:          "person",
		Aliases:       []string{p.userName},
		Confidence:    1.0,
		LastMentioned: maxID,
		LastUpdated:   time.Now().UnixMilli(),
	}
}

// disambiguateInput renders the reasoning prompt's user content.
func disambiguateInput(msgs []BufferedMessage, mentions []nlp.Mention, known []resolver.Profile) string {
	var b strings.Builder

	b.WriteString("Mentions:\n")
	for _, m := range mentions {
		fmt.Fprintf(&b, "- %s (type=%s, topic=%s)\n", m.Name, m.Type, m.Topic)
	}

	b.WriteString("\nKnown entities:\n")
	if len(known) == 0 {
		b.WriteString("(none)\n")
	}
	for _, k := range known {
		fmt.Fprintf(&b, "- %s (type=%s, aliases=%s)\n", k.Canonical, k.Type, strings.Join(k.Aliases, ", "))
	}

	b.WriteString("\nMessages:\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "MSG %d: %s\n", m.ID, m.Text)
	}
	return b.String()
}

// mentionIndex keys mentions by lowercased name.
func mentionIndex(mentions []nlp.Mention) map[string]nlp.Mention {
	out := make(map[string]nlp.Mention, len(mentions))
	for _, m := range mentions {
		out[strings.ToLower(m.Name)] = m
	}
	return out
}

// typeFor picks the entity type: the existing profile's when set, otherwise
// the first mention that predicted one, otherwise "concept".
func typeFor(existing string, ms []string, byName map[string]nlp.Mention) string {
	if existing != "" {
		return existing
	}
	for _, m := range ms {
		if mm, ok := byName[strings.ToLower(m)]; ok && mm.Type != "" {
			return mm.Type
		}
	}
	return "concept"
}

// topicFor picks the topic analogously to typeFor.
func topicFor(existing string, ms []string, byName map[string]nlp.Mention) string {
	if existing != "" {
		return existing
	}
	for _, m := range ms {
		if mm, ok := byName[strings.ToLower(m)]; ok && mm.Topic != "" {
			return mm.Topic
		}
	}
	return graph.DefaultTopic
}

// longestMention returns the longest mention; ties resolve to the earliest.
func longestMention(ms []string) string {
	best := ms[0]
	for _, m := range ms[1:] {
		if len(m) > len(best) {
			best = m
		}
	}
	return best
}

func trimAll(ms []string) []string {
	out := ms[:0]
	for _, m := range ms {
		if t := strings.TrimSpace(m); t != "" {
			out = append(out, t)
		}
	}
	return out
}
