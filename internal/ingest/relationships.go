package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vestigelabs/vestige/pkg/graph"
)

// Relationship kinds and the confidence assigned to each.
const (
	kindDirect      = "direct"
	kindAssociation = "association"
	kindContextual  = "contextual"
)

const relationshipReasoningPrompt = `You are extracting entity connections from a batch of personal messages.
For every message, list the pairs of resolved entities that the message itself
connects. A connection is "direct" when the message states an interaction,
"association" when the entities are linked but do not interact, "contextual"
when they merely co-occur. Use canonical names only. Write one line per pair:

MSG <id> | entity_a, entity_b | kind | reason

For messages with no connections write:

MSG <id> | NO CONNECTIONS

Never connect an entity to itself. Explain nothing else.`

const relationshipParsePrompt = `Parse the connection block into JSON of the form
{"messages":[{"message_id":1,"pairs":[{"a":"...","b":"...","kind":"direct|association|contextual"}]}]}.
Messages with NO CONNECTIONS get an empty pairs array. Preserve names exactly.`

type connectionPair struct {
	A    string `json:"a"`
	B    string `json:"b"`
	Kind string `json:"kind"`
}

type messageConnections struct {
	MessageID int64            `json:"message_id"`
	Pairs     []connectionPair `json:"pairs"`
}

// extractRelationships runs the two-phase relationship pass over a batch and
// returns the extracted edges keyed by the message id that evidences them.
func (p *Processor) extractRelationships(ctx context.Context, msgs []BufferedMessage, entities []graph.Entity) (map[int64][]graph.Relationship, error) {
	if len(entities) < 2 {
		return map[int64][]graph.Relationship{}, nil
	}

	reasoning, err := p.llm.CallReasoning(ctx, relationshipReasoningPrompt, relationshipInput(msgs, entities))
	if err != nil {
		return nil, fmt.Errorf("relationship reasoning: %w", err)
	}

	var parsed struct {
		Messages []messageConnections `json:"messages"`
	}
	if err := p.llm.CallStructured(ctx, relationshipParsePrompt, reasoning, &parsed); err != nil {
		return nil, fmt.Errorf("relationship parse: %w", err)
	}

	canon := canonicalIndex(entities)
	valid := make(map[int64]bool, len(msgs))
	for _, m := range msgs {
		valid[m.ID] = true
	}

	now := time.Now().UnixMilli()
	out := make(map[int64][]graph.Relationship)
	for _, mc := range parsed.Messages {
		if !valid[mc.MessageID] {
			continue
		}
		seen := make(map[string]bool)
		for _, pair := range mc.Pairs {
			a, aok := canon[strings.ToLower(strings.TrimSpace(pair.A))]
			b, bok := canon[strings.ToLower(strings.TrimSpace(pair.B))]
			if !aok || !bok || a == b {
				continue
			}
			if a > b {
				a, b = b, a
			}
			key := a + "\x00" + b
			if seen[key] {
				continue
			}
			seen[key] = true
			out[mc.MessageID] = append(out[mc.MessageID], graph.Relationship{
				EntityA:    a,
				EntityB:    b,
				Weight:     1,
				Confidence: kindConfidence(pair.Kind),
				MessageIDs: []int64{mc.MessageID},
				LastSeen:   now,
			})
		}
	}
	return out, nil
}

// canonicalIndex maps every alias and canonical form, lowercased, to the
// entity's canonical name, so the parse pass tolerates name drift.
func canonicalIndex(entities []graph.Entity) map[string]string {
	out := make(map[string]string)
	for _, e := range entities {
		out[strings.ToLower(e.CanonicalName)] = e.CanonicalName
		for _, a := range e.Aliases {
			key := strings.ToLower(a)
			if _, taken := out[key]; !taken {
				out[key] = e.CanonicalName
			}
		}
	}
	return out
}

func kindConfidence(kind string) float64 {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case kindDirect:
		return 0.9
	case kindAssociation:
		return 0.8
	default:
		return 0.7
	}
}

// relationshipInput renders the reasoning prompt's user content.
func relationshipInput(msgs []BufferedMessage, entities []graph.Entity) string {
	var b strings.Builder
	b.WriteString("Resolved entities:\n")
	for _, e := range entities {
		fmt.Fprintf(&b, "- %s (type=%s)\n", e.CanonicalName, e.Type)
	}
	b.WriteString("\nMessages:\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "MSG %d: %s\n", m.ID, m.Text)
	}
	return b.String()
}
