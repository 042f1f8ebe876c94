// Package nlp provides the per-message language layer of the ingestion
// pipeline: LLM-structured mention extraction and a local, lexicon-based
// emotion classifier.
//
// Extraction runs one structured model call per message; emotion
// classification is purely local so it can run for every message without
// model cost.
package nlp

import (
	"context"
	"fmt"
	"strings"

	"github.com/vestigelabs/vestige/internal/llmsvc"
)

// Mention is one entity surface form extracted from a message.
type Mention struct {
	// Name is the mention text as written by the user.
	Name string `json:"name"`

	// Type is the predicted semantic tag: "person", "place", "organization",
	// "concept", "event" or "object".
	Type string `json:"type"`

	// Topic is the predicted life-area topic ("Work", "Fitness", …).
	Topic string `json:"topic"`
}

const extractSystemPrompt = `You are a named-entity extractor for a personal memory system.
Given one diary-style message, list every entity the author mentions:
people (by name or stable role like "my roommate"), places, organizations,
recurring concepts, events and significant objects.

Rules:
- Use the surface form as written; do not invent canonical names.
- Skip the author themself ("I", "me", "my").
- Skip generic nouns that are not recurring entities.
- type is one of: person, place, organization, concept, event, object.
- topic is a short life-area label such as Work, Family, Fitness, Friends,
  Health, Hobbies; use "General" when unsure.`

// extractResponse is the JSON shape the structured model must return.
type extractResponse struct {
	Mentions []Mention `json:"mentions"`
}

// Pipeline performs mention extraction and emotion classification.
// It is safe for concurrent use.
type Pipeline struct {
	llm *llmsvc.Service
}

// New creates a [Pipeline] on top of the given LLM service.
func New(llm *llmsvc.Service) *Pipeline {
	return &Pipeline{llm: llm}
}

// ExtractMentions runs the NER prompt against one message and returns the
// extracted (name, type, topic) tuples. Mentions with empty names are
// dropped; empty types default to "concept" and empty topics to "General".
func (p *Pipeline) ExtractMentions(ctx context.Context, message string) ([]Mention, error) {
	var resp extractResponse
	prompt := fmt.Sprintf("Message:\n%s", message)
	if err := p.llm.CallStructured(ctx, extractSystemPrompt, prompt, &resp); err != nil {
		return nil, fmt.Errorf("nlp: extract mentions: %w", err)
	}

	out := resp.Mentions[:0]
	for _, m := range resp.Mentions {
		m.Name = strings.TrimSpace(m.Name)
		if m.Name == "" {
			continue
		}
		m.Type = strings.ToLower(strings.TrimSpace(m.Type))
		if m.Type == "" || m.Type == "null" {
			m.Type = "concept"
		}
		if strings.TrimSpace(m.Topic) == "" {
			m.Topic = "General"
		}
		out = append(out, m)
	}
	return out, nil
}

// DedupeMentions merges per-message mention lists into one batch-level list,
// keeping the first occurrence of each name (case-insensitive).
func DedupeMentions(perMessage [][]Mention) []Mention {
	seen := make(map[string]bool)
	var out []Mention
	for _, list := range perMessage {
		for _, m := range list {
			key := strings.ToLower(m.Name)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, m)
		}
	}
	return out
}
