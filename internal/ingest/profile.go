package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/vestigelabs/vestige/pkg/graph"
	"github.com/vestigelabs/vestige/pkg/queue"
)

const profilePrompt = `You maintain biographical profiles for entities in a personal knowledge
graph. Rewrite the profile summary from the existing summary and the new
observations. Keep established facts unless contradicted, fold in what is new,
and stay under 150 words of plain prose. If the observations add nothing,
return the existing summary verbatim. Return only the summary text.`

// scheduleProfiles marks every batch entity dirty and spawns background
// profile refreshes for entities that are new or have accumulated enough
// unprofiled messages.
func (p *Processor) scheduleProfiles(entities []graph.Entity, maxMsgID int64) {
	ctx := context.Background()
	for _, e := range entities {
		if err := p.queue.AddDirtyEntity(ctx, e.ID); err != nil {
			slog.Warn("dirty-entity mark failed", "entity", e.CanonicalName, "error", err)
		}
	}

	for _, e := range entities {
		if e.ID == p.userEntityID {
			continue
		}
		prof, ok := p.resolver.ProfileByID(e.ID)
		fresh := ok && prof.Summary == "" && prof.LastProfiledMsgID == 0
		due := ok && maxMsgID-prof.LastProfiledMsgID >= p.cfg.ProfileInterval
		if !fresh && !due {
			continue
		}

		id := e.ID
		if err := p.profileSem.Acquire(ctx, 1); err != nil {
			return
		}
		p.profileWG.Add(1)
		p.cfg.Metrics.InFlightProfiles.Add(ctx, 1)
		go func() {
			defer p.profileWG.Done()
			defer p.profileSem.Release(1)
			defer p.cfg.Metrics.InFlightProfiles.Add(context.Background(), -1)
			if err := p.RefreshProfile(context.Background(), id, p.cfg.RecentWindow, maxMsgID); err != nil {
				slog.Warn("profile refresh failed", "entity_id", id, "error", err)
			}
		}()
	}
}

// RefreshProfile rebuilds one entity's summary from the recent message log.
// It rereads the trailing window, keeps only messages mentioning one of the
// entity's aliases, asks the reasoning model for an updated summary, and on
// change re-embeds it and publishes a profile record. The scheduler's
// refinement job shares this path.
func (p *Processor) RefreshProfile(ctx context.Context, entityID int64, window int, lastMsgID int64) error {
	prof, ok := p.resolver.ProfileByID(entityID)
	if !ok {
		return fmt.Errorf("ingest: refresh profile: unknown entity id %d", entityID)
	}

	recent, err := p.store.RecentMessages(ctx, window)
	if err != nil {
		return fmt.Errorf("ingest: refresh profile: load messages: %w", err)
	}

	matcher := aliasMatcher(prof.Aliases, prof.Canonical)
	var observations []graph.StoredMessage
	for _, m := range recent {
		if matcher.MatchString(m.Text) {
			observations = append(observations, m)
		}
	}
	if len(observations) == 0 && prof.Summary == "" {
		return nil
	}

	summary, err := p.llm.CallReasoning(ctx, profilePrompt, profileInput(prof.Canonical, prof.Aliases, prof.Summary, observations))
	if err != nil {
		return fmt.Errorf("ingest: refresh profile: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" || summary == prof.Summary {
		return nil
	}

	embedding, err := p.resolver.UpdateProfileSummary(ctx, entityID, summary)
	if err != nil {
		return fmt.Errorf("ingest: refresh profile: embed summary: %w", err)
	}

	record := graph.BatchRecord{
		MessageID: lastMsgID,
		Type:      graph.RecordProfileUpdate,
		Entities: []graph.Entity{{
			ID:                entityID,
			CanonicalName:     prof.Canonical,
			Type:              prof.Type,
			Topic:             prof.Topic,
			Aliases:           prof.Aliases,
			Summary:           summary,
			Embedding:         embedding,
			LastProfiledMsgID: lastMsgID,
			LastUpdated:       time.Now().UnixMilli(),
		}},
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("ingest: refresh profile: marshal record: %w", err)
	}
	if _, err := p.queue.Publish(ctx, queue.StreamProfile, payload); err != nil {
		return fmt.Errorf("ingest: refresh profile: publish: %w", err)
	}

	slog.Info("profile refreshed", "entity", prof.Canonical, "observations", len(observations))
	return nil
}

// aliasMatcher compiles a case-insensitive, word-bounded alternation over the
// entity's known surface forms.
func aliasMatcher(aliases []string, canonical string) *regexp.Regexp {
	forms := append([]string{canonical}, aliases...)
	parts := make([]string, 0, len(forms))
	seen := make(map[string]bool, len(forms))
	for _, f := range forms {
		f = strings.TrimSpace(f)
		if f == "" || seen[strings.ToLower(f)] {
			continue
		}
		seen[strings.ToLower(f)] = true
		parts = append(parts, regexp.QuoteMeta(f))
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(parts, "|") + `)\b`)
}

// profileInput renders the refresh prompt's user content with relative-time
// annotations on each observation.
func profileInput(canonical string, aliases []string, summary string, observations []graph.StoredMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Entity: %s\n", canonical)
	fmt.Fprintf(&b, "Also known as: %s\n", strings.Join(aliases, ", "))

	b.WriteString("\nExisting summary:\n")
	if summary == "" {
		b.WriteString("(none yet)\n")
	} else {
		b.WriteString(summary + "\n")
	}

	b.WriteString("\nObservations:\n")
	if len(observations) == 0 {
		b.WriteString("(no recent mentions)\n")
	}
	now := time.Now().UnixMilli()
	for _, m := range observations {
		fmt.Fprintf(&b, "[%s] %s\n", relativeAge(now-m.Timestamp), m.Text)
	}
	return b.String()
}

// relativeAge renders a millisecond age as coarse human-readable text.
func relativeAge(ageMs int64) string {
	age := time.Duration(ageMs) * time.Millisecond
	switch {
	case age < time.Minute:
		return "just now"
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(age.Hours()/24))
	}
}
