package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"plantly.app/plantly-server/internal/config"
	"plantly.app/plantly-server/internal/llm"
	"plantly.app/plantly-server/internal/logging"
	"plantly.app/plantly-server/internal/metrics"
	"plantly.app/plantly-server/internal/store"
)

const (
	summarizerPrompt = "Aşağıdaki sohbet dökümünden KISA bir özet çıkar ve kalıcı, değişmesi zor 'sabit gerçekleri' listele. " +
		"Sadece JSON döndür:\n" +
		"{ \"summary\": \"1-2 cümle\", \"facts\": [\"...\", \"...\"] }"

	summarizerTemperature = 0.2
	summarizerWindow      = 12
)

var errNoMemoryFields = errors.New("summary response has neither summary nor facts")

// MemorySummarizer periodically compresses a thread into a running summary
// and a bounded list of stable facts.
type MemorySummarizer struct {
	store store.Store
	llm   llm.Client
	cfg   config.ChatConfig
	now   func() time.Time
}

func NewMemorySummarizer(db store.Store, client llm.Client, cfg config.ChatConfig) *MemorySummarizer {
	return &MemorySummarizer{store: db, llm: client, cfg: cfg, now: time.Now}
}

// MaybeSummarize runs Summarize over the last HistoryK messages when memory
// is enabled and the thread's total message count hits the refresh cadence.
func (m *MemorySummarizer) MaybeSummarize(ctx context.Context, userID, threadID string) {
	if !m.cfg.MemoryEnabled {
		return
	}
	l := logging.Ctx(ctx)
	total, err := m.store.CountMessages(ctx, threadID, "")
	if err != nil {
		l.Warn().Err(err).Str(logging.FieldThreadID, threadID).Msg("memory: failed to count messages")
		return
	}
	every := m.cfg.MemoryRefreshEvery
	if every <= 0 {
		every = 1
	}
	if total == 0 || total%every != 0 {
		return
	}
	recent, err := m.store.LastMessages(ctx, threadID, m.cfg.HistoryK)
	if err != nil {
		l.Warn().Err(err).Str(logging.FieldThreadID, threadID).Msg("memory: failed to fetch recent messages")
		return
	}
	m.Summarize(ctx, userID, threadID, recent)
}

// Summarize never fails: on any error the previous memory is saved back with
// only the message counter advanced.
func (m *MemorySummarizer) Summarize(ctx context.Context, userID, threadID string, recent []store.Message) {
	l := logging.Ctx(ctx)

	prev, err := m.store.GetMemory(ctx, userID, threadID)
	if err != nil {
		l.Warn().Err(err).Str(logging.FieldThreadID, threadID).Msg("memory: failed to load previous memory")
		return
	}

	next, err := m.compress(ctx, prev, recent)
	outcome := "ok"
	if err != nil {
		outcome = "fallback"
		l.Debug().Err(err).Str(logging.FieldThreadID, threadID).Msg("memory: summarization failed, keeping previous memory")
		next = prev
	} else {
		now := m.now().UTC()
		next.UpdatedAt = &now
	}
	next.MsgCount = prev.MsgCount + 1
	metrics.MemorySummaries.WithLabelValues(outcome).Inc()

	if err := m.store.SaveMemory(ctx, userID, threadID, next); err != nil {
		l.Warn().Err(err).Str(logging.FieldThreadID, threadID).Msg("memory: failed to save memory")
	}
}

func (m *MemorySummarizer) compress(ctx context.Context, prev store.Memory, recent []store.Message) (store.Memory, error) {
	raw, err := m.llm.Complete(ctx, llm.Request{
		Messages:    summaryPrompt(prev, recent),
		Temperature: summarizerTemperature,
		JSON:        true,
	})
	if err != nil {
		return store.Memory{}, fmt.Errorf("summary request failed: %w", err)
	}

	body := llm.ExtractJSONObject(raw)
	if body == "" {
		return store.Memory{}, fmt.Errorf("summary response is not a JSON object")
	}
	var out struct {
		Summary *string  `json:"summary"`
		Facts   []string `json:"facts"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return store.Memory{}, fmt.Errorf("failed to decode summary response: %w", err)
	}
	if out.Summary == nil && out.Facts == nil {
		return store.Memory{}, errNoMemoryFields
	}

	next := store.Memory{Summary: prev.Summary, Facts: prev.Facts}
	if out.Summary != nil && strings.TrimSpace(*out.Summary) != "" {
		next.Summary = strings.TrimSpace(*out.Summary)
	}
	if facts := capFacts(out.Facts, m.cfg.MemFactsLimit); len(facts) > 0 {
		next.Facts = facts
	}
	return next, nil
}

// capFacts drops blanks and duplicates, then keeps the newest limit entries.
func capFacts(facts []string, limit int) []string {
	seen := make(map[string]struct{}, len(facts))
	out := make([]string, 0, len(facts))
	for _, f := range facts {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func summaryPrompt(prev store.Memory, recent []store.Message) []llm.Message {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: summarizerPrompt}}
	if prev.Summary != "" || len(prev.Facts) > 0 {
		msgs = append(msgs, llm.Message{
			Role:    llm.RoleSystem,
			Content: fmt.Sprintf("Önceki özet: %s\nÖnceki sabitler: %s", prev.Summary, strings.Join(prev.Facts, "; ")),
		})
	}

	if len(recent) > summarizerWindow {
		recent = recent[len(recent)-summarizerWindow:]
	}
	for _, r := range recent {
		switch r.Role {
		case store.RoleSystemEvent:
			if r.Content.IsDiagnosis() {
				d := r.Content.Diagnosis
				msgs = append(msgs, llm.Message{
					Role:    llm.RoleSystem,
					Content: store.DiagnosisNote("[TEŞHİS]", displayLabel(d.Class, d.ClassTr), d.Confidence),
				})
			}
		case store.RoleUser:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: r.Flatten()})
		case store.RoleAssistant:
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: r.Flatten()})
		}
	}
	return msgs
}
