package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var ErrNotFound = errors.New("not found")

type Role string

const (
	RoleUser        Role = "user"
	RoleAssistant   Role = "assistant"
	RoleSystemEvent Role = "systemEvent"
)

type Thread struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Title         *string    `json:"title"` // Nullable
	CreatedAt     time.Time  `json:"created_at"`
	LastDiagnosis *Diagnosis `json:"lastDiagnosis,omitempty"`
	Memory        Memory     `json:"memory"`
}

// Diagnosis is the snapshot of one classification result.
type Diagnosis struct {
	Class      string    `json:"class"`
	ClassTr    string    `json:"classTr"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
	ImageRef   string    `json:"imageRef,omitempty"`
}

type Memory struct {
	Summary   string     `json:"summary"`
	Facts     []string   `json:"facts"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	MsgCount  int        `json:"msgCount"`
}

type Message struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	Seq       int64          `json:"seq"`
	Role      Role           `json:"role"`
	Content   Content        `json:"content"`
	Notes     []string       `json:"notes,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// PlantDisease is the per-plant disease snapshot plus its append-only history,
// keyed by the RFC3339Nano UTC time of each entry.
type PlantDisease struct {
	PlantID string               `json:"plant_id"`
	UserID  string               `json:"user_id"`
	Current Diagnosis            `json:"current"`
	History map[string]Diagnosis `json:"history"`
}

type ContentKind string

const (
	KindText      ContentKind = "text"
	KindDiagnosis ContentKind = "diagnosis"
)

// DiagnosisEvent is the payload of a systemEvent message.
type DiagnosisEvent struct {
	Class      string  `json:"class"`
	ClassTr    string  `json:"classTr,omitempty"`
	Confidence float64 `json:"confidence"`
	ImageRef   string  `json:"imageRef,omitempty"`
}

// Content is either free text or a diagnosis event. Text serializes as a JSON
// string, a diagnosis as {"type":"diagnosis",...}.
type Content struct {
	Kind      ContentKind
	Text      string
	Diagnosis *DiagnosisEvent
}

func TextContent(s string) Content {
	return Content{Kind: KindText, Text: s}
}

func DiagnosisContent(ev DiagnosisEvent) Content {
	return Content{Kind: KindDiagnosis, Diagnosis: &ev}
}

func (c Content) IsDiagnosis() bool {
	return c.Kind == KindDiagnosis && c.Diagnosis != nil
}

type diagnosisWire struct {
	Type string `json:"type"`
	DiagnosisEvent
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsDiagnosis() {
		return json.Marshal(diagnosisWire{Type: string(KindDiagnosis), DiagnosisEvent: *c.Diagnosis})
	}
	return json.Marshal(c.Text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = TextContent("")
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = TextContent(s)
		return nil
	}

	var w diagnosisWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("failed to decode message content: %w", err)
	}
	if w.Type != string(KindDiagnosis) {
		return fmt.Errorf("unsupported content type %q", w.Type)
	}
	*c = DiagnosisContent(w.DiagnosisEvent)
	return nil
}

// Flatten renders content as prompt text. Diagnosis events become a one-line
// note using the translated label.
func (c Content) Flatten() string {
	if c.IsDiagnosis() {
		return DiagnosisNote("Teşhis:", c.Diagnosis.ClassTr, c.Diagnosis.Confidence)
	}
	return c.Text
}

// DiagnosisNote formats "<prefix> <label> (%<pct>)".
func DiagnosisNote(prefix, label string, confidence float64) string {
	return fmt.Sprintf("%s %s (%%%d)", prefix, label, int(math.Round(confidence*100)))
}

// Flatten renders the message body as text, with assistant notes as bullets.
func (m Message) Flatten() string {
	text := m.Content.Flatten()
	if len(m.Notes) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	for _, n := range m.Notes {
		b.WriteString("\n- ")
		b.WriteString(n)
	}
	return b.String()
}
