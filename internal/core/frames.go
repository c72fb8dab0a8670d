package core

import "plantly.app/plantly-server/internal/store"

const FrameTypeMessage = "message"

// MessageFrame is broadcast to a thread's room for every new message.
type MessageFrame struct {
	Type     string       `json:"type"`
	ThreadID string       `json:"thread_id"`
	Message  FrameMessage `json:"message"`
	Title    string       `json:"title,omitempty"`
}

// FrameMessage mirrors a stored message. systemEvent messages carry the
// diagnosis object as Content plus its flat fields.
type FrameMessage struct {
	ID         string        `json:"id"`
	Role       store.Role    `json:"role"`
	Content    store.Content `json:"content"`
	Notes      []string      `json:"notes,omitempty"`
	Class      string        `json:"class,omitempty"`
	ClassTr    string        `json:"classTr,omitempty"`
	Confidence *float64      `json:"confidence,omitempty"`
	ImageRef   string        `json:"imageRef,omitempty"`
}

func NewMessageFrame(threadID string, m *store.Message) MessageFrame {
	fm := FrameMessage{ID: m.ID, Role: m.Role, Content: m.Content, Notes: m.Notes}
	if m.Content.IsDiagnosis() {
		d := m.Content.Diagnosis
		conf := d.Confidence
		fm.Class, fm.ClassTr, fm.Confidence, fm.ImageRef = d.Class, d.ClassTr, &conf, d.ImageRef
	}
	return MessageFrame{Type: FrameTypeMessage, ThreadID: threadID, Message: fm}
}
