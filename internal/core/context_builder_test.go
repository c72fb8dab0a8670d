package core

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"plantly.app/plantly-server/internal/config"
	"plantly.app/plantly-server/internal/llm"
	"plantly.app/plantly-server/internal/store"
)

func TestIsSmallTalk(t *testing.T) {
	for _, s := range []string{"merhaba", "Teşekkürler!", "selam, nasılsın?", "  ok  "} {
		assert.True(t, IsSmallTalk(s), s)
	}
	for _, s := range []string{
		"",
		"Domates yapraklarımda kahverengi lekeler var, ne yapmalıyım?",
		"yapraklar sarardı",
	} {
		assert.False(t, IsSmallTalk(s), s)
	}
}

func textMsg(role store.Role, text string) store.Message {
	return store.Message{Role: role, Content: store.TextContent(text)}
}

func TestTrimHistoryByChars(t *testing.T) {
	history := []store.Message{
		textMsg(store.RoleUser, "aaaaa"),
		textMsg(store.RoleAssistant, "bbbbb"),
		textMsg(store.RoleUser, "ccccc"),
	}

	got := TrimHistoryByChars(history, 12)
	assert.Len(t, got, 2)
	assert.Equal(t, "bbbbb", got[0].Content.Text)

	assert.Len(t, TrimHistoryByChars(history, 15), 3)
	assert.Empty(t, TrimHistoryByChars(history, 3))
	assert.Len(t, TrimHistoryByChars(history, 0), 3)

	// rune count, not bytes
	assert.Len(t, TrimHistoryByChars([]store.Message{textMsg(store.RoleUser, "şşşşş")}, 5), 1)
}

func sampleThread() (*store.Thread, []store.Message) {
	thread := &store.Thread{
		ID: "t1",
		LastDiagnosis: &store.Diagnosis{
			Class: "Tomato__Early_Blight", ClassTr: "Domates - Erken yanıklık", Confidence: 0.92, At: time.Now(),
		},
		Memory: store.Memory{Summary: "Kullanıcı domates yetiştiriyor.", Facts: []string{"Balkonda 3 saksı"}},
	}
	history := []store.Message{
		{Role: store.RoleSystemEvent, Content: store.DiagnosisContent(store.DiagnosisEvent{
			Class: "Tomato__Early_Blight", ClassTr: "Domates - Erken yanıklık", Confidence: 0.92,
		})},
		textMsg(store.RoleAssistant, "Alt yaprakları temizle."),
		{Role: store.RoleUser, Content: store.TextContent("merhaba")},
	}
	return thread, history
}

func contents(msgs []llm.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func hasPrefix(msgs []llm.Message, prefix string) bool {
	for _, m := range msgs {
		if strings.HasPrefix(m.Content, prefix) {
			return true
		}
	}
	return false
}

func TestAssembleContextFullTurn(t *testing.T) {
	thread, history := sampleThread()
	cfg := config.ChatConfig{MemoryEnabled: true, HistoryMaxChars: 8000}

	msgs := assembleContext(thread, history, ContextOptions{UserText: "Lekeler yayılıyor", AppendUserText: true, Structured: true}, cfg)

	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, structuredContract)
	assert.Equal(t, []string{
		msgs[0].Content,
		"Konuşma özeti: Kullanıcı domates yetiştiriyor.",
		"Sabit gerçekler:\n- Balkonda 3 saksı",
		"Son teşhis: Domates - Erken yanıklık (%92)",
		"Teşhis: Domates - Erken yanıklık (%92)",
		"Alt yaprakları temizle.",
		"merhaba",
		"Lekeler yayılıyor",
	}, contents(msgs))
	assert.Equal(t, llm.RoleUser, msgs[len(msgs)-1].Role)
	for _, m := range msgs {
		assert.NotContains(t, m.Content, "Tomato__Early_Blight")
	}
}

func TestAssembleContextSmallTalkDropsDiagnosis(t *testing.T) {
	thread, history := sampleThread()
	cfg := config.ChatConfig{MemoryEnabled: false}

	msgs := assembleContext(thread, history, ContextOptions{UserText: "merhaba"}, cfg)
	assert.False(t, hasPrefix(msgs, "Son teşhis:"))
	assert.False(t, hasPrefix(msgs, "Teşhis:"))
	assert.False(t, hasPrefix(msgs, "Konuşma özeti:"), "memory disabled")
	assert.NotContains(t, msgs[0].Content, structuredContract)

	include := true
	msgs = assembleContext(thread, history, ContextOptions{UserText: "merhaba", IncludeDiagnosis: &include}, cfg)
	assert.True(t, hasPrefix(msgs, "Son teşhis:"))
	assert.True(t, hasPrefix(msgs, "Teşhis:"))
}

func TestAssembleContextTrimsHistory(t *testing.T) {
	thread, history := sampleThread()
	cfg := config.ChatConfig{HistoryMaxChars: len([]rune("merhaba"))}

	msgs := assembleContext(thread, history, ContextOptions{UserText: "Lekeler yayılıyor"}, cfg)
	assert.Equal(t, "merhaba", msgs[len(msgs)-1].Content)
	assert.NotContains(t, contents(msgs), "Alt yaprakları temizle.")
}
