package core

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"plantly.app/plantly-server/internal/config"
	"plantly.app/plantly-server/internal/labels"
	"plantly.app/plantly-server/internal/llm"
	"plantly.app/plantly-server/internal/store"
)

const (
	personaPrompt = "Sen bitki sağlığı ve bakımında uzman bir asistansın.\n" +
		"- Modelden/servisten gelen teşhis etiketleri İngilizce ve teknik olabilir (örn. Apple__Apple_Scab). " +
		"Bu ham etiketleri KESİNLİKLE kullanıcıya aynen gösterme.\n" +
		"- Teşhis varsa bunu mutlaka Türkçe ve sade şekilde ifade et (örn. 'Elma - Karalekesi').\n" +
		"- Kullanıcıyı boğmadan net, adım adım öneriler ver.\n" +
		"- Emin değilsen olasılıklardan bahset ve basit kontrol adımları öner.\n" +
		"- Her zaman Türkçe yanıtla.\n" +
		"- Eğer son kullanıcı mesajı sadece selamlaşma/teşekkür gibi küçük konuşmaysa KISA bir selamlama yap; " +
		"teşhis veya bakım listesi verme. Gerekirse 'Size nasıl yardımcı olabilirim?' diye sor.\n" +
		"- Kullanıcı bakım/hastalıkla ilgili soru sorarsa, varsa son teşhisi de dikkate alarak yanıtla."

	structuredContract = "ÖNEMLİ: Yanıtını şu JSON formatında ver:\n" +
		"{\n" +
		"  \"content\": \"Ana cevabın buraya gelsin\",\n" +
		"  \"notes\": [\"Sadece gerçek bakım önerileri varsa ekle\"]\n" +
		"}\n" +
		"KURALLAR:\n" +
		"- content: Her zaman doldur\n" +
		"- notes: Sadece bitki bakımı/hastalık tedavisi önerileri varsa doldur\n" +
		"- Selamlaşma, teşekkür, genel sohbet durumlarında notes boş array [] ver\n" +
		"- notes her elemanı kısa ve net olsun (maksimum 1 cümle)\n" +
		"- notes sadece actionable (yapılabilir) öneriler içersin"

	smallTalkMaxRunes = 40
)

var smallTalkWords = []string{
	"merhaba", "selam", "selamlar", "günaydın", "gunaydin",
	"iyi akşamlar", "iyi aksamlar", "iyi geceler", "iyi günler", "iyi gunler",
	"hello", "hi", "hey", "naber", "nabersin", "nasılsın", "nasilsin",
	"teşekkürler", "tesekkurler", "sağol", "sagol", "thanks", "ok", "tamam",
}

// IsSmallTalk reports short greeting or thanks messages that should not pull
// diagnosis context into the prompt.
func IsSmallTalk(text string) bool {
	t := strings.TrimSpace(strings.ToLower(text))
	if t == "" || utf8.RuneCountInString(t) > smallTalkMaxRunes {
		return false
	}
	for _, w := range smallTalkWords {
		if strings.Contains(t, w) {
			return true
		}
	}
	return false
}

type ContextOptions struct {
	// UserText drives small-talk detection and is appended last when
	// AppendUserText is set.
	UserText       string
	AppendUserText bool
	// IncludeDiagnosis overrides small-talk based diagnosis inclusion.
	IncludeDiagnosis *bool
	// Structured adds the {content, notes} reply contract.
	Structured bool
}

// ContextBuilder assembles the bounded prompt for one model call from the
// thread's memory, last diagnosis and recent history.
type ContextBuilder struct {
	store store.Store
	cfg   config.ChatConfig
}

func NewContextBuilder(db store.Store, cfg config.ChatConfig) *ContextBuilder {
	return &ContextBuilder{store: db, cfg: cfg}
}

func (b *ContextBuilder) Build(ctx context.Context, userID, threadID string, opts ContextOptions) ([]llm.Message, error) {
	thread, err := b.store.GetThread(ctx, userID, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}
	history, err := b.store.LastMessages(ctx, threadID, b.cfg.HistoryK)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return assembleContext(thread, history, opts, b.cfg), nil
}

func assembleContext(thread *store.Thread, history []store.Message, opts ContextOptions, cfg config.ChatConfig) []llm.Message {
	system := personaPrompt
	if opts.Structured {
		system += "\n\n" + structuredContract
	}
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: system}}

	if cfg.MemoryEnabled {
		if s := strings.TrimSpace(thread.Memory.Summary); s != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: "Konuşma özeti: " + s})
		}
		if len(thread.Memory.Facts) > 0 {
			msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: "Sabit gerçekler:\n- " + strings.Join(thread.Memory.Facts, "\n- ")})
		}
	}

	includeDiag := !IsSmallTalk(opts.UserText)
	if opts.IncludeDiagnosis != nil {
		includeDiag = *opts.IncludeDiagnosis
	}

	if d := thread.LastDiagnosis; d != nil && includeDiag {
		msgs = append(msgs, llm.Message{
			Role:    llm.RoleSystem,
			Content: store.DiagnosisNote("Son teşhis:", displayLabel(d.Class, d.ClassTr), d.Confidence),
		})
	}

	for _, m := range TrimHistoryByChars(history, cfg.HistoryMaxChars) {
		switch m.Role {
		case store.RoleSystemEvent:
			if includeDiag && m.Content.IsDiagnosis() {
				msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: historyText(m)})
			}
		case store.RoleUser:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: historyText(m)})
		case store.RoleAssistant:
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: historyText(m)})
		}
	}

	if opts.AppendUserText && strings.TrimSpace(opts.UserText) != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: opts.UserText})
	}
	return msgs
}

// TrimHistoryByChars keeps the longest run of most recent messages whose
// rendered size fits in budget runes. A budget <= 0 disables trimming.
func TrimHistoryByChars(history []store.Message, budget int) []store.Message {
	if budget <= 0 {
		return history
	}
	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		n := utf8.RuneCountInString(historyText(history[i]))
		if total+n > budget {
			break
		}
		total += n
		start = i
	}
	return history[start:]
}

// historyText renders a stored message the way it is sent to the model.
func historyText(m store.Message) string {
	if m.Content.IsDiagnosis() {
		d := m.Content.Diagnosis
		return store.DiagnosisNote("Teşhis:", displayLabel(d.Class, d.ClassTr), d.Confidence)
	}
	return m.Flatten()
}

func displayLabel(class, classTr string) string {
	if tr := strings.TrimSpace(classTr); tr != "" {
		return tr
	}
	return labels.Translate(class)
}
