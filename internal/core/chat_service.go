package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"plantly.app/plantly-server/internal/config"
	"plantly.app/plantly-server/internal/inference"
	"plantly.app/plantly-server/internal/labels"
	"plantly.app/plantly-server/internal/llm"
	"plantly.app/plantly-server/internal/logging"
	"plantly.app/plantly-server/internal/storage"
	"plantly.app/plantly-server/internal/store"
)

var (
	ErrThreadNotFound = errors.New("thread not found")
	ErrEmptyImage     = errors.New("empty image")
	ErrInference      = errors.New("model inference failed")
	ErrImageNotFound  = errors.New("image not found")
)

const (
	// Virtual user turn that asks the model to open the conversation after a new diagnosis.
	autoReplyPrompt = "Yeni teşhise göre kısa bir değerlendirme yap; 2–3 cümlede durumu özetle ve " +
		"4 maddelik uygulanabilir bakım önerisi ver."

	defaultTitle    = "Bitki Sağlığı Danışmanlığı"
	titleMaxRunes   = 60
	titleMaxTokens  = 32
	emptyReplyText  = "Şu anda bir yanıt oluşturamadım. Sorunu biraz daha detaylandırır mısın?"
	detailsMessages = 100
)

// Broadcaster fans a payload out to every live connection of a thread.
type Broadcaster interface {
	Broadcast(threadID string, payload any) error
}

type ServiceConfig struct {
	Chat        config.ChatConfig
	Temperature float32
}

// ChatService runs the conversation use cases shared by the WebSocket
// session and the HTTP upload endpoint.
type ChatService struct {
	store      store.Store
	llm        llm.Client
	rooms      Broadcaster
	classifier inference.Classifier
	images     storage.Storage // nil when uploads are not kept
	contexts   *ContextBuilder
	memory     *MemorySummarizer
	cfg        ServiceConfig
}

func NewChatService(db store.Store, client llm.Client, rooms Broadcaster, classifier inference.Classifier, images storage.Storage, cfg ServiceConfig) *ChatService {
	return &ChatService{
		store:      db,
		llm:        client,
		rooms:      rooms,
		classifier: classifier,
		images:     images,
		contexts:   NewContextBuilder(db, cfg.Chat),
		memory:     NewMemorySummarizer(db, client, cfg.Chat),
		cfg:        cfg,
	}
}

type BindRequest struct {
	ThreadID  string
	NewThread bool
	Title     string
}

// BindThread resolves the session's thread: an explicit id must exist; a new
// thread is created when asked for (or forced by config); otherwise the
// user's oldest thread is reused or a first one created.
func (s *ChatService) BindThread(ctx context.Context, userID string, req BindRequest) (*store.Thread, error) {
	if req.ThreadID != "" {
		t, err := s.store.GetThread(ctx, userID, req.ThreadID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrThreadNotFound
		}
		return t, err
	}

	var title *string
	if t := strings.TrimSpace(req.Title); t != "" {
		title = &t
	}
	if req.NewThread || s.cfg.Chat.AlwaysNewThread {
		return s.store.CreateThread(ctx, userID, title)
	}

	t, err := s.store.FirstThread(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return s.store.CreateThread(ctx, userID, title)
	}
	return t, err
}

type TurnResult struct {
	User      *store.Message
	Assistant *store.Message
	Title     string // set on the thread's first assistant turn
}

func (s *ChatService) HandleUserText(ctx context.Context, userID, threadID, text string) (*TurnResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	l := logging.Ctx(ctx)

	userMsg := &store.Message{ThreadID: threadID, Role: store.RoleUser, Content: store.TextContent(text)}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("failed to store user message: %w", err)
	}

	prior, err := s.store.CountMessages(ctx, threadID, store.RoleAssistant)
	if err != nil {
		return nil, fmt.Errorf("failed to count assistant messages: %w", err)
	}
	isFirst := prior == 0

	// The text is already the newest history entry; it only drives small-talk detection here.
	prompt, err := s.contexts.Build(ctx, userID, threadID, ContextOptions{UserText: text, Structured: true})
	if err != nil {
		return nil, err
	}
	raw, err := s.llm.Complete(ctx, llm.Request{Messages: prompt, Temperature: s.cfg.Temperature, JSON: true})
	if err != nil {
		return nil, fmt.Errorf("language model request failed: %w", err)
	}

	reply := llm.ParseStructured(raw)
	if reply.Content == "" {
		reply.Content = emptyReplyText
	}
	reply.Content = labels.Redact(reply.Content)
	for i, n := range reply.Notes {
		reply.Notes[i] = labels.Redact(n)
	}

	asst := &store.Message{ThreadID: threadID, Role: store.RoleAssistant, Content: store.TextContent(reply.Content), Notes: reply.Notes}
	if err := s.store.AppendMessage(ctx, asst); err != nil {
		return nil, fmt.Errorf("failed to store assistant message: %w", err)
	}

	result := &TurnResult{User: userMsg, Assistant: asst}
	if isFirst {
		result.Title = s.generateTitle(ctx, text)
		if err := s.store.UpdateThreadTitle(ctx, userID, threadID, result.Title); err != nil {
			l.Warn().Err(err).Str(logging.FieldThreadID, threadID).Msg("failed to save generated title")
		}
	}

	s.memory.MaybeSummarize(ctx, userID, threadID)

	frame := NewMessageFrame(threadID, asst)
	frame.Title = result.Title
	s.broadcast(ctx, threadID, frame)
	return result, nil
}

func (s *ChatService) generateTitle(ctx context.Context, userText string) string {
	prompt := fmt.Sprintf("Aşağıdaki kullanıcı mesajına göre kısa ve öz bir başlık oluştur.\n"+
		"Başlık maksimum 5-6 kelime olsun ve bitki sağlığı/hastalıkları konusuyla ilgili olsun.\n\n"+
		"Kullanıcı mesajı: %q\n\n"+
		"Sadece başlığı döndür, başka bir şey yazma.", labels.Redact(userText))

	raw, err := s.llm.Complete(ctx, llm.Request{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature: s.cfg.Temperature,
		MaxTokens:   titleMaxTokens,
	})
	if err != nil {
		l := logging.Ctx(ctx)
		l.Warn().Err(err).Msg("title generation failed, using default")
		return defaultTitle
	}
	return CleanTitle(raw)
}

// CleanTitle trims quotes and whitespace, keeps the first line and caps the
// title at 60 runes.
func CleanTitle(raw string) string {
	t := strings.TrimSpace(raw)
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[:i]
	}
	t = strings.TrimSpace(strings.Trim(strings.TrimSpace(t), `"'`))
	t = labels.Redact(t)
	if t == "" {
		return defaultTitle
	}
	if utf8.RuneCountInString(t) > titleMaxRunes {
		t = string([]rune(t)[:titleMaxRunes]) + "..."
	}
	return t
}

type DiagnosisInput struct {
	Class      string
	Confidence float64
	ImageRef   string
	PlantID    string
	AutoReply  bool
}

type DiagnosisResult struct {
	Event     *store.Message
	Assistant *store.Message // nil unless an auto-reply was produced
}

// HandleDiagnosis records a classification result on the thread. With
// AutoReply a model error fails the call; the message itself is kept.
func (s *ChatService) HandleDiagnosis(ctx context.Context, userID, threadID string, in DiagnosisInput) (*DiagnosisResult, error) {
	return s.handleDiagnosis(ctx, userID, threadID, in, false)
}

func (s *ChatService) handleDiagnosis(ctx context.Context, userID, threadID string, in DiagnosisInput, fallbackOnError bool) (*DiagnosisResult, error) {
	l := logging.Ctx(ctx)
	classTr := labels.Translate(in.Class)

	event := &store.Message{
		ThreadID: threadID,
		Role:     store.RoleSystemEvent,
		Content: store.DiagnosisContent(store.DiagnosisEvent{
			Class:      in.Class,
			ClassTr:    classTr,
			Confidence: in.Confidence,
			ImageRef:   in.ImageRef,
		}),
	}
	if in.PlantID != "" {
		event.Meta = map[string]any{"plantId": in.PlantID}
	}
	if err := s.store.AppendMessage(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to store diagnosis event: %w", err)
	}
	result := &DiagnosisResult{Event: event}

	snapshot := store.Diagnosis{Class: in.Class, ClassTr: classTr, Confidence: in.Confidence, At: event.CreatedAt, ImageRef: in.ImageRef}
	if err := s.store.UpdateLastDiagnosis(ctx, userID, threadID, snapshot); err != nil {
		return result, fmt.Errorf("failed to update last diagnosis: %w", err)
	}
	if in.PlantID != "" {
		if err := s.store.RecordPlantDisease(ctx, userID, in.PlantID, snapshot); err != nil {
			l.Warn().Err(err).Str("plant_id", in.PlantID).Msg("failed to record plant disease history")
		}
	}

	s.broadcast(ctx, threadID, NewMessageFrame(threadID, event))

	if !in.AutoReply {
		return result, nil
	}

	text, err := s.autoReply(ctx, userID, threadID, in)
	if err != nil {
		if !fallbackOnError {
			return result, err
		}
		l.Warn().Err(err).Str(logging.FieldThreadID, threadID).Msg("auto-reply failed, using canned care tips")
		text = labels.FallbackReply(in.Class, in.Confidence)
	}

	asst := &store.Message{ThreadID: threadID, Role: store.RoleAssistant, Content: store.TextContent(text)}
	if err := s.store.AppendMessage(ctx, asst); err != nil {
		return result, fmt.Errorf("failed to store assistant message: %w", err)
	}
	result.Assistant = asst

	s.memory.MaybeSummarize(ctx, userID, threadID)

	s.broadcast(ctx, threadID, NewMessageFrame(threadID, asst))
	return result, nil
}

func (s *ChatService) autoReply(ctx context.Context, userID, threadID string, in DiagnosisInput) (string, error) {
	include := true
	prompt, err := s.contexts.Build(ctx, userID, threadID, ContextOptions{
		UserText:         autoReplyPrompt,
		AppendUserText:   true,
		IncludeDiagnosis: &include,
	})
	if err != nil {
		return "", err
	}
	text, err := s.llm.Complete(ctx, llm.Request{Messages: prompt, Temperature: s.cfg.Temperature})
	if err != nil {
		return "", fmt.Errorf("language model request failed: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return labels.FallbackReply(in.Class, in.Confidence), nil
	}
	return labels.Redact(strings.TrimSpace(text), in.Class), nil
}

type AnalyzeRequest struct {
	ThreadID    string
	PlantID     string
	AutoReply   bool
	Image       []byte
	ContentType string
	Filename    string
}

type AnalyzeResult struct {
	ThreadID   string
	Prediction inference.Prediction
	ClassTr    string
	ImageRef   string
	MessageID  string
	Assistant  *store.Message
}

// AnalyzeImage classifies an uploaded image and feeds the result into the
// thread exactly like a diagnosis frame, including the room broadcast.
// A failed auto-reply falls back to canned care tips.
func (s *ChatService) AnalyzeImage(ctx context.Context, userID string, req AnalyzeRequest) (*AnalyzeResult, error) {
	if len(req.Image) == 0 {
		return nil, ErrEmptyImage
	}
	l := logging.Ctx(ctx)

	thread, err := s.BindThread(ctx, userID, BindRequest{ThreadID: req.ThreadID})
	if err != nil {
		return nil, err
	}

	pred, err := s.classifier.Classify(ctx, req.Image)
	if err != nil {
		if errors.Is(err, inference.ErrEmptyImage) {
			return nil, ErrEmptyImage
		}
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	l.Info().
		Str(logging.FieldThreadID, thread.ID).
		Str("class", pred.Label).
		Float64("confidence", pred.Confidence).
		Dur("inference", pred.Latency).
		Msg("image classified")

	imageRef := ""
	if s.images != nil {
		key := storage.ImageKey(userID, req.Filename, req.ContentType, time.Now())
		if err := s.images.Write(ctx, key, bytes.NewReader(req.Image), int64(len(req.Image)), req.ContentType); err != nil {
			l.Warn().Err(err).Msg("failed to store uploaded image")
		} else {
			imageRef = key
		}
	}

	res, err := s.handleDiagnosis(ctx, userID, thread.ID, DiagnosisInput{
		Class:      pred.Label,
		Confidence: pred.Confidence,
		ImageRef:   imageRef,
		PlantID:    req.PlantID,
		AutoReply:  req.AutoReply,
	}, true)
	if err != nil {
		// Nothing references the upload unless the event was stored.
		if res == nil && imageRef != "" {
			if derr := s.images.Delete(ctx, imageRef); derr != nil {
				l.Warn().Err(derr).Str("image_ref", imageRef).Msg("failed to remove orphaned upload")
			}
		}
		return nil, err
	}

	return &AnalyzeResult{
		ThreadID:   thread.ID,
		Prediction: pred,
		ClassTr:    labels.Translate(pred.Label),
		ImageRef:   imageRef,
		MessageID:  res.Event.ID,
		Assistant:  res.Assistant,
	}, nil
}

// OpenImage streams a stored upload back to its owner. Keys outside the
// user's upload prefix are reported as missing.
func (s *ChatService) OpenImage(ctx context.Context, userID, key string) (io.ReadCloser, error) {
	if s.images == nil || userID == "" || !strings.HasPrefix(key, "uploads/"+userID+"/") || strings.Contains(key, "..") {
		return nil, ErrImageNotFound
	}
	rc, err := s.images.Read(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrImageNotFound
		}
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return rc, nil
}

func (s *ChatService) CreateThread(ctx context.Context, userID, title string) (*store.Thread, error) {
	return s.BindThread(ctx, userID, BindRequest{NewThread: true, Title: title})
}

func (s *ChatService) ListThreads(ctx context.Context, userID string) ([]store.Thread, error) {
	return s.store.ListThreads(ctx, userID)
}

func (s *ChatService) GetThreadDetails(ctx context.Context, userID, threadID string) (*store.Thread, []store.Message, error) {
	thread, err := s.store.GetThread(ctx, userID, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrThreadNotFound
		}
		return nil, nil, fmt.Errorf("failed to get thread: %w", err)
	}

	messages, err := s.store.LastMessages(ctx, threadID, detailsMessages)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get messages for thread: %w", err)
	}
	return thread, messages, nil
}

func (s *ChatService) PlantHistory(ctx context.Context, userID, plantID string) (*store.PlantDisease, error) {
	return s.store.GetPlantDisease(ctx, userID, plantID)
}

func (s *ChatService) broadcast(ctx context.Context, threadID string, frame MessageFrame) {
	if err := s.rooms.Broadcast(threadID, frame); err != nil {
		l := logging.Ctx(ctx)
		l.Error().Err(err).Str(logging.FieldThreadID, threadID).Msg("failed to broadcast message")
	}
}
