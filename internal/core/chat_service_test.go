package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"plantly.app/plantly-server/internal/config"
	"plantly.app/plantly-server/internal/inference"
	"plantly.app/plantly-server/internal/labels"
	"plantly.app/plantly-server/internal/llm"
	"plantly.app/plantly-server/internal/storage"
	"plantly.app/plantly-server/internal/store"
)

// fakeModel answers each kind of prompt the service sends and records them.
type fakeModel struct {
	mu        sync.Mutex
	chat      func(req llm.Request) (string, error)
	title     string
	titleErr  error
	summary   string
	calls     []llm.Request
	titleHits int
}

func (f *fakeModel) Complete(_ context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	first := req.Messages[0]
	switch {
	case first.Role == llm.RoleSystem && strings.HasPrefix(first.Content, summarizerPrompt):
		return f.summary, nil
	case first.Role == llm.RoleUser && strings.Contains(first.Content, "Kullanıcı mesajı:"):
		f.mu.Lock()
		f.titleHits++
		f.mu.Unlock()
		return f.title, f.titleErr
	}
	if f.chat == nil {
		return `{"content":"Tamam.","notes":[]}`, nil
	}
	return f.chat(req)
}

type recordingRooms struct {
	mu     sync.Mutex
	frames []MessageFrame
}

func (r *recordingRooms) Broadcast(threadID string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, payload.(MessageFrame))
	return nil
}

type fakeClassifier struct {
	pred inference.Prediction
	err  error
}

func (f fakeClassifier) Classify(context.Context, []byte) (inference.Prediction, error) {
	return f.pred, f.err
}

type fixture struct {
	svc        *ChatService
	db         *store.SQLiteStore
	model      *fakeModel
	rooms      *recordingRooms
	classifier *fakeClassifier
	images     storage.Storage
}

func newFixture(t *testing.T, chat config.ChatConfig) *fixture {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	images, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	f := &fixture{
		db:         db,
		model:      &fakeModel{title: "Domates Yaprak Lekeleri"},
		rooms:      &recordingRooms{},
		classifier: &fakeClassifier{},
		images:     images,
	}
	f.svc = NewChatService(db, f.model, f.rooms, f.classifier, images, ServiceConfig{Chat: chat, Temperature: 0.4})
	return f
}

var testChat = config.ChatConfig{HistoryK: 20, HistoryMaxChars: 8000, MemFactsLimit: 8, MemoryRefreshEvery: 3}

func TestBindThreadPrecedence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testChat)

	_, err := f.svc.BindThread(ctx, "u1", BindRequest{ThreadID: "missing"})
	assert.ErrorIs(t, err, ErrThreadNotFound)

	first, err := f.svc.BindThread(ctx, "u1", BindRequest{Title: "Gül"})
	require.NoError(t, err)
	require.NotNil(t, first.Title)
	assert.Equal(t, "Gül", *first.Title)

	again, err := f.svc.BindThread(ctx, "u1", BindRequest{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	fresh, err := f.svc.BindThread(ctx, "u1", BindRequest{NewThread: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID)

	explicit, err := f.svc.BindThread(ctx, "u1", BindRequest{ThreadID: fresh.ID, NewThread: true})
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, explicit.ID, "explicit id wins over the new-thread flag")

	_, err = f.svc.BindThread(ctx, "u2", BindRequest{ThreadID: first.ID})
	assert.ErrorIs(t, err, ErrThreadNotFound, "threads of other users are not visible")
}

func TestBindThreadAlwaysNew(t *testing.T) {
	ctx := context.Background()
	cfg := testChat
	cfg.AlwaysNewThread = true
	f := newFixture(t, cfg)

	a, err := f.svc.BindThread(ctx, "u1", BindRequest{})
	require.NoError(t, err)
	b, err := f.svc.BindThread(ctx, "u1", BindRequest{})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestHandleUserTextTitlesFirstTurnOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testChat)
	f.model.chat = func(llm.Request) (string, error) {
		return `{"content":"Yaprakları kontrol et.","notes":["Sulamayı azalt"]}`, nil
	}
	th, err := f.svc.BindThread(ctx, "u1", BindRequest{})
	require.NoError(t, err)

	res, err := f.svc.HandleUserText(ctx, "u1", th.ID, "  Domates yapraklarımda kahverengi lekeler var  ")
	require.NoError(t, err)
	assert.Equal(t, "Domates Yaprak Lekeleri", res.Title)
	assert.Equal(t, "Domates yapraklarımda kahverengi lekeler var", res.User.Content.Text)
	assert.Equal(t, []string{"Sulamayı azalt"}, res.Assistant.Notes)

	got, err := f.db.GetThread(ctx, "u1", th.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Title)
	assert.Equal(t, "Domates Yaprak Lekeleri", *got.Title)

	res, err = f.svc.HandleUserText(ctx, "u1", th.ID, "Ne kadar sulamalıyım?")
	require.NoError(t, err)
	assert.Empty(t, res.Title)
	assert.Equal(t, 1, f.model.titleHits)

	msgs, err := f.db.LastMessages(ctx, th.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	for i, role := range []store.Role{store.RoleUser, store.RoleAssistant, store.RoleUser, store.RoleAssistant} {
		assert.Equal(t, role, msgs[i].Role)
	}

	require.Len(t, f.rooms.frames, 2)
	assert.Equal(t, "Domates Yaprak Lekeleri", f.rooms.frames[0].Title)
	assert.Empty(t, f.rooms.frames[1].Title)
	assert.Equal(t, store.RoleAssistant, f.rooms.frames[0].Message.Role)
}

func TestHandleUserTextStructuredRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testChat)
	th, err := f.svc.BindThread(ctx, "u1", BindRequest{})
	require.NoError(t, err)

	var seen llm.Request
	f.model.chat = func(req llm.Request) (string, error) {
		seen = req
		return "düz metin cevap", nil
	}
	res, err := f.svc.HandleUserText(ctx, "u1", th.ID, "Yapraklar sararıyor")
	require.NoError(t, err)

	assert.True(t, seen.JSON)
	assert.Contains(t, seen.Messages[0].Content, structuredContract)
	last := seen.Messages[len(seen.Messages)-1]
	assert.Equal(t, llm.RoleUser, last.Role)
	assert.Equal(t, "Yapraklar sararıyor", last.Content, "the user text is sent once, from history")
	assert.Equal(t, "düz metin cevap", res.Assistant.Content.Text)
	assert.Empty(t, res.Assistant.Notes)
}

func TestHandleUserTextEmptyIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testChat)
	th, err := f.svc.BindThread(ctx, "u1", BindRequest{})
	require.NoError(t, err)

	res, err := f.svc.HandleUserText(ctx, "u1", th.ID, "   ")
	require.NoError(t, err)
	assert.Nil(t, res)

	n, err := f.db.CountMessages(ctx, th.ID, store.RoleUser)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.model.calls)
}

func TestHandleUserTextModelFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testChat)
	th, err := f.svc.BindThread(ctx, "u1", BindRequest{})
	require.NoError(t, err)
	f.model.chat = func(llm.Request) (string, error) { return "", errors.New("upstream down") }

	_, err = f.svc.HandleUserText(ctx, "u1", th.ID, "Merhaba, gülüm soldu")
	require.Error(t, err)
	assert.Empty(t, f.rooms.frames)

	n, err := f.db.CountMessages(ctx, th.ID, store.RoleUser)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the user message is kept")
}

func TestHandleUserTextRedactsRawLabels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testChat)
	th, err := f.svc.BindThread(ctx, "u1", BindRequest{})
	require.NoError(t, err)
	f.model.chat = func(llm.Request) (string, error) {
		return `{"content":"Bu Tomato__Late_Blight olabilir.","notes":["Tomato__Late_Blight için ilaçla"]}`, nil
	}

	res, err := f.svc.HandleUserText(ctx, "u1", th.ID, "Lekeler yayılıyor")
	require.NoError(t, err)
	assert.Equal(t, "Bu Domates - Geç yanıklık olabilir.", res.Assistant.Content.Text)
	assert.Equal(t, []string{"Domates - Geç yanıklık için ilaçla"}, res.Assistant.Notes)
}

func TestHandleDiagnosisAutoReply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testChat)
	th, err := f.svc.BindThread(ctx, "u1", BindRequest{})
	require.NoError(t, err)

	var seen llm.Request
	f.model.chat = func(req llm.Request) (string, error) {
		seen = req
		return "Tomato__Early_Blight belirtileri var. Alt yaprakları temizle.", nil
	}

	res, err := f.svc.HandleDiagnosis(ctx, "u1", th.ID, DiagnosisInput{
		Class: "Tomato__Early_Blight", Confidence: 0.92, PlantID: "p1", AutoReply: true,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Assistant)

	require.Len(t, f.rooms.frames, 2)
	event := f.rooms.frames[0].Message
	assert.Equal(t, store.RoleSystemEvent, event.Role)
	assert.Equal(t, "Tomato__Early_Blight", event.Class)
	assert.Equal(t, "Domates - Erken yanıklık", event.ClassTr)
	require.NotNil(t, event.Confidence)
	assert.InDelta(t, 0.92, *event.Confidence, 1e-9)

	reply := f.rooms.frames[1].Message
	assert.Equal(t, store.RoleAssistant, reply.Role)
	assert.NotContains(t, reply.Content.Text, "Tomato__Early_Blight")
	assert.Contains(t, reply.Content.Text, "Domates - Erken yanıklık")

	got, err := f.db.GetThread(ctx, "u1", th.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastDiagnosis)
	assert.Equal(t, "Tomato__Early_Blight", got.LastDiagnosis.Class)
	assert.InDelta(t, 0.92, got.LastDiagnosis.Confidence, 1e-9)

	pd, err := f.db.GetPlantDisease(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "Tomato__Early_Blight", pd.Current.Class)

	assert.False(t, seen.JSON)
	last := seen.Messages[len(seen.Messages)-1]
	assert.Equal(t, autoReplyPrompt, last.Content)
	var hasDiag bool
	for _, m := range seen.Messages {
		if strings.HasPrefix(m.Content, "Son teşhis: Domates - Erken yanıklık") {
			hasDiag = true
		}
	}
	assert.True(t, hasDiag, "auto-reply context carries the new diagnosis")
}

func TestHandleDiagnosisEmptyReplyUsesFallback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testChat)
	th, err := f.svc.BindThread(ctx, "u1", BindRequest{})
	require.NoError(t, err)
	f.model.chat = func(llm.Request) (string, error) { return "  ", nil }

	res, err := f.svc.HandleDiagnosis(ctx, "u1", th.ID, DiagnosisInput{Class: "Apple__Apple_Scab", Confidence: 0.7, AutoReply: true})
	require.NoError(t, err)
	require.NotNil(t, res.Assistant)
	assert.Equal(t, labels.FallbackReply("Apple__Apple_Scab", 0.7), res.Assistant.Content.Text)
}

func TestHandleDiagnosisWithoutAutoReply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testChat)
	th, err := f.svc.BindThread(ctx, "u1", BindRequest{})
	require.NoError(t, err)

	res, err := f.svc.HandleDiagnosis(ctx, "u1", th.ID, DiagnosisInput{Class: "Corn__Healthy", Confidence: 0.99})
	require.NoError(t, err)
	assert.Nil(t, res.Assistant)
	assert.Len(t, f.rooms.frames, 1)
	assert.Empty(t, f.model.calls)
}

func TestHandleDiagnosisModelFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testChat)
	th, err := f.svc.BindThread(ctx, "u1", BindRequest{})
	require.NoError(t, err)
	f.model.chat = func(llm.Request) (string, error) { return "", errors.New("timeout") }

	res, err := f.svc.HandleDiagnosis(ctx, "u1", th.ID, DiagnosisInput{Class: "Grape__Esca", Confidence: 0.6, AutoReply: true})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.NotEmpty(t, res.Event.ID, "the diagnosis event is kept")
	assert.Len(t, f.rooms.frames, 1)
}

func TestAnalyzeImage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testChat)
	f.classifier.pred = inference.Prediction{Label: "Apple__Apple_Scab", Confidence: 0.81, Probs: []float64{0.81, 0.19}}
	f.model.chat = func(llm.Request) (string, error) { return "", errors.New("upstream down") }

	res, err := f.svc.AnalyzeImage(ctx, "u1", AnalyzeRequest{
		AutoReply:   true,
		Image:       []byte("fake-jpeg"),
		ContentType: "image/jpeg",
		Filename:    "leaf.jpg",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ThreadID)
	assert.Equal(t, "Elma - Karalekesi", res.ClassTr)
	assert.NotEmpty(t, res.MessageID)
	require.NotNil(t, res.Assistant)
	assert.Equal(t, labels.FallbackReply("Apple__Apple_Scab", 0.81), res.Assistant.Content.Text)

	require.NotEmpty(t, res.ImageRef)
	assert.True(t, strings.HasPrefix(res.ImageRef, "uploads/u1/"))
	rc, err := f.svc.OpenImage(ctx, "u1", res.ImageRef)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "fake-jpeg", string(data))

	msgs, err := f.db.LastMessages(ctx, res.ThreadID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.True(t, msgs[0].Content.IsDiagnosis())
	assert.Equal(t, res.ImageRef, msgs[0].Content.Diagnosis.ImageRef)
}

func TestOpenImageScopedToOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testChat)
	f.classifier.pred = inference.Prediction{Label: "Corn__Healthy", Confidence: 0.97}

	res, err := f.svc.AnalyzeImage(ctx, "u1", AnalyzeRequest{Image: []byte("png"), ContentType: "image/png"})
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(res.ImageRef, ".png"))

	_, err = f.svc.OpenImage(ctx, "u2", res.ImageRef)
	assert.ErrorIs(t, err, ErrImageNotFound)
	_, err = f.svc.OpenImage(ctx, "u1", "uploads/u1/2024/01/missing.jpg")
	assert.ErrorIs(t, err, ErrImageNotFound)
	_, err = f.svc.OpenImage(ctx, "u1", "uploads/u1/../u2/x.jpg")
	assert.ErrorIs(t, err, ErrImageNotFound)

	none := NewChatService(f.db, f.model, f.rooms, f.classifier, nil, ServiceConfig{Chat: testChat})
	_, err = none.OpenImage(ctx, "u1", res.ImageRef)
	assert.ErrorIs(t, err, ErrImageNotFound)
}

// trackingImages records what the service writes and deletes.
type trackingImages struct {
	storage.Storage
	written, deleted []string
}

func (s *trackingImages) Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	s.written = append(s.written, key)
	return s.Storage.Write(ctx, key, r, size, contentType)
}

func (s *trackingImages) Delete(ctx context.Context, key string) error {
	s.deleted = append(s.deleted, key)
	return s.Storage.Delete(ctx, key)
}

// closingClassifier shuts the store down mid-request so the diagnosis cannot be saved.
type closingClassifier struct{ db *store.SQLiteStore }

func (c closingClassifier) Classify(context.Context, []byte) (inference.Prediction, error) {
	c.db.Close()
	return inference.Prediction{Label: "Corn__Healthy", Confidence: 0.9}, nil
}

func TestAnalyzeImageRemovesUploadWhenDiagnosisFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testChat)
	images := &trackingImages{Storage: f.images}
	svc := NewChatService(f.db, f.model, f.rooms, closingClassifier{db: f.db}, images, ServiceConfig{Chat: testChat})

	_, err := svc.AnalyzeImage(ctx, "u1", AnalyzeRequest{Image: []byte("jpeg"), Filename: "leaf.jpg"})
	require.Error(t, err)
	require.Len(t, images.written, 1)
	assert.Equal(t, images.written, images.deleted)

	_, err = images.Read(ctx, images.written[0])
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHandleDiagnosisAutoReplyRefreshesMemory(t *testing.T) {
	ctx := context.Background()
	cfg := testChat
	cfg.MemoryEnabled = true
	cfg.MemoryRefreshEvery = 2
	f := newFixture(t, cfg)
	f.model.summary = `{"summary":"Mısır sağlıklı.","facts":["Bahçede mısır"]}`
	th, err := f.svc.BindThread(ctx, "u1", BindRequest{})
	require.NoError(t, err)

	_, err = f.svc.HandleDiagnosis(ctx, "u1", th.ID, DiagnosisInput{Class: "Corn__Healthy", Confidence: 0.95, AutoReply: true})
	require.NoError(t, err)

	mem, err := f.db.GetMemory(ctx, "u1", th.ID)
	require.NoError(t, err)
	assert.Equal(t, "Mısır sağlıklı.", mem.Summary)
	assert.Equal(t, []string{"Bahçede mısır"}, mem.Facts)
	assert.Equal(t, 1, mem.MsgCount)
}

func TestAnalyzeImageErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testChat)

	_, err := f.svc.AnalyzeImage(ctx, "u1", AnalyzeRequest{})
	assert.ErrorIs(t, err, ErrEmptyImage)

	f.classifier.err = inference.ErrDecode
	_, err = f.svc.AnalyzeImage(ctx, "u1", AnalyzeRequest{Image: []byte("x")})
	assert.ErrorIs(t, err, ErrInference)

	_, err = f.svc.AnalyzeImage(ctx, "u1", AnalyzeRequest{ThreadID: "missing", Image: []byte("x")})
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestCleanTitle(t *testing.T) {
	assert.Equal(t, "Gül Bakımı", CleanTitle("  \"Gül Bakımı\"\nikinci satır"))
	assert.Equal(t, "Elma - Karalekesi Tedavisi", CleanTitle("Apple__Apple_Scab Tedavisi"))
	assert.Equal(t, defaultTitle, CleanTitle("  \"\" "))

	long := strings.Repeat("ş", 70)
	got := CleanTitle(long)
	assert.Equal(t, strings.Repeat("ş", 60)+"...", got)
}

func TestFrameJSONCarriesDiagnosisFields(t *testing.T) {
	m := &store.Message{
		ID:   "m1",
		Role: store.RoleSystemEvent,
		Content: store.DiagnosisContent(store.DiagnosisEvent{
			Class: "Corn__Common_Rust", ClassTr: "Mısır - Pas (yaygın pas)", Confidence: 0.5, ImageRef: "uploads/a.jpg",
		}),
	}
	data, err := json.Marshal(NewMessageFrame("t1", m))
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "message", out["type"])
	assert.Equal(t, "t1", out["thread_id"])
	msg := out["message"].(map[string]any)
	assert.Equal(t, "Corn__Common_Rust", msg["class"])
	assert.Equal(t, "uploads/a.jpg", msg["imageRef"])
	assert.Equal(t, "diagnosis", msg["content"].(map[string]any)["type"])
	assert.NotContains(t, out, "title")
}
