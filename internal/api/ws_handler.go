package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"plantly.app/plantly-server/internal/auth"
	"plantly.app/plantly-server/internal/config"
	"plantly.app/plantly-server/internal/core"
	"plantly.app/plantly-server/internal/hub"
	"plantly.app/plantly-server/internal/logging"
	"plantly.app/plantly-server/internal/metrics"
)

// Application close codes sent before the session is bound.
const (
	CloseUnauthorized   = 4401
	CloseThreadNotFound = 4404
)

const (
	FrameInit        = "init"
	FrameThreadReady = "thread_ready"
	FrameUserText    = "user_text"
	FrameDiagnosis   = "diagnosis"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameError       = "error"
)

const closeDrainTimeout = 2 * time.Second

// InitFrame is the first frame a client must send.
type InitFrame struct {
	Type      string `json:"type"`
	IDToken   string `json:"idToken"`
	ThreadID  string `json:"thread_id,omitempty"`
	NewThread bool   `json:"new_thread,omitempty"`
	Title     string `json:"title,omitempty"`
}

// InboundFrame covers every frame accepted once the session is bound.
type InboundFrame struct {
	Type       string  `json:"type"`
	Text       string  `json:"text,omitempty"`
	Class      string  `json:"class,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	ImageRef   string  `json:"image_ref,omitempty"`
	PlantID    string  `json:"plant_id,omitempty"`
	AutoReply  bool    `json:"auto_reply,omitempty"`
}

type ThreadReadyFrame struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
}

type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func newErrorFrame(msg string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Error: msg}
}

// Rooms is the registry surface the session needs.
type Rooms interface {
	Register(threadID string, h hub.Handle)
	Unregister(threadID string, h hub.Handle)
}

// WSHandler runs one chat session per WebSocket: a single init frame
// authenticates and binds a thread, then frames are handled in order until
// the transport goes away.
type WSHandler struct {
	chatService *core.ChatService
	verifier    auth.Verifier
	rooms       Rooms
	cfg         config.WebSocketConfig
	upgrader    websocket.Upgrader
}

func NewWSHandler(cs *core.ChatService, verifier auth.Verifier, rooms Rooms, cfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		chatService: cs,
		verifier:    verifier,
		rooms:       rooms,
		cfg:         cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l := logging.Ctx(r.Context())
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(uuid.NewString(), conn, h.cfg)
	go client.WritePump()

	ctx := logging.WithLogger(r.Context(),
		logging.Ctx(r.Context()).With().Str(logging.FieldConnID, client.ID).Logger())
	h.run(ctx, client)
}

func (h *WSHandler) run(ctx context.Context, client *hub.Client) {
	l := logging.Ctx(ctx)

	userID, threadID, ok := h.handshake(ctx, client)
	if !ok {
		select {
		case <-client.Done():
		case <-time.After(closeDrainTimeout):
		}
		return
	}

	l = l.With().Str(logging.FieldUserID, userID).Str(logging.FieldThreadID, threadID).Logger()
	ctx = logging.WithLogger(ctx, l)

	// Queued before joining the room so no broadcast can overtake it.
	h.reply(ctx, client, ThreadReadyFrame{Type: FrameThreadReady, ThreadID: threadID})

	h.rooms.Register(threadID, client)
	metrics.WSConnections.Inc()
	defer func() {
		h.rooms.Unregister(threadID, client)
		metrics.WSConnections.Dec()
		client.Close()
		l.Info().Msg("websocket session closed")
	}()
	l.Info().Msg("websocket session bound")

	err := client.ReadPump(func(data []byte) {
		if out := h.dispatch(ctx, userID, threadID, data); out != nil {
			h.reply(ctx, client, out)
		}
	})
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		l.Debug().Err(err).Msg("websocket read ended")
	}
}

// handshake reads the init frame and resolves identity and thread. On
// failure the client has already been told why with a close code.
func (h *WSHandler) handshake(ctx context.Context, client *hub.Client) (userID, threadID string, ok bool) {
	l := logging.Ctx(ctx)

	data, err := client.ReadFrame(h.cfg.PongWait)
	if err != nil {
		client.CloseWith(websocket.CloseProtocolError, "init frame expected")
		return "", "", false
	}
	var init InitFrame
	if err := json.Unmarshal(data, &init); err != nil || init.Type != FrameInit {
		client.CloseWith(websocket.CloseProtocolError, "init frame expected")
		return "", "", false
	}

	token := strings.TrimSpace(init.IDToken)
	if token == "" {
		client.CloseWith(CloseUnauthorized, "missing token")
		return "", "", false
	}
	userID, err = h.verifier.Verify(ctx, token)
	if err != nil {
		l.Debug().Err(err).Msg("websocket token rejected")
		client.CloseWith(CloseUnauthorized, "invalid token")
		return "", "", false
	}

	thread, err := h.chatService.BindThread(ctx, userID, core.BindRequest{
		ThreadID:  strings.TrimSpace(init.ThreadID),
		NewThread: init.NewThread,
		Title:     init.Title,
	})
	if err != nil {
		if errors.Is(err, core.ErrThreadNotFound) {
			client.CloseWith(CloseThreadNotFound, "thread not found")
			return "", "", false
		}
		l.Error().Err(err).Str(logging.FieldUserID, userID).Msg("failed to bind thread")
		client.CloseWith(websocket.CloseInternalServerErr, "thread binding failed")
		return "", "", false
	}
	return userID, thread.ID, true
}

// dispatch handles one bound-session frame and returns the frame to send
// back to the sender, if any. Room broadcasts happen inside the service.
func (h *WSHandler) dispatch(ctx context.Context, userID, threadID string, data []byte) any {
	l := logging.Ctx(ctx)

	var in InboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		return newErrorFrame("Invalid JSON")
	}

	switch in.Type {
	case FrameUserText:
		if _, err := h.chatService.HandleUserText(ctx, userID, threadID, in.Text); err != nil {
			l.Error().Err(err).Msg("user_text failed")
			return newErrorFrame("Failed to process message")
		}
		return nil

	case FrameDiagnosis:
		if strings.TrimSpace(in.Class) == "" {
			return newErrorFrame("class is required")
		}
		_, err := h.chatService.HandleDiagnosis(ctx, userID, threadID, core.DiagnosisInput{
			Class:      strings.TrimSpace(in.Class),
			Confidence: in.Confidence,
			ImageRef:   in.ImageRef,
			PlantID:    in.PlantID,
			AutoReply:  in.AutoReply,
		})
		if err != nil {
			l.Error().Err(err).Msg("diagnosis failed")
			return newErrorFrame("Failed to process diagnosis")
		}
		return nil

	case FramePing:
		return map[string]string{"type": FramePong}

	default:
		return newErrorFrame("Unknown message type")
	}
}

func (h *WSHandler) reply(ctx context.Context, client *hub.Client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		l := logging.Ctx(ctx)
		l.Error().Err(err).Msg("failed to encode frame")
		return
	}
	if err := client.Send(data); err != nil {
		l := logging.Ctx(ctx)
		l.Debug().Err(err).Msg("failed to queue frame")
	}
}
