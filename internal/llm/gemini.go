package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const (
	geminiUserRole  = "user"
	geminiModelRole = "model"

	// Sent when the conversation does not end on a user turn.
	continuePrompt = "Yukarıdaki konuşmaya göre yanıt ver."
)

type GeminiClient struct {
	client       *genai.Client
	defaultModel string
}

func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiClient{client: client, defaultModel: model}, nil
}

func (c *GeminiClient) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *GeminiClient) Complete(ctx context.Context, req Request) (string, error) {
	system, turns := toGeminiContents(req.Messages)
	if len(turns) == 0 {
		return "", ErrEmptyRequest
	}

	name := req.Model
	if name == "" {
		name = c.defaultModel
	}
	model := c.client.GenerativeModel(name)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	model.SetTemperature(req.Temperature)
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(req.MaxTokens)
	}
	if req.JSON {
		model.ResponseMIMEType = "application/json"
	}

	chatSession := model.StartChat()
	last := turns[len(turns)-1]
	chatSession.History = turns[:len(turns)-1]

	resp, err := chatSession.SendMessage(ctx, last.Parts...)
	if err != nil {
		return "", fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(responseText.String()), nil
}

// toGeminiContents maps chat messages onto Gemini's two-role history.
// Leading system messages become the system instruction; later ones are sent
// as user-role notes. Adjacent turns of the same role are merged and the
// result always ends on a user turn.
func toGeminiContents(msgs []Message) (string, []*genai.Content) {
	var system []string
	i := 0
	for ; i < len(msgs) && msgs[i].Role == RoleSystem; i++ {
		if s := strings.TrimSpace(msgs[i].Content); s != "" {
			system = append(system, s)
		}
	}

	var turns []*genai.Content
	for _, m := range msgs[i:] {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := geminiUserRole
		if m.Role == RoleAssistant {
			role = geminiModelRole
		}
		if n := len(turns); n > 0 && turns[n-1].Role == role {
			turns[n-1].Parts = append(turns[n-1].Parts, genai.Text(m.Content))
			continue
		}
		turns = append(turns, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}

	if n := len(turns); n > 0 && turns[n-1].Role != geminiUserRole {
		turns = append(turns, &genai.Content{Role: geminiUserRole, Parts: []genai.Part{genai.Text(continuePrompt)}})
	}
	return strings.Join(system, "\n\n"), turns
}
