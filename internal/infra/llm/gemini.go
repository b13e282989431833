package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// ErrEmptyResponse is returned when the model produces no text.
var ErrEmptyResponse = errors.New("no response from gemini")

// GeminiExtractor implements Extractor with a Gemini model in JSON mode.
type GeminiExtractor struct {
	client *genai.Client
	model  *genai.GenerativeModel
	loc    *time.Location
	now    func() time.Time
}

// NewGeminiExtractor creates a Gemini-backed extractor. loc is the business
// timezone used to anchor relative dates in prompts.
func NewGeminiExtractor(ctx context.Context, apiKey, modelName string, loc *time.Location) (*GeminiExtractor, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.ResponseMIMEType = "application/json"
	model.SetTemperature(0)
	model.SystemInstruction = genai.NewUserContent(genai.Text(
		"You help a scheduling assistant understand what a visitor said. " +
			"Answer only with the JSON object requested, never with prose."))

	if loc == nil {
		loc = time.UTC
	}
	return &GeminiExtractor{client: client, model: model, loc: loc, now: time.Now}, nil
}

// ClassifyIntent asks whether utterance expresses intent.
func (g *GeminiExtractor) ClassifyIntent(ctx context.Context, utterance string, intent Intent) (bool, error) {
	var question string
	switch intent {
	case IntentBookMeeting:
		question = "Does the visitor want to book, schedule or arrange a meeting or call?"
	case IntentAffirm:
		question = "Is the visitor agreeing or confirming (yes) rather than declining or asking for a change (no)?"
	default:
		question = fmt.Sprintf("Does the message express the intent %q?", string(intent))
	}

	prompt := fmt.Sprintf("%s\nMessage: %q\nRespond as {\"match\": true} or {\"match\": false}.", question, utterance)
	text, err := g.generate(ctx, prompt)
	if err != nil {
		return false, err
	}

	var out struct {
		Match bool `json:"match"`
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return false, fmt.Errorf("parse intent response: %w", err)
	}
	return out.Match, nil
}

// ExtractFields asks the model for booking fields found in utterance.
func (g *GeminiExtractor) ExtractFields(ctx context.Context, utterance string, current map[string]string) (map[string]string, error) {
	known, _ := json.Marshal(current)
	now := g.now().In(g.loc)

	prompt := fmt.Sprintf(`Extract booking details from the message.
Current time: %s (%s).
Already known: %s
Message: %q
Respond with a JSON object using only these keys when the message states them:
"name", "email", "organization", "inquiry",
"start_time" (RFC 3339 with offset, only if both a day and a time are stated),
"duration" (whole minutes as a number string).
Omit keys the message does not state.`,
		now.Format(time.RFC3339), now.Weekday(), known, utterance)

	text, err := g.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("parse extraction response: %w", err)
	}

	out := make(map[string]string)
	for _, key := range Fields {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		if s != "" {
			out[key] = s
		}
	}
	return out, nil
}

func (g *GeminiExtractor) generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini generate error: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrEmptyResponse
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if textPart, ok := part.(genai.Text); ok {
			sb.WriteString(string(textPart))
		}
	}
	if sb.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return stripFences(sb.String()), nil
}

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// Close releases the underlying client.
func (g *GeminiExtractor) Close() error {
	return g.client.Close()
}
