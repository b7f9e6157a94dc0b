// Package extract turns a chat transcript into durable memories and a
// profile update by prompting an OpenAI-compatible model (a local Ollama
// endpoint by default).
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/neboloop/ambient/internal/config"
	"github.com/neboloop/ambient/internal/memory"
	"github.com/neboloop/ambient/internal/queue"
)

// Result is everything one extraction run produced.
type Result struct {
	Entries []memory.Entry
	Profile *memory.Profile
}

// Service is the extraction collaborator consumed by the worker. The LLM
// implementation below is the production one; tests substitute fakes.
type Service interface {
	Extract(ctx context.Context, userID string, messages []queue.Message) (*Result, error)
}

// ErrUnavailable signals that the extraction backend could not be reached.
// The worker treats this as a transient failure: the item is marked failed
// and a later organic re-enqueue retries on a fresh item.
var ErrUnavailable = errors.New("extraction backend unavailable")

const extractPrompt = `Analyze the following conversation and identify durable facts about the user worth remembering long-term.

Return a JSON object with two fields:

1. "memories" - an array of facts, each with:
   - "content": the fact itself, one sentence
   - "type": one of "fact" (stable personal facts), "preference" (likes, dislikes, choices), "pattern" (recurring behavior or communication habits)
   - "importance": 0.0 to 1.0, how valuable this is for future conversations
   - "keywords": short lowercase tags for retrieval

2. "profile" - the user profile implied by this conversation:
   - "communication_style": one short phrase
   - "interests": array of topics the user engages with
   - "expertise": array of areas the user knows well
   - "traits": array of personality observations
   - "preferences": object of key/value preference pairs

Skip greetings, small talk, and anything time-sensitive. Only include signals that are clear from the conversation. If there is nothing worth keeping, return {"memories": [], "profile": null}.

Conversation:
%s

Respond ONLY with valid JSON, no other text.`

// LLMExtractor implements Service against any OpenAI-compatible chat API.
type LLMExtractor struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewLLMExtractor builds the production extractor from config.
func NewLLMExtractor(cfg config.Extraction) *LLMExtractor {
	cc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		cc.BaseURL = cfg.BaseURL
	}
	return &LLMExtractor{
		client:    openai.NewClientWithConfig(cc),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

// Extract prompts the model with the transcript and parses the response.
// The completion is streamed so cancellation takes effect between chunks
// rather than blocking for the whole generation.
func (e *LLMExtractor) Extract(ctx context.Context, userID string, messages []queue.Message) (*Result, error) {
	if len(messages) == 0 {
		return &Result{}, nil
	}

	var conv strings.Builder
	for _, msg := range messages {
		if msg.Content != "" {
			fmt.Fprintf(&conv, "[%s]: %s\n\n", msg.Role, msg.Content)
		}
	}

	stream, err := e.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(extractPrompt, conv.String())},
		},
	})
	if err != nil {
		return nil, classify(err)
	}
	defer stream.Close()

	var out strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, classify(err)
		}
		for _, choice := range chunk.Choices {
			out.WriteString(choice.Delta.Content)
		}
	}

	return parseResponse(userID, out.String())
}

// classify wraps connection-level failures as ErrUnavailable so the worker
// can tell "backend down" apart from "model produced garbage".
func classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode >= 500 {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if strings.Contains(err.Error(), "connection refused") {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

type rawResult struct {
	Memories []struct {
		Content    string   `json:"content"`
		Type       string   `json:"type"`
		Importance float64  `json:"importance"`
		Keywords   []string `json:"keywords"`
	} `json:"memories"`
	Profile *struct {
		CommunicationStyle string            `json:"communication_style"`
		Interests          []string          `json:"interests"`
		Expertise          []string          `json:"expertise"`
		Traits             []string          `json:"traits"`
		Preferences        map[string]string `json:"preferences"`
	} `json:"profile"`
}

// parseResponse extracts the first JSON object from the model output,
// tolerating markdown code fences and surrounding prose. An empty or
// prose-only response means there was nothing worth keeping.
func parseResponse(userID, text string) (*Result, error) {
	text = extractJSONObject(text)
	if text == "" {
		return &Result{}, nil
	}

	var raw rawResult
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("parse extraction response: %w", err)
	}

	res := &Result{}
	for _, m := range raw.Memories {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		typ := memory.EntryType(m.Type)
		switch typ {
		case memory.TypeFact, memory.TypePreference, memory.TypePattern:
		default:
			typ = memory.TypeFact
		}
		importance := m.Importance
		if importance < 0 {
			importance = 0
		}
		if importance > 1 {
			importance = 1
		}
		res.Entries = append(res.Entries, memory.Entry{
			UserID:     userID,
			Content:    strings.TrimSpace(m.Content),
			Type:       typ,
			Importance: importance,
			Keywords:   m.Keywords,
		})
	}
	if raw.Profile != nil {
		res.Profile = &memory.Profile{
			UserID:             userID,
			CommunicationStyle: raw.Profile.CommunicationStyle,
			Interests:          raw.Profile.Interests,
			Expertise:          raw.Profile.Expertise,
			Traits:             raw.Profile.Traits,
			Preferences:        raw.Profile.Preferences,
		}
	}
	return res, nil
}

// extractJSONObject strips code fences and returns the first balanced JSON
// object in the text, or "" when there is none.
func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	// Strip markdown code fences (```json ... ``` or ``` ... ```).
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx != -1 {
			text = text[idx+1:]
		}
		if idx := strings.LastIndex(text, "```"); idx != -1 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	text = strings.Trim(text, "`")

	start := strings.Index(text, "{")
	if start < 0 {
		// Prose instead of JSON ("nothing to extract here").
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
