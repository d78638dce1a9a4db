// Package answer turns retrieved contexts into natural-language answers
// and raw text into structured facts, via a chat completion model.
package answer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/recalld/internal/answer")

var (
	// ErrInvalidInput indicates missing or empty generator input.
	ErrInvalidInput = errors.New("invalid generator input")

	// ErrGenerationFailed indicates the model call failed.
	ErrGenerationFailed = errors.New("generation failed")

	// ErrMalformedResponse indicates the model returned output that could
	// not be parsed.
	ErrMalformedResponse = errors.New("malformed model response")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Turn is one prior exchange in a conversation.
type Turn struct {
	Role    string
	Content string
}

// AnswerRequest carries everything needed to answer one question.
type AnswerRequest struct {
	// Name is the subject the stored contexts are about.
	Name string

	// Question is the user's current question.
	Question string

	// Turns is the prior conversation, oldest first.
	Turns []Turn

	// Contexts are timestamp-prefixed memories in chronological order.
	// Empty means the model should answer from general knowledge.
	Contexts []string
}

// Extraction is a structured fact pulled out of free text.
type Extraction struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Action classifies what the user wants done with a piece of text.
type Action string

const (
	// ActionAsk means the text is a question to answer.
	ActionAsk Action = "ask"

	// ActionSave means the text is information to store.
	ActionSave Action = "save"
)

// Generator produces answers and extractions from text.
type Generator interface {
	// Answer responds to a question grounded on the request contexts.
	Answer(ctx context.Context, req AnswerRequest) (string, error)

	// Extract identifies the main person and summary in free text.
	Extract(ctx context.Context, text string) (Extraction, error)

	// Summarize condenses free text into a short factual summary.
	Summarize(ctx context.Context, text string) (string, error)

	// ClassifyAction decides whether text asks or saves. On an
	// ambiguous or malformed model response it returns ActionAsk.
	ClassifyAction(ctx context.Context, text string) (Action, error)
}

// Config holds configuration for the LLM generator.
type Config struct {
	// BaseURL is the OpenAI-compatible chat endpoint.
	BaseURL string

	// Model is the chat model name.
	Model string

	// APIKey authenticates against the endpoint.
	APIKey string
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	return nil
}

// LLM is a Generator backed by a langchaingo chat model.
type LLM struct {
	model  llms.Model
	logger *zap.Logger
}

var _ Generator = (*LLM)(nil)

// NewLLM creates a generator against an OpenAI-compatible endpoint.
func NewLLM(cfg Config, logger *zap.Logger) (*LLM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "placeholder"
	}

	model, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating chat client: %w", err)
	}
	return &LLM{model: model, logger: logger}, nil
}

// NewLLMWithModel wraps an existing langchaingo model.
func NewLLMWithModel(model llms.Model, logger *zap.Logger) *LLM {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLM{model: model, logger: logger}
}

const answerInstructions = `You are a knowledgeable assistant helping recall information about people from the user's personal memories.

Instructions:
- These memories are direct interactions between the user and the person in question
- When you see "I" in any memory, it refers to the user asking the questions
- Each memory is prefixed with a timestamp in [YYYY-MM-DD HH:MM:SS] format
- When answering questions about timing or sequence of events, use these timestamps
- Base your answers primarily on the user's interactions with this person
- If there is not enough information in the memories:
    - Use your general knowledge to provide a helpful response
    - Make it clear when you go beyond the user's personal interactions
    - Never make up specific facts about the user's relationship with this person
- Provide direct answers without:
    - Explaining why you know something
    - Mentioning what information was or was not provided
    - Prefacing answers with phrases like "Based on the content..."
    - Adding unnecessary qualifiers`

const memoryContextTemplate = `Current context for %s:
Today's date is: %s

My memories about %s (in chronological order):
%s`

const noContextTemplate = `Current context for %s:
Today's date is: %s

There are no stored memories about %s. Answer from general knowledge and say so.`

// Answer responds to the question, grounded on the request contexts.
func (l *LLM) Answer(ctx context.Context, req AnswerRequest) (string, error) {
	ctx, span := tracer.Start(ctx, "LLM.Answer")
	defer span.End()
	span.SetAttributes(
		attribute.Int("contexts", len(req.Contexts)),
		attribute.Int("turns", len(req.Turns)),
	)

	if strings.TrimSpace(req.Question) == "" {
		err := fmt.Errorf("%w: question required", ErrInvalidInput)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if req.Name == "" {
		err := fmt.Errorf("%w: name required", ErrInvalidInput)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	today := time.Now().UTC().Format("January 2, 2006")
	var contextBlock string
	if len(req.Contexts) == 0 {
		contextBlock = fmt.Sprintf(noContextTemplate, req.Name, today, req.Name)
	} else {
		contextBlock = fmt.Sprintf(memoryContextTemplate,
			req.Name, today, req.Name, strings.Join(req.Contexts, "\n"))
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, answerInstructions),
		llms.TextParts(llms.ChatMessageTypeSystem, contextBlock),
	}
	for _, turn := range req.Turns {
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		role := llms.ChatMessageTypeHuman
		if strings.EqualFold(turn.Role, "assistant") || strings.EqualFold(turn.Role, "ai") {
			role = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.TextParts(role, turn.Content))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.Question))

	resp, err := l.model.GenerateContent(ctx, messages, llms.WithTemperature(1.0))
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrGenerationFailed, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	text := firstChoice(resp)
	if text == "" {
		err := fmt.Errorf("%w: empty answer", ErrMalformedResponse)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	span.SetStatus(codes.Ok, "success")
	return text, nil
}

const extractPrompt = `You are a personal CRM assistant. From the following interaction, identify the main person and what happened.

Interaction: %s

Respond ONLY with a JSON object in this format:
{ "content": "A concise summary focusing on what happened with this person",
  "name": "The person's full name" }

Rules:
- If multiple people are mentioned, focus on the most significant person
- Extract the most complete version of their name
- The content should be a brief, clear summary (aim for 1-2 lines)
- Include key facts but omit unnecessary details
- Return ONLY the JSON, no other text
- Do not include markdown formatting or code blocks`

// Extract identifies the main person in the text and summarizes what
// happened with them.
func (l *LLM) Extract(ctx context.Context, text string) (Extraction, error) {
	ctx, span := tracer.Start(ctx, "LLM.Extract")
	defer span.End()

	if strings.TrimSpace(text) == "" {
		err := fmt.Errorf("%w: text required", ErrInvalidInput)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Extraction{}, err
	}

	raw, err := l.generate(ctx, fmt.Sprintf(extractPrompt, text), 0)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Extraction{}, err
	}

	var out Extraction
	if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil {
		err = fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Extraction{}, err
	}
	if out.Name == "" || out.Content == "" {
		err := fmt.Errorf("%w: missing name or content", ErrMalformedResponse)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Extraction{}, err
	}

	span.SetStatus(codes.Ok, "success")
	return out, nil
}

const summarizePrompt = `You are a personal CRM assistant. Summarize the following interaction in a clear, concise way.

Interaction: %s

Rules:
- Keep the summary brief but include all key information
- Focus on facts and events
- Maintain the original meaning and sentiment
- Use clear, direct language
- Return ONLY the summary text, no other text or formatting`

// Summarize condenses the text into a short factual summary.
func (l *LLM) Summarize(ctx context.Context, text string) (string, error) {
	ctx, span := tracer.Start(ctx, "LLM.Summarize")
	defer span.End()

	if strings.TrimSpace(text) == "" {
		err := fmt.Errorf("%w: text required", ErrInvalidInput)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	raw, err := l.generate(ctx, fmt.Sprintf(summarizePrompt, text), 0)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	span.SetStatus(codes.Ok, "success")
	return stripFences(raw), nil
}

const classifyPrompt = `You are a personal CRM assistant. Determine if the following text is asking a question about someone (ask) or providing new information to save about someone (save).

Text: %s

Rules:
- "ask" = the text is asking for information or posing a question
- "save" = the text is providing new information or describing an interaction
- When in doubt, default to "ask"
- Ignore any mentions of "save" or "ask" in the text itself, judge the intent

Respond with a JSON object in this EXACT format, nothing else:
{"action": "ask"} or {"action": "save"}`

// ClassifyAction decides whether the text asks a question or saves new
// information. Malformed model output defaults to ActionAsk.
func (l *LLM) ClassifyAction(ctx context.Context, text string) (Action, error) {
	ctx, span := tracer.Start(ctx, "LLM.ClassifyAction")
	defer span.End()

	if strings.TrimSpace(text) == "" {
		err := fmt.Errorf("%w: text required", ErrInvalidInput)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	raw, err := l.generate(ctx, fmt.Sprintf(classifyPrompt, text), 0)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	var out struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil || (out.Action != string(ActionAsk) && out.Action != string(ActionSave)) {
		l.logger.Warn("unparseable action classification, defaulting to ask",
			zap.String("response", raw),
		)
		span.SetStatus(codes.Ok, "defaulted to ask")
		return ActionAsk, nil
	}

	span.SetAttributes(attribute.String("action", out.Action))
	span.SetStatus(codes.Ok, "success")
	return Action(out.Action), nil
}

func (l *LLM) generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	resp, err := l.model.GenerateContent(ctx,
		[]llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)},
		llms.WithTemperature(temperature),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	text := firstChoice(resp)
	if text == "" {
		return "", fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}
	return text, nil
}

func firstChoice(resp *llms.ContentResponse) string {
	if resp == nil || len(resp.Choices) == 0 {
		return ""
	}
	return strings.TrimSpace(resp.Choices[0].Content)
}

// stripFences removes a surrounding markdown code fence, with or without
// a json language tag, which some models emit despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
