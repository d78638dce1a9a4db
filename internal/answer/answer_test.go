package answer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
)

// scriptedModel returns canned responses and records the messages it saw.
type scriptedModel struct {
	response string
	err      error
	messages []llms.MessageContent
}

func (s *scriptedModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	s.messages = messages
	if s.err != nil {
		return nil, s.err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: s.response}},
	}, nil
}

func (s *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	resp, err := s.GenerateContent(ctx, []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)}, options...)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

func newTestLLM(response string) (*LLM, *scriptedModel) {
	model := &scriptedModel{response: response}
	return NewLLMWithModel(model, zap.NewNop()), model
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{BaseURL: "http://localhost/v1", Model: "m"}.Validate())
	assert.ErrorIs(t, Config{Model: "m"}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Config{BaseURL: "http://localhost/v1"}.Validate(), ErrInvalidConfig)
}

func TestAnswerBuildsContextBlock(t *testing.T) {
	llm, model := newTestLLM("She works at Globex.")

	got, err := llm.Answer(context.Background(), AnswerRequest{
		Name:     "Jordan Reyes",
		Question: "Where does Jordan work?",
		Contexts: []string{"[2024-01-01 10:00:00] Jordan started at Globex."},
	})
	require.NoError(t, err)
	assert.Equal(t, "She works at Globex.", got)

	// System instructions, context block, then the question.
	require.Len(t, model.messages, 3)
	contextBlock := model.messages[1].Parts[0].(llms.TextContent).Text
	assert.Contains(t, contextBlock, "Jordan Reyes")
	assert.Contains(t, contextBlock, "Jordan started at Globex.")
	question := model.messages[2].Parts[0].(llms.TextContent).Text
	assert.Equal(t, "Where does Jordan work?", question)
}

func TestAnswerWithoutContexts(t *testing.T) {
	llm, model := newTestLLM("I do not have personal memories about them.")

	_, err := llm.Answer(context.Background(), AnswerRequest{
		Name:     "Jordan Reyes",
		Question: "Who is Jordan?",
	})
	require.NoError(t, err)

	contextBlock := model.messages[1].Parts[0].(llms.TextContent).Text
	assert.Contains(t, contextBlock, "no stored memories")
}

func TestAnswerIncludesTurns(t *testing.T) {
	llm, model := newTestLLM("ok")

	_, err := llm.Answer(context.Background(), AnswerRequest{
		Name:     "Jordan",
		Question: "And now?",
		Turns: []Turn{
			{Role: "user", Content: "Where does Jordan work?"},
			{Role: "assistant", Content: "At Globex."},
			{Role: "user", Content: "   "},
		},
	})
	require.NoError(t, err)

	// Blank turns are skipped: 2 system + 2 turns + question.
	require.Len(t, model.messages, 5)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.messages[2].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, model.messages[3].Role)
}

func TestAnswerValidatesInput(t *testing.T) {
	llm, _ := newTestLLM("x")

	_, err := llm.Answer(context.Background(), AnswerRequest{Name: "Jordan"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = llm.Answer(context.Background(), AnswerRequest{Question: "who?"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAnswerWrapsModelFailure(t *testing.T) {
	llm, model := newTestLLM("")
	model.err = errors.New("upstream 500")

	_, err := llm.Answer(context.Background(), AnswerRequest{Name: "J", Question: "q"})
	assert.ErrorIs(t, err, ErrGenerationFailed)
}

func TestExtract(t *testing.T) {
	llm, _ := newTestLLM(`{"name": "Alex Zhang", "content": "Met for coffee. Discussed his promotion."}`)

	got, err := llm.Extract(context.Background(), "Had coffee with Alex Zhang this morning.")
	require.NoError(t, err)
	assert.Equal(t, "Alex Zhang", got.Name)
	assert.Equal(t, "Met for coffee. Discussed his promotion.", got.Content)
}

func TestExtractStripsCodeFences(t *testing.T) {
	llm, _ := newTestLLM("```json\n{\"name\": \"Alex Zhang\", \"content\": \"Met for coffee.\"}\n```")

	got, err := llm.Extract(context.Background(), "Had coffee with Alex Zhang.")
	require.NoError(t, err)
	assert.Equal(t, "Alex Zhang", got.Name)
}

func TestExtractRejectsIncompleteJSON(t *testing.T) {
	llm, _ := newTestLLM(`{"name": "", "content": "something"}`)

	_, err := llm.Extract(context.Background(), "text")
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestExtractRejectsNonJSON(t *testing.T) {
	llm, _ := newTestLLM("I could not find a person in that text.")

	_, err := llm.Extract(context.Background(), "text")
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestSummarize(t *testing.T) {
	llm, _ := newTestLLM("Met Alex for coffee.")

	got, err := llm.Summarize(context.Background(), "Long interaction text.")
	require.NoError(t, err)
	assert.Equal(t, "Met Alex for coffee.", got)
}

func TestClassifyAction(t *testing.T) {
	llm, _ := newTestLLM(`{"action": "save"}`)
	got, err := llm.ClassifyAction(context.Background(), "Met Alex today.")
	require.NoError(t, err)
	assert.Equal(t, ActionSave, got)

	llm, _ = newTestLLM(`{"action": "ask"}`)
	got, err = llm.ClassifyAction(context.Background(), "Where does Alex work?")
	require.NoError(t, err)
	assert.Equal(t, ActionAsk, got)
}

func TestClassifyActionDefaultsToAsk(t *testing.T) {
	llm, _ := newTestLLM("definitely a save, trust me")

	got, err := llm.ClassifyAction(context.Background(), "Met Alex today.")
	require.NoError(t, err)
	assert.Equal(t, ActionAsk, got)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences(`{"a":1}`))
}
