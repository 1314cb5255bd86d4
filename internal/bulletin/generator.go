package bulletin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/rs/zerolog"

	"github.com/lox/outbreakcast/internal/risk"
)

const DefaultModel = openai.ChatModelGPT4oMini

const systemPrompt = `You write short public-health bulletins for regional health officers.
Use only the figures you are given. Do not speculate about causes.
Write plain text with no markdown, at most 200 words.`

// Generator drafts bulletin text with an OpenAI chat model.
type Generator struct {
	client openai.Client
	model  string
	log    zerolog.Logger
}

// NewGenerator returns a generator using apiKey. Extra request options are
// applied to every call.
func NewGenerator(apiKey, model string, log zerolog.Logger, opts ...option.RequestOption) (*Generator, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key not set")
	}
	if model == "" {
		model = DefaultModel
	}
	client := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &Generator{client: client, model: model, log: log.With().Str("component", "bulletin").Logger()}, nil
}

// Prompt lists the alerts for the model.
func Prompt(alerts []risk.Alert, horizon int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Outbreak risk alerts for the next %d days, highest risk first:\n", horizon)
	for _, a := range alerts {
		fmt.Fprintf(&b, "- %s: %.1f%% probability (%s risk, %s model)\n", a.Region, a.Probability*100, a.Level, a.Model)
	}
	b.WriteString("Draft a bulletin naming each region, its probability and a recommended level of vigilance.")
	return b.String()
}

// Draft asks the model for bulletin text covering alerts.
func (g *Generator) Draft(ctx context.Context, alerts []risk.Alert, horizon int) (string, error) {
	g.log.Debug().Int("alerts", len(alerts)).Str("model", g.model).Msg("drafting bulletin")

	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: g.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(Prompt(alerts, horizon)),
		},
		Temperature:         openai.Float(0.2),
		MaxCompletionTokens: openai.Int(400),
	})
	if err != nil {
		return "", fmt.Errorf("bulletin completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no completion choices returned")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("empty completion returned")
	}
	return text, nil
}
