// Package mtopenai adapts OpenAI chat completions to translate.MTProvider,
// translating one committed segment at a time with a terse
// translator-only system prompt.
package mtopenai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/antoniostano/voxbridge/internal/translate"
)

// Provider implements translate.MTProvider using the OpenAI chat
// completions API.
type Provider struct {
	client      oai.Client
	model       string
	temperature float64
}

var _ translate.MTProvider = (*Provider)(nil)

// Option configures optional Provider behavior.
type Option func(*config)

type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	temperature  float64
}

// WithBaseURL overrides the OpenAI API base URL, for OpenAI-compatible
// gateways.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) { c.organization = org }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithTemperature overrides the sampling temperature; translation defaults
// to 0.2 for determinism.
func WithTemperature(t float64) Option {
	return func(c *config) { c.temperature = t }
}

// New constructs a translation Provider for the given model (e.g.
// "gpt-4o-mini").
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("mtopenai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("mtopenai: model must not be empty")
	}

	cfg := &config{temperature: 0.2}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	} else {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: 15 * time.Second}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model, temperature: cfg.temperature}, nil
}

// Translate sends one committed segment to the model with a system prompt
// that pins source/target languages and forbids commentary, so the
// response is the bare translation with no wrapper text.
func (p *Provider) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}

	systemPrompt := fmt.Sprintf(
		"You are a real-time speech translation engine. Translate the user's "+
			"utterance from %s to %s. Output only the translation, with no "+
			"quotation marks, explanations, or language labels. Preserve the "+
			"speaker's register and keep filler words to a minimum since this "+
			"text will be spoken aloud.",
		languageName(sourceLang), languageName(targetLang),
	)

	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt),
			oai.UserMessage(text),
		},
		Temperature: param.NewOpt(p.temperature),
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("mtopenai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("mtopenai: empty choices in response")
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// languageName maps a BCP-47-ish code to a human-readable name for the
// prompt; unknown codes are passed through verbatim since the model
// understands ISO codes directly too.
func languageName(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if name, ok := languageNames[code]; ok {
		return name
	}
	if code == "" {
		return "the source language"
	}
	return code
}

var languageNames = map[string]string{
	"en": "English",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"it": "Italian",
	"pt": "Portuguese",
	"nl": "Dutch",
	"ru": "Russian",
	"zh": "Chinese",
	"ja": "Japanese",
	"ko": "Korean",
	"ar": "Arabic",
	"hi": "Hindi",
}
