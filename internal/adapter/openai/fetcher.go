// Package openai implements the fetcher port with an OpenAI-compatible chat
// completion model asked for a JSON answer.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/Strob0t/ratekeeper/internal/config"
	"github.com/Strob0t/ratekeeper/internal/domain/taxrate"
	"github.com/Strob0t/ratekeeper/internal/resilience"
)

var errEmptyAnswer = errors.New("model returned no choices")

// Fetcher asks the model for a parameter set and validates the answer.
type Fetcher struct {
	client    *goopenai.Client
	model     string
	maxTokens int
	timeout   time.Duration
	breaker   *resilience.Breaker
	log       *slog.Logger
}

// New creates a Fetcher. A non-empty BaseURL points the client at any
// OpenAI-compatible endpoint. breaker may be nil.
func New(cfg config.OpenAI, breaker *resilience.Breaker, log *slog.Logger) *Fetcher {
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Fetcher{
		client:    goopenai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
		breaker:   breaker,
		log:       log.With("component", "fetcher"),
	}
}

// Fetch implements fetcher.Fetcher. It never panics and never returns an
// error value.
func (f *Fetcher) Fetch(ctx context.Context, kind taxrate.Kind, scope string) (res taxrate.Lookup) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("fetch panicked", "kind", kind, "scope", scope, "panic", r)
			res = taxrate.Unavailable(fmt.Errorf("fetch panicked: %v", r))
		}
	}()

	p, ok := promptFor(kind, scope, f.maxTokens)
	if !ok {
		return taxrate.Unavailable(fmt.Errorf("fetch %q: %w", kind, taxrate.ErrUnknownKind))
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var content string
	call := func(ctx context.Context) error {
		var err error
		content, err = f.complete(ctx, p)
		return err
	}
	var err error
	if f.breaker != nil {
		err = f.breaker.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		f.log.Warn("model unavailable", "kind", kind, "scope", scope, "error", err)
		return taxrate.Unavailable(err)
	}

	set, err := taxrate.Parse(kind, scope, []byte(stripFence(content)))
	if err != nil {
		f.log.Warn("model answer rejected", "kind", kind, "scope", scope, "error", err, "answer", truncate(content, 500))
		return taxrate.Invalid(err)
	}
	f.log.Info("model answer accepted", "kind", kind, "scope", scope)
	return taxrate.Found(set)
}

func (f *Fetcher) complete(ctx context.Context, p prompt) (string, error) {
	resp, err := f.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: f.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: p.system},
			{Role: goopenai.ChatMessageRoleUser, Content: p.user},
		},
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
		// Temperature is omitempty; the smallest non-zero value is the
		// library's way of asking for deterministic output.
		Temperature: math.SmallestNonzeroFloat32,
		MaxTokens:   p.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyAnswer
	}
	return resp.Choices[0].Message.Content, nil
}

// stripFence removes a markdown code fence some models wrap JSON in even in
// JSON mode.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
