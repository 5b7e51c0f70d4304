// Package llmclient composes the grounded-generation prompt and exposes the
// LLM as a capability interface, the same swap/null-implementation pattern
// as embed.Provider.
package llmclient

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ragengine/internal/compress"
	"ragengine/internal/errs"
)

var tracer = otel.Tracer("ragengine/llmclient")

const systemInstructions = `You answer strictly from the provided context. ` +
	`If the context does not contain the answer, say so plainly and do not guess.`

// Generator is the raw capability a concrete LLM backend implements.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Client composes prompts and calls the Generator. It stores temperature
// and maxOutputTokens but does not pass either to the Generator; output
// length is not bounded here.
type Client struct {
	generator      Generator
	temperature    float64
	maxOutputToken int
}

func New(generator Generator, temperature float64, maxOutputTokens int) *Client {
	return &Client{generator: generator, temperature: temperature, maxOutputToken: maxOutputTokens}
}

// Answer generates a grounded answer to question given the compressed
// context. On provider failure it returns errs.LLMFailure; callers are
// expected to degrade the response rather than propagate the raw error.
func (c *Client) Answer(ctx context.Context, tenantID, question string, selected []compress.Selected) (string, error) {
	ctx, span := tracer.Start(ctx, "llmclient.Generator.Generate", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.Int("context_chunks", len(selected)),
	))
	defer span.End()

	prompt := ComposePrompt(question, selected)
	answer, err := c.generator.Generate(ctx, prompt)
	if err != nil {
		span.RecordError(err)
		return "", errs.Wrap(errs.LLMFailure, tenantID, "generation failed", err)
	}
	return answer, nil
}

// ComposePrompt builds the system instructions + delimited context + user
// question prompt every Generator implementation receives verbatim.
func ComposePrompt(question string, selected []compress.Selected) string {
	var b strings.Builder
	b.WriteString(systemInstructions)
	b.WriteString("\n\n--- CONTEXT START ---\n")
	for _, s := range selected {
		fmt.Fprintf(&b, "[%s p.%d] %s\n", s.ChunkID, s.Page, s.Text)
	}
	b.WriteString("--- CONTEXT END ---\n\n")
	fmt.Fprintf(&b, "Question: %s\n", question)
	return b.String()
}

// NullGenerator never calls an external provider; it always fails with a
// marker error so the pipeline exercises its degraded-response path. Used
// in tests and when no LLM is configured.
type NullGenerator struct{}

func (NullGenerator) Generate(context.Context, string) (string, error) {
	return "", fmt.Errorf("llmclient: no generator configured")
}
