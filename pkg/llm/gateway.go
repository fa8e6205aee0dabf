package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/ledger"
	"github.com/emergence-labs/agora/pkg/rate"
)

// Provider names for client registration and prefix routing.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderScripted  = "scripted"
)

// DefaultMaxTokens caps the completion when a request does not set its own.
const DefaultMaxTokens = 4096

type prefixRule struct {
	prefix   string
	provider string
}

func defaultPrefixes() []prefixRule {
	return []prefixRule{
		{"claude", ProviderAnthropic},
		{"gpt", ProviderOpenAI},
		{"chatgpt", ProviderOpenAI},
		{"o1", ProviderOpenAI},
		{"o3", ProviderOpenAI},
		{"o4", ProviderOpenAI},
	}
}

// CallRecord summarizes one settled call for observers (thinking events,
// metrics). Only successful calls are recorded; failures surface as errors
// to the caller and are logged there.
type CallRecord struct {
	CallerID  string
	Provider  string
	Model     string
	Usage     Usage
	Cost      float64
	Elapsed   time.Duration
	Summary   string
	ToolCalls int
}

// RecordFunc receives a CallRecord after settlement.
type RecordFunc func(ctx context.Context, rec CallRecord)

// Gateway meters and bills every model call. Billing order is deliberate:
// budget is reserved first (the permanent failure), rate windows are
// consumed second (the transient one), and the provider is contacted only
// after both admit the call.
type Gateway struct {
	led     *ledger.Ledger
	rates   *rate.Tracker
	pricing *Pricing
	logger  *slog.Logger

	clients      map[string]Client
	prefixes     []prefixRule
	defaultModel string
	defaultProv  string
	maxTokens    int
	record       RecordFunc

	mu         sync.Mutex
	cumulative float64
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithClient registers a provider client.
func WithClient(provider string, c Client) GatewayOption {
	return func(g *Gateway) { g.clients[provider] = c }
}

// WithModelPrefix routes model names beginning with prefix to a provider.
func WithModelPrefix(prefix, provider string) GatewayOption {
	return func(g *Gateway) { g.prefixes = append(g.prefixes, prefixRule{prefix, provider}) }
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) GatewayOption {
	return func(g *Gateway) { g.defaultModel = model }
}

// WithDefaultProvider sets the provider for models no prefix rule claims.
func WithDefaultProvider(provider string) GatewayOption {
	return func(g *Gateway) { g.defaultProv = provider }
}

// WithMaxTokens sets the default completion cap.
func WithMaxTokens(n int) GatewayOption {
	return func(g *Gateway) { g.maxTokens = n }
}

// WithPricing replaces the built-in pricing table.
func WithPricing(p *Pricing) GatewayOption {
	return func(g *Gateway) { g.pricing = p }
}

// WithRecorder installs the post-settlement observer.
func WithRecorder(fn RecordFunc) GatewayOption {
	return func(g *Gateway) { g.record = fn }
}

// NewGateway builds a gateway over the ledger and rate tracker. Register at
// least one client or every call will fail routing.
func NewGateway(led *ledger.Ledger, rates *rate.Tracker, logger *slog.Logger, opts ...GatewayOption) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		led:       led,
		rates:     rates,
		pricing:   DefaultPricing(),
		logger:    logger.With("component", "llm"),
		clients:   make(map[string]Client),
		prefixes:  defaultPrefixes(),
		maxTokens: DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Call bills the payer and completes the request. The payer id must already
// be verified by the caller; artifact code can never choose who pays.
func (g *Gateway) Call(ctx context.Context, payerID string, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, contracts.NewError(contracts.CodeInvalidArgument, "messages must not be empty")
	}
	if req.Model == "" {
		req.Model = g.defaultModel
	}
	if req.Model == "" {
		return nil, contracts.NewError(contracts.CodeInvalidArgument, "model is required and no default is configured")
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = g.maxTokens
	}
	client, provider, err := g.route(req.Model)
	if err != nil {
		return nil, err
	}

	promptEst := estimateTokens(req)
	estimate := g.pricing.Estimate(req.Model, promptEst, req.MaxTokens)
	reservation, err := g.led.ReserveBudget(payerID, estimate)
	if err != nil {
		return nil, err
	}
	if err := g.rates.Consume(ctx, payerID, contracts.ResourceLLMCallRate, 1); err != nil {
		_ = reservation.Release()
		return nil, err
	}
	if err := g.rates.Consume(ctx, payerID, contracts.ResourceLLMTokenRate, float64(promptEst)); err != nil {
		_ = reservation.Release()
		return nil, err
	}

	start := time.Now()
	resp, err := client.Complete(ctx, req)
	if err != nil {
		_ = reservation.Release()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, contracts.WrapError(contracts.CodeTimeout, "llm call timed out", err)
		}
		return nil, contracts.AsError(fmt.Errorf("%s: %w", provider, err))
	}
	elapsed := time.Since(start)

	cost := g.pricing.Cost(req.Model, resp.Usage)
	charged, err := reservation.Settle(cost)
	if err != nil {
		return nil, err
	}
	resp.Cost = charged

	// The completion side of the token window could not be known up front;
	// top it up now. A refusal here means the window is saturated; the
	// tokens are already spent externally, so the call still succeeds.
	if extra := resp.Usage.TotalTokens - promptEst; extra > 0 {
		if err := g.rates.Consume(ctx, payerID, contracts.ResourceLLMTokenRate, float64(extra)); err != nil {
			g.logger.Debug("token window saturated at settlement",
				"payer", payerID, "extra_tokens", extra)
		}
	}

	g.mu.Lock()
	g.cumulative = round6(g.cumulative + charged)
	g.mu.Unlock()

	g.logger.Debug("llm call settled",
		"payer", payerID, "provider", provider, "model", req.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"cost", charged, "elapsed", elapsed)

	if g.record != nil {
		g.record(ctx, CallRecord{
			CallerID:  payerID,
			Provider:  provider,
			Model:     req.Model,
			Usage:     resp.Usage,
			Cost:      charged,
			Elapsed:   elapsed,
			Summary:   summarize(resp.Content),
			ToolCalls: len(resp.ToolCalls),
		})
	}
	return resp, nil
}

// Syscall binds the gateway to one verified payer in the shape the executor
// injects as _syscall_llm.
func (g *Gateway) Syscall(payerID string) func(ctx context.Context, model string, messages []map[string]any, tools []map[string]any) (map[string]any, error) {
	return func(ctx context.Context, model string, messages []map[string]any, tools []map[string]any) (map[string]any, error) {
		req, err := ParseRequest(model, messages, tools)
		if err != nil {
			return nil, err
		}
		resp, err := g.Call(ctx, payerID, req)
		if err != nil {
			return nil, err
		}
		return resp.Wire(), nil
	}
}

// CumulativeCost is the total dollars settled since boot or restore.
func (g *Gateway) CumulativeCost() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cumulative
}

// RestoreCumulativeCost seeds the counter from a checkpoint.
func (g *Gateway) RestoreCumulativeCost(v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cumulative = v
}

func (g *Gateway) route(model string) (Client, string, error) {
	best, provider := "", ""
	for _, r := range g.prefixes {
		if strings.HasPrefix(model, r.prefix) && len(r.prefix) > len(best) {
			if _, ok := g.clients[r.provider]; ok {
				best, provider = r.prefix, r.provider
			}
		}
	}
	if provider == "" {
		provider = g.defaultProv
	}
	c, ok := g.clients[provider]
	if !ok {
		return nil, "", contracts.Errorf(contracts.CodeInvalidArgument, "no provider serves model %q", model)
	}
	return c, provider, nil
}

// ParseRequest validates the _syscall_llm wire shape into a typed request.
func ParseRequest(model string, messages []map[string]any, tools []map[string]any) (Request, error) {
	req := Request{Model: model}
	for i, m := range messages {
		role, ok := m["role"].(string)
		if !ok || role == "" {
			return Request{}, contracts.Errorf(contracts.CodeInvalidArgument, "message %d has no role", i)
		}
		content, ok := m["content"].(string)
		if !ok {
			return Request{}, contracts.Errorf(contracts.CodeInvalidArgument, "message %d content must be a string", i)
		}
		req.Messages = append(req.Messages, Message{Role: role, Content: content})
	}
	for i, t := range tools {
		name, ok := t["name"].(string)
		if !ok || name == "" {
			return Request{}, contracts.Errorf(contracts.CodeInvalidArgument, "tool %d has no name", i)
		}
		def := ToolDefinition{Name: name}
		if desc, ok := t["description"].(string); ok {
			def.Description = desc
		}
		if params, ok := t["parameters"].(map[string]any); ok {
			def.Parameters = params
		}
		req.Tools = append(req.Tools, def)
	}
	return req, nil
}

// estimateTokens guesses the prompt-side token count before the provider
// reports real usage. Four characters per token is the usual rough cut.
func estimateTokens(req Request) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Role) + len(m.Content) + 8
	}
	if len(req.Tools) > 0 {
		if raw, err := json.Marshal(req.Tools); err == nil {
			chars += len(raw)
		}
	}
	n := chars / 4
	if n < 1 {
		n = 1
	}
	return n
}

func summarize(content string) string {
	const max = 240
	runes := []rune(content)
	if len(runes) <= max {
		return content
	}
	return string(runes[:max])
}
