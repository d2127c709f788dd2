// Package routing selects a model client per turn. Selection is
// driven by a per-message complexity score against a configured
// threshold, with a forced-model override and availability fallback.
package routing

import (
	"context"
	"log/slog"

	"github.com/famulus-ai/famulus/internal/agent"
)

// Config configures a Router.
type Config struct {
	// ComplexityThreshold is the score at or above which the hosted
	// client is preferred.
	ComplexityThreshold int
}

// Router holds the client set for one configuration generation. When
// model settings change the owner builds a fresh Router and swaps it
// in; in-flight turns keep the router they captured.
type Router struct {
	clients   []agent.ModelClient
	threshold int
	logger    *slog.Logger
}

// NewRouter creates a router over the given clients.
func NewRouter(cfg Config, clients []agent.ModelClient, logger *slog.Logger) *Router {
	threshold := cfg.ComplexityThreshold
	if threshold <= 0 || threshold > 100 {
		threshold = 60
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		clients:   clients,
		threshold: threshold,
		logger:    logger.With("component", "router"),
	}
}

// Clients returns the router's client set.
func (r *Router) Clients() []agent.ModelClient { return r.clients }

// Select picks a client for the turn.
//
// A forceModel naming an available client wins. Otherwise the latest
// user message is scored: at or above the threshold the hosted client
// is preferred when available; below it, or when no hosted client
// answers, any available client serves. With no available client the
// turn fails with ErrNoModelAvailable.
func (r *Router) Select(ctx context.Context, latestUserMessage, forceModel string) (agent.ModelClient, error) {
	if forceModel != "" {
		for _, c := range r.clients {
			if c.Name() == forceModel && c.Available(ctx) {
				r.logger.Debug("model forced", "model", forceModel)
				return c, nil
			}
		}
		r.logger.Warn("forced model unavailable, falling back to scoring", "model", forceModel)
	}

	score := Complexity(latestUserMessage)

	if score >= r.threshold {
		if hosted := r.available(ctx, agent.KindHosted); hosted != nil {
			r.logger.Debug("routed to hosted", "score", score, "threshold", r.threshold)
			return hosted, nil
		}
	}

	for _, c := range r.clients {
		if c.Available(ctx) {
			r.logger.Debug("routed", "model", c.Name(), "score", score)
			return c, nil
		}
	}
	return nil, agent.ErrNoModelAvailable
}

// Fallback returns an available client other than exclude, or nil.
// Used for the single retry after a retriable turn failure.
func (r *Router) Fallback(ctx context.Context, exclude agent.ModelClient) agent.ModelClient {
	for _, c := range r.clients {
		if c == exclude {
			continue
		}
		if c.Available(ctx) {
			return c
		}
	}
	return nil
}

// Cheapest returns the local client when available, else any available
// client. Background summarization always goes to the cheapest model.
func (r *Router) Cheapest(ctx context.Context) agent.ModelClient {
	if local := r.available(ctx, agent.KindLocal); local != nil {
		return local
	}
	for _, c := range r.clients {
		if c.Available(ctx) {
			return c
		}
	}
	return nil
}

// Chat runs a non-streaming request on the selected client, retrying
// once on the fallback when the failure category is retriable.
func (r *Router) Chat(ctx context.Context, latestUserMessage, forceModel string, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	client, err := r.Select(ctx, latestUserMessage, forceModel)
	if err != nil {
		return nil, err
	}

	resp, err := client.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	if !agent.Classify(err).Retriable() {
		return nil, err
	}

	fallback := r.Fallback(ctx, client)
	if fallback == nil {
		return nil, err
	}
	r.logger.Warn("chat failed, retrying on fallback",
		"failed", client.Name(), "fallback", fallback.Name(), "error", err)
	return fallback.Chat(ctx, req)
}

func (r *Router) available(ctx context.Context, kind agent.Kind) agent.ModelClient {
	for _, c := range r.clients {
		if c.Kind() == kind && c.Available(ctx) {
			return c
		}
	}
	return nil
}
