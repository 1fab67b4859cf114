package llm

import (
	"context"
	"strings"
	"time"

	"screening-engine/internal/domain/model"
	"screening-engine/internal/domain/ports/adapter"
)

var _ adapter.LLMAdapter = (*Router)(nil)

// Router picks the provider adapter for a profile. Reasoning-class
// profiles go to the reasoning variant when one is registered.
type Router struct {
	byProvider map[string]adapter.LLMAdapter
	reasoning  map[string]adapter.LLMAdapter
}

func NewRouter() *Router {
	return &Router{
		byProvider: make(map[string]adapter.LLMAdapter),
		reasoning:  make(map[string]adapter.LLMAdapter),
	}
}

// Register must be called before the router is shared.
func (r *Router) Register(provider string, a adapter.LLMAdapter) *Router {
	r.byProvider[strings.ToLower(provider)] = a
	return r
}

func (r *Router) RegisterReasoning(provider string, a adapter.LLMAdapter) *Router {
	r.reasoning[strings.ToLower(provider)] = a
	return r
}

func (r *Router) Has(provider string) bool {
	_, ok := r.byProvider[strings.ToLower(provider)]
	return ok
}

func (r *Router) Providers() []string {
	out := make([]string, 0, len(r.byProvider))
	for p := range r.byProvider {
		out = append(out, p)
	}
	return out
}

func (r *Router) pick(p model.ProviderProfile) adapter.LLMAdapter {
	prov := strings.ToLower(p.Provider)
	if p.IsReasoning() {
		if a := r.reasoning[prov]; a != nil {
			return a
		}
	}
	return r.byProvider[prov]
}

func (r *Router) Invoke(ctx context.Context, req model.Request, p model.ProviderProfile) (model.Outcome, time.Duration) {
	a := r.pick(p)
	if a == nil {
		return model.Failed(model.NewFailure(model.FailureProviderError, "no adapter configured for provider "+p.Provider).
			WithRetriable(false).WithDetail("unknown_provider")), 0
	}
	return a.Invoke(ctx, req, p)
}
