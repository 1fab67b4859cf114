package model

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"screening-engine/internal/domain"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderEcho      = "echo"

	wildcardModel = "*"
)

// ProviderProfile holds the retry, timeout and throughput limits for one
// (provider, model) pair.
type ProviderProfile struct {
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	BaseRetryDelay    time.Duration `yaml:"base_retry_delay"`
	MaxRetryDelay     time.Duration `yaml:"max_retry_delay"`
	BackoffBase       float64       `yaml:"backoff_base"`
	Jitter            *bool         `yaml:"jitter"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	AcceptsSampling   *bool         `yaml:"accepts_sampling"`
	Reasoning         *bool         `yaml:"reasoning"`
	TimeoutCeiling    time.Duration `yaml:"timeout_ceiling"`
	TimeoutEscalation float64       `yaml:"timeout_escalation"`
	ReasoningEffort   string        `yaml:"reasoning_effort"`
	DefaultMaxTokens  int           `yaml:"default_max_tokens"`
}

func (p ProviderProfile) JitterEnabled() bool { return p.Jitter == nil || *p.Jitter }
func (p ProviderProfile) SamplingAccepted() bool { return p.AcceptsSampling == nil || *p.AcceptsSampling }
func (p ProviderProfile) IsReasoning() bool { return p.Reasoning != nil && *p.Reasoning }
func (p ProviderProfile) Key() string { return p.Provider + "/" + p.Model }
func (p ProviderProfile) Selection() Selection { return Selection{Provider: p.Provider, Model: p.Model} }
func (p ProviderProfile) MaxAttempts() int { return p.MaxRetries + 1 }
func (p ProviderProfile) withModel(m string) ProviderProfile { p.Model = m; return p }

func boolPtr(v bool) *bool { return &v }

// withDefaults fills zero fields. Reasoning-class models get longer
// timeouts and no sampling parameters unless the profile says otherwise.
func (p ProviderProfile) withDefaults() ProviderProfile {
	p.Provider = strings.ToLower(strings.TrimSpace(p.Provider))
	if p.Reasoning == nil && p.Model != wildcardModel {
		p.Reasoning = boolPtr(IsReasoningModel(p.Model))
	}
	reasoning := p.IsReasoning()
	if p.AcceptsSampling == nil && reasoning {
		p.AcceptsSampling = boolPtr(false)
	}
	if p.ReadTimeout <= 0 {
		p.ReadTimeout = 60 * time.Second
		if reasoning {
			p.ReadTimeout = 180 * time.Second
		}
	}
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = 10 * time.Second
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	} else if p.MaxRetries == 0 {
		p.MaxRetries = 5
	}
	if p.BaseRetryDelay <= 0 {
		p.BaseRetryDelay = time.Second
	}
	if p.MaxRetryDelay <= 0 {
		p.MaxRetryDelay = 30 * time.Second
	}
	if p.BackoffBase < 1 {
		p.BackoffBase = 2
	}
	if p.RequestsPerMinute <= 0 {
		p.RequestsPerMinute = 60
	}
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = 5
	}
	if p.TimeoutEscalation < 1 {
		p.TimeoutEscalation = 1.5
	}
	if p.TimeoutCeiling < p.ReadTimeout {
		p.TimeoutCeiling = p.ReadTimeout
		if reasoning {
			p.TimeoutCeiling = 3 * p.ReadTimeout
		}
	}
	if p.DefaultMaxTokens <= 0 {
		p.DefaultMaxTokens = 1024
	}
	if reasoning && p.ReasoningEffort == "" {
		p.ReasoningEffort = "medium"
	}
	return p
}

type profileKey struct{ provider, model string }

// ProfileRegistry is built once at startup and never mutated afterwards,
// so it is safe to share between goroutines without locking.
type ProfileRegistry struct {
	profiles map[profileKey]ProviderProfile
}

// NewProfileRegistry validates and normalizes the configured profiles.
// A profile with model "*" is the fallback for its provider.
func NewProfileRegistry(profiles []ProviderProfile) (*ProfileRegistry, error) {
	r := &ProfileRegistry{profiles: make(map[profileKey]ProviderProfile, len(profiles))}
	for i, p := range profiles {
		if strings.TrimSpace(p.Provider) == "" || strings.TrimSpace(p.Model) == "" {
			return nil, fmt.Errorf("profile #%d: provider and model are required: %w", i, domain.ErrInvalidArgument)
		}
		p.Provider = strings.ToLower(strings.TrimSpace(p.Provider))
		if p.Model != wildcardModel {
			p = p.withDefaults()
		}
		k := profileKey{p.Provider, p.Model}
		if _, dup := r.profiles[k]; dup {
			return nil, fmt.Errorf("profile %s: %w", p.Key(), domain.ErrAlreadyExists)
		}
		r.profiles[k] = p
	}
	return r, nil
}

// Lookup returns the exact profile, then the provider's wildcard profile
// re-targeted at the model, then built-in defaults.
func (r *ProfileRegistry) Lookup(sel Selection) ProviderProfile {
	sel = sel.Resolve()
	if r != nil {
		if p, ok := r.profiles[profileKey{sel.Provider, sel.Model}]; ok {
			return p
		}
		if p, ok := r.profiles[profileKey{sel.Provider, wildcardModel}]; ok {
			return p.withModel(sel.Model).withDefaults()
		}
	}
	return ProviderProfile{Provider: sel.Provider, Model: sel.Model}.withDefaults()
}

// Has reports whether the provider has at least one configured profile.
func (r *ProfileRegistry) Has(provider string) bool {
	provider = strings.ToLower(provider)
	for k := range r.profiles {
		if k.provider == provider {
			return true
		}
	}
	return false
}

func (r *ProfileRegistry) All() []ProviderProfile {
	out := make([]ProviderProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// InferProvider guesses the provider family from a model name.
func InferProvider(model string) string {
	l := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(l, "gemini"):
		return ProviderGemini
	case strings.HasPrefix(l, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(l, "gpt"), strings.HasPrefix(l, "chatgpt"), IsReasoningModel(l):
		return ProviderOpenAI
	case strings.HasPrefix(l, "echo"):
		return ProviderEcho
	default:
		return ProviderOpenAI
	}
}

// IsReasoningModel matches OpenAI's o-series and gpt-5 family, which reject
// temperature and top_p.
func IsReasoningModel(model string) bool {
	l := strings.ToLower(strings.TrimSpace(model))
	if strings.HasPrefix(l, "gpt-5") {
		return true
	}
	if len(l) >= 2 && l[0] == 'o' && l[1] >= '1' && l[1] <= '9' {
		return true
	}
	return false
}
