package provider

import (
	"fmt"
	"log/slog"
	"sync"

	"clawnix/internal/config"
	"clawnix/internal/domain"
)

// Constructor builds a provider from one resolved config entry.
type Constructor func(pc config.ProviderConfig, logger *slog.Logger) (domain.Provider, error)

// Factory maps provider names to constructors.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	logger       *slog.Logger
}

// NewFactory returns a factory with anthropic, openai and ollama registered.
func NewFactory(logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{constructors: make(map[string]Constructor), logger: logger}
	f.Register("anthropic", func(pc config.ProviderConfig, logger *slog.Logger) (domain.Provider, error) {
		key, err := pc.Key()
		if err != nil {
			return nil, err
		}
		return NewAnthropic(AnthropicConfig{APIKey: key, APIBase: pc.APIBase, Model: pc.Model, Logger: logger}), nil
	})
	f.Register("openai", func(pc config.ProviderConfig, logger *slog.Logger) (domain.Provider, error) {
		key, err := pc.Key()
		if err != nil {
			return nil, err
		}
		return NewOpenAI(OpenAIConfig{APIKey: key, APIBase: pc.APIBase, Model: pc.Model, Logger: logger}), nil
	})
	f.Register("ollama", func(pc config.ProviderConfig, logger *slog.Logger) (domain.Provider, error) {
		return NewOllama(pc.APIBase, pc.Model, logger), nil
	})
	return f
}

// Register adds or replaces the constructor for name.
func (f *Factory) Register(name string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
}

// New builds a single provider.
func (f *Factory) New(pc config.ProviderConfig) (domain.Provider, error) {
	f.mu.RLock()
	ctor, ok := f.constructors[pc.Provider]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", pc.Provider)
	}
	p, err := ctor(pc, f.logger)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", pc.Provider, err)
	}
	return p, nil
}

// FromConfig builds the primary provider and wraps it in a failover chain
// when fallbacks are configured.
func (f *Factory) FromConfig(ai config.AIConfig) (domain.Provider, error) {
	primary, err := f.New(ai.Primary())
	if err != nil {
		return nil, err
	}
	if len(ai.Failover) == 0 {
		return primary, nil
	}
	chain := []domain.Provider{primary}
	for _, pc := range ai.Failover {
		p, err := f.New(pc)
		if err != nil {
			return nil, err
		}
		chain = append(chain, p)
	}
	return NewFailoverProvider(chain, f.logger), nil
}
