package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"ticket_worker/core/domain"
	"ticket_worker/core/port/out"
	"ticket_worker/pkg/logger"
)

// =============================================================================
// Provider Registry
// =============================================================================

// FactoryConfig holds the environment fallback for each provider. A provider
// row in the database takes precedence over these values.
type FactoryConfig struct {
	Gmail      *GmailConfig
	Outlook    *OutlookConfig
	HTTPClient *http.Client
}

// Registry resolves mail providers by name and caches the adapters so the
// circuit breaker state survives across runs.
type Registry struct {
	cfg       *FactoryConfig
	providers out.ProviderRepository

	mu    sync.RWMutex
	cache map[string]out.MailProvider
	// latest row-built key per provider name
	current map[string]string
}

// NewRegistry creates a new provider registry. providers may be nil.
func NewRegistry(cfg *FactoryConfig, providers out.ProviderRepository) *Registry {
	if cfg == nil {
		cfg = &FactoryConfig{}
	}
	return &Registry{
		cfg:       cfg,
		providers: providers,
		cache:     make(map[string]out.MailProvider),
		current:   make(map[string]string),
	}
}

// Register installs a provider under its name, replacing any cached one.
func (r *Registry) Register(p out.MailProvider) {
	r.mu.Lock()
	r.cache[cacheKey(p.Name(), nil)] = p
	r.mu.Unlock()
}

// Provider returns the provider for name.
func (r *Registry) Provider(ctx context.Context, name string) (out.MailProvider, error) {
	name = domain.NormalizeProviderName(name)

	var row *domain.ProviderConfig
	if r.providers != nil {
		var err error
		row, err = r.providers.GetByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to load provider %s: %w", name, err)
		}
	}

	key := cacheKey(name, row)

	r.mu.RLock()
	p, ok := r.cache[key]
	if !ok && row == nil {
		// registered overrides
		p, ok = r.cache[cacheKey(name, nil)]
	}
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := r.build(name, row)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if row != nil {
		if old, ok := r.current[name]; ok && old != key {
			delete(r.cache, old)
			logger.WithField("provider", name).Info("provider row changed, adapter replaced")
		}
		r.current[name] = key
	}
	r.cache[key] = p
	r.mu.Unlock()

	logger.WithField("provider", name).Debug("provider adapter created")
	return p, nil
}

func (r *Registry) build(name string, row *domain.ProviderConfig) (out.MailProvider, error) {
	switch name {
	case domain.ProviderGmail:
		cfg := GmailConfig{HTTPClient: r.cfg.HTTPClient}
		if r.cfg.Gmail != nil {
			cfg = *r.cfg.Gmail
			if cfg.HTTPClient == nil {
				cfg.HTTPClient = r.cfg.HTTPClient
			}
		}
		if row != nil {
			cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL = row.ClientID, row.ClientSecret, row.CallbackURL
		}
		if cfg.ClientID == "" {
			return nil, fmt.Errorf("provider %s is not configured", name)
		}
		return NewGmailAdapter(&cfg), nil

	case domain.ProviderOutlook:
		cfg := OutlookConfig{HTTPClient: r.cfg.HTTPClient}
		if r.cfg.Outlook != nil {
			cfg = *r.cfg.Outlook
			if cfg.HTTPClient == nil {
				cfg.HTTPClient = r.cfg.HTTPClient
			}
		}
		if row != nil {
			cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL = row.ClientID, row.ClientSecret, row.CallbackURL
			if row.TenantID != "" {
				cfg.TenantID = row.TenantID
			}
		}
		if cfg.ClientID == "" {
			return nil, fmt.Errorf("provider %s is not configured", name)
		}
		return NewOutlookAdapter(&cfg), nil
	}

	return nil, fmt.Errorf("unsupported provider: %s", name)
}

// cacheKey covers every row field the adapter is built from, so an edited
// provider row gets a fresh adapter on the next run.
func cacheKey(name string, row *domain.ProviderConfig) string {
	if row == nil {
		return name + "|"
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{row.ClientID, row.ClientSecret, row.CallbackURL, row.TenantID}, "\x00")))
	return name + "|" + hex.EncodeToString(sum[:8])
}

var _ out.ProviderRegistry = (*Registry)(nil)
