package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

// StaticConfigLoader serves a fixed raw map, mostly for tests and embedding.
func StaticConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader{Values: values}
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GoOptionsResolver merges defaults < loaded config < runtime overrides.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// ResolveConfig loads config through the provider and layers runtime overrides on top.
func ResolveConfig(ctx context.Context, provider ConfigProvider, resolver OptionsResolver, runtime Config) (Config, error) {
	defaults := DefaultConfig()
	if provider == nil {
		provider = NewCfgxConfigProvider(nil)
	}
	if resolver == nil {
		resolver = GoOptionsResolver{}
	}
	loaded, err := provider.Load(ctx, defaults)
	if err != nil {
		return Config{}, err
	}
	return resolver.Resolve(defaults, loaded, runtime)
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	putString(layer, "service_name", cfg.ServiceName, includeZero)

	sap := map[string]any{}
	putString(sap, "service_layer_url", cfg.SAP.ServiceLayerURL, includeZero)
	putString(sap, "company_db", cfg.SAP.CompanyDB, includeZero)
	putString(sap, "username", cfg.SAP.Username, includeZero)
	putString(sap, "password", cfg.SAP.Password, includeZero)
	if includeZero {
		sap["verify_ssl"] = cfg.SAP.VerifySSL
	}
	putString(sap, "warehouse", cfg.SAP.Warehouse, includeZero)
	putString(sap, "branch", cfg.SAP.Branch, includeZero)
	putString(sap, "tax_code", cfg.SAP.TaxCode, includeZero)
	putString(sap, "revenue_account", cfg.SAP.RevenueAccount, includeZero)
	putInt(sap, "customer_group", cfg.SAP.CustomerGroup, includeZero)
	putInt(sap, "price_list", cfg.SAP.PriceList, includeZero)
	putSection(layer, "sap", sap)

	shopify := map[string]any{}
	putString(shopify, "shop_url", cfg.Shopify.ShopURL, includeZero)
	putString(shopify, "access_token", cfg.Shopify.AccessToken, includeZero)
	putString(shopify, "api_version", cfg.Shopify.APIVersion, includeZero)
	putSection(layer, "shopify", shopify)

	syncLayer := map[string]any{}
	putInt(syncLayer, "batch_size", cfg.Sync.BatchSize, includeZero)
	putInt(syncLayer, "workers", cfg.Sync.Workers, includeZero)
	putInt(syncLayer, "max_retries", cfg.Sync.MaxRetries, includeZero)
	putInt(syncLayer, "retry_min_delay_seconds", cfg.Sync.RetryMinDelaySeconds, includeZero)
	putInt(syncLayer, "retry_max_delay_seconds", cfg.Sync.RetryMaxDelaySeconds, includeZero)
	putInt(syncLayer, "request_timeout_seconds", cfg.Sync.RequestTimeoutSeconds, includeZero)
	if includeZero || cfg.Sync.RequestsPerSecond != 0 {
		syncLayer["requests_per_second"] = cfg.Sync.RequestsPerSecond
	}
	putString(syncLayer, "conflict_policy", string(cfg.Sync.ConflictPolicy), includeZero)
	putString(syncLayer, "both_order", string(cfg.Sync.BothOrder), includeZero)
	putString(syncLayer, "code_prefix", cfg.Sync.CodePrefix, includeZero)
	putString(syncLayer, "definitions_dir", cfg.Sync.DefinitionsDir, includeZero)
	putSection(layer, "sync", syncLayer)

	store := map[string]any{}
	putString(store, "driver", cfg.Store.Driver, includeZero)
	putString(store, "dsn", cfg.Store.DSN, includeZero)
	if includeZero || cfg.Store.Debug {
		store["debug"] = cfg.Store.Debug
	}
	putSection(layer, "store", store)
	return layer
}

func putString(layer map[string]any, key string, value string, includeZero bool) {
	if includeZero || strings.TrimSpace(value) != "" {
		layer[key] = strings.TrimSpace(value)
	}
}

func putInt(layer map[string]any, key string, value int, includeZero bool) {
	if includeZero || value != 0 {
		layer[key] = value
	}
}

func putSection(layer map[string]any, key string, section map[string]any) {
	if len(section) > 0 {
		layer[key] = section
	}
}
