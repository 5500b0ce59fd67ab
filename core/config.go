package core

import (
	"fmt"
	"strings"
	"time"
)

type SAPConfig struct {
	ServiceLayerURL string `koanf:"service_layer_url" mapstructure:"service_layer_url"`
	CompanyDB       string `koanf:"company_db" mapstructure:"company_db"`
	Username        string `koanf:"username" mapstructure:"username"`
	Password        string `koanf:"password" mapstructure:"password"`
	VerifySSL       bool   `koanf:"verify_ssl" mapstructure:"verify_ssl"`
	Warehouse       string `koanf:"warehouse" mapstructure:"warehouse"`
	Branch          string `koanf:"branch" mapstructure:"branch"`
	TaxCode         string `koanf:"tax_code" mapstructure:"tax_code"`
	RevenueAccount  string `koanf:"revenue_account" mapstructure:"revenue_account"`
	CustomerGroup   int    `koanf:"customer_group" mapstructure:"customer_group"`
	PriceList       int    `koanf:"price_list" mapstructure:"price_list"`
}

type ShopifyConfig struct {
	ShopURL     string `koanf:"shop_url" mapstructure:"shop_url"`
	AccessToken string `koanf:"access_token" mapstructure:"access_token"`
	APIVersion  string `koanf:"api_version" mapstructure:"api_version"`
}

type ConflictPolicy string

const (
	// ConflictLastPassWins writes every pass unconditionally.
	ConflictLastPassWins ConflictPolicy = "last_pass_wins"
	// ConflictFirstPassWins skips second-pass records already written by the first pass.
	ConflictFirstPassWins ConflictPolicy = "first_pass_wins"
	// ConflictNewestWins compares modification markers of both sides.
	ConflictNewestWins ConflictPolicy = "newest_wins"
	// ConflictReject fails entities changed on both sides and reports them.
	ConflictReject ConflictPolicy = "reject"
)

func (p ConflictPolicy) IsValid() bool {
	switch p {
	case ConflictLastPassWins, ConflictFirstPassWins, ConflictNewestWins, ConflictReject:
		return true
	default:
		return false
	}
}

// DetectsConflicts reports whether the policy inspects the target before writing.
func (p ConflictPolicy) DetectsConflicts() bool {
	return p == ConflictNewestWins || p == ConflictReject
}

type BothOrder string

const (
	BothOrderAToBFirst BothOrder = "a_to_b_first"
	BothOrderBToAFirst BothOrder = "b_to_a_first"
)

func (o BothOrder) Passes() []Direction {
	if o == BothOrderBToAFirst {
		return []Direction{DirectionBToA, DirectionAToB}
	}
	return []Direction{DirectionAToB, DirectionBToA}
}

type SyncConfig struct {
	BatchSize             int            `koanf:"batch_size" mapstructure:"batch_size"`
	Workers               int            `koanf:"workers" mapstructure:"workers"`
	MaxRetries            int            `koanf:"max_retries" mapstructure:"max_retries"`
	RetryMinDelaySeconds  int            `koanf:"retry_min_delay_seconds" mapstructure:"retry_min_delay_seconds"`
	RetryMaxDelaySeconds  int            `koanf:"retry_max_delay_seconds" mapstructure:"retry_max_delay_seconds"`
	RequestTimeoutSeconds int            `koanf:"request_timeout_seconds" mapstructure:"request_timeout_seconds"`
	RequestsPerSecond     float64        `koanf:"requests_per_second" mapstructure:"requests_per_second"`
	ConflictPolicy        ConflictPolicy `koanf:"conflict_policy" mapstructure:"conflict_policy"`
	BothOrder             BothOrder      `koanf:"both_order" mapstructure:"both_order"`
	CodePrefix            string         `koanf:"code_prefix" mapstructure:"code_prefix"`
	DefinitionsDir        string         `koanf:"definitions_dir" mapstructure:"definitions_dir"`
}

func (c SyncConfig) RetryMinDelay() time.Duration {
	return time.Duration(c.RetryMinDelaySeconds) * time.Second
}

func (c SyncConfig) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelaySeconds) * time.Second
}

func (c SyncConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

type StoreConfig struct {
	Driver string `koanf:"driver" mapstructure:"driver"`
	DSN    string `koanf:"dsn" mapstructure:"dsn"`
	Debug  bool   `koanf:"debug" mapstructure:"debug"`
}

type Config struct {
	ServiceName string        `koanf:"service_name" mapstructure:"service_name"`
	SAP         SAPConfig     `koanf:"sap" mapstructure:"sap"`
	Shopify     ShopifyConfig `koanf:"shopify" mapstructure:"shopify"`
	Sync        SyncConfig    `koanf:"sync" mapstructure:"sync"`
	Store       StoreConfig   `koanf:"store" mapstructure:"store"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "erpsync",
		SAP: SAPConfig{
			VerifySSL:      true,
			Warehouse:      "01",
			Branch:         "1",
			TaxCode:        "X0",
			RevenueAccount: "410000",
			CustomerGroup:  100,
			PriceList:      1,
		},
		Shopify: ShopifyConfig{
			APIVersion: "2024-01",
		},
		Sync: SyncConfig{
			BatchSize:             50,
			Workers:               4,
			MaxRetries:            3,
			RetryMinDelaySeconds:  4,
			RetryMaxDelaySeconds:  10,
			RequestTimeoutSeconds: 30,
			RequestsPerSecond:     2,
			ConflictPolicy:        ConflictNewestWins,
			BothOrder:             BothOrderAToBFirst,
			CodePrefix:            "SH",
		},
		Store: StoreConfig{
			Driver: "sqlite3",
			DSN:    "file:erpsync.db?cache=shared&_foreign_keys=on",
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("core: sync.batch_size must be positive")
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("core: sync.workers must be positive")
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("core: sync.max_retries must not be negative")
	}
	if c.Sync.RetryMaxDelaySeconds < c.Sync.RetryMinDelaySeconds {
		return fmt.Errorf("core: sync.retry_max_delay_seconds must be >= retry_min_delay_seconds")
	}
	if c.Sync.RequestsPerSecond < 0 {
		return fmt.Errorf("core: sync.requests_per_second must not be negative")
	}
	if !c.Sync.ConflictPolicy.IsValid() {
		return fmt.Errorf("core: invalid sync.conflict_policy %q", c.Sync.ConflictPolicy)
	}
	switch c.Sync.BothOrder {
	case BothOrderAToBFirst, BothOrderBToAFirst:
	default:
		return fmt.Errorf("core: invalid sync.both_order %q", c.Sync.BothOrder)
	}
	switch strings.TrimSpace(c.Store.Driver) {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("core: invalid store.driver %q", c.Store.Driver)
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("core: store.dsn is required")
	}
	return nil
}
