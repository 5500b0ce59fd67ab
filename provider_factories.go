package erpsync

import (
	"github.com/goliatone/go-erpsync/core"
	"github.com/goliatone/go-erpsync/providers/sap"
	"github.com/goliatone/go-erpsync/providers/shopify"
	"github.com/goliatone/go-erpsync/transport"
)

// transportOptions applies the shared sync settings to a system client.
func transportOptions(cfg core.SyncConfig, telemetry core.Telemetry) []transport.ClientOption {
	opts := []transport.ClientOption{
		transport.WithRetry(cfg.MaxRetries, cfg.RetryMinDelay(), cfg.RetryMaxDelay()),
		transport.WithTimeout(cfg.RequestTimeout()),
		transport.WithTelemetry(telemetry),
	}
	if cfg.RequestsPerSecond > 0 {
		opts = append(opts, transport.WithRequestsPerSecond(cfg.RequestsPerSecond))
	}
	return opts
}

func SAPClient(cfg core.Config, telemetry core.Telemetry, opts ...transport.ClientOption) (*sap.Client, error) {
	return sap.New(cfg.SAP, append(transportOptions(cfg.Sync, telemetry), opts...)...)
}

func ShopifyClient(cfg core.Config, telemetry core.Telemetry, opts ...transport.ClientOption) (*shopify.Client, error) {
	return shopify.New(cfg.Shopify, append(transportOptions(cfg.Sync, telemetry), opts...)...)
}
