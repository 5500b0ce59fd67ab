package erpsync

import (
	"testing"

	"github.com/goliatone/go-erpsync/core"
)

func TestSystemClientFactories(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.SAP.ServiceLayerURL = "https://sap.example.test:50000/b1s/v1"
	cfg.SAP.CompanyDB = "SBODEMO"
	cfg.SAP.Username = "manager"
	cfg.Shopify.ShopURL = "demo.myshopify.com"
	cfg.Shopify.AccessToken = "shpat_test"

	sapClient, err := SAPClient(cfg, core.Telemetry{})
	if err != nil {
		t.Fatalf("sap client: %v", err)
	}
	if sapClient.System() != core.SystemA {
		t.Fatalf("expected sap system, got %q", sapClient.System())
	}
	shopifyClient, err := ShopifyClient(cfg, core.Telemetry{})
	if err != nil {
		t.Fatalf("shopify client: %v", err)
	}
	if shopifyClient.System() != core.SystemB {
		t.Fatalf("expected shopify system, got %q", shopifyClient.System())
	}

	cfg.Shopify.AccessToken = ""
	if _, err := ShopifyClient(cfg, core.Telemetry{}); err == nil {
		t.Fatalf("expected missing token to fail")
	}
}
