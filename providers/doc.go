// Package providers holds the SystemClient implementations: sap for the SAP
// Business One Service Layer, shopify for the Shopify Admin API and devkit
// for in-memory clients, stores and fixtures used in tests.
package providers
