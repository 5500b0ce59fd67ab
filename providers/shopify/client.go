// Package shopify implements the storefront side of the sync against the
// Shopify Admin REST API.
package shopify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/goliatone/go-erpsync/core"
	"github.com/goliatone/go-erpsync/ratelimit"
	"github.com/goliatone/go-erpsync/transport"
)

const (
	maxPageSize      = 250
	accessTokenKey   = "X-Shopify-Access-Token"
	rateLimitBucket  = "admin"
	defaultAPIPrefix = "admin/api"
)

// Client is the SystemClient for System B.
type Client struct {
	cfg      core.ShopifyConfig
	http     *transport.Client
	pageSize int
}

// New builds an Admin API client. A Shopify call-limit policy is installed
// ahead of opts so callers can replace it.
func New(cfg core.ShopifyConfig, opts ...transport.ClientOption) (*Client, error) {
	baseURL, err := apiBaseURL(cfg)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, fmt.Errorf("providers/shopify: access_token is required")
	}
	base := []transport.ClientOption{
		transport.WithDefaultHeader(accessTokenKey, strings.TrimSpace(cfg.AccessToken)),
		transport.WithRateLimitPolicy(ratelimit.NewAdaptivePolicy(ratelimit.NewMemoryStateStore()), rateLimitBucket),
	}
	httpClient, err := transport.NewClient(core.SystemB, baseURL, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, http: httpClient, pageSize: maxPageSize}, nil
}

func apiBaseURL(cfg core.ShopifyConfig) (string, error) {
	shop := strings.TrimRight(strings.TrimSpace(cfg.ShopURL), "/")
	if shop == "" {
		return "", fmt.Errorf("providers/shopify: shop_url is required")
	}
	if !strings.HasPrefix(shop, "http://") && !strings.HasPrefix(shop, "https://") {
		shop = "https://" + shop
	}
	version := strings.TrimSpace(cfg.APIVersion)
	if version == "" {
		version = core.DefaultConfig().Shopify.APIVersion
	}
	return shop + "/" + defaultAPIPrefix + "/" + version, nil
}

func (c *Client) System() core.System {
	return core.SystemB
}

func (c *Client) FetchEntities(ctx context.Context, entity core.EntityType, req core.FetchRequest) (core.Page, error) {
	scope := req.Scope.Normalize()
	switch entity {
	case core.EntityGroup:
		return c.fetchCollections(ctx, scope, req)
	case core.EntityItem:
		return c.fetchProducts(ctx, scope, req)
	case core.EntityOrder:
		if scope.OrderID != "" {
			return c.singlePage(ctx, entity, scope.OrderID)
		}
		rows, next, err := c.listOrders(ctx, scope, req)
		if err != nil {
			return core.Page{}, err
		}
		page := core.Page{NextCursor: next}
		for _, row := range rows {
			page.Records = append(page.Records, orderRecord(row))
		}
		return page, nil
	case core.EntityPayment, core.EntityCredit:
		return c.fetchOrderChildren(ctx, entity, scope, req)
	case core.EntityCustomer:
		query := map[string]string{}
		if len(scope.IDs) > 0 {
			query["ids"] = strings.Join(scope.IDs, ",")
		}
		if since := strings.TrimSpace(req.Since); since != "" {
			query["updated_at_min"] = since
		}
		rows, next, err := c.list(ctx, "fetch_customer", "customers.json", "customers", query, req.Cursor, c.limit(req))
		if err != nil {
			return core.Page{}, err
		}
		page := core.Page{NextCursor: next}
		for _, row := range rows {
			page.Records = append(page.Records, customerRecord(row))
		}
		return page, nil
	default:
		return core.Page{}, core.NewPermanentError(core.SystemB, "fetch", 0, fmt.Errorf("%w: %q", core.ErrInvalidEntityType, entity))
	}
}

func (c *Client) fetchCollections(ctx context.Context, scope core.Scope, req core.FetchRequest) (core.Page, error) {
	if scope.GroupID != "" {
		return c.singlePage(ctx, core.EntityGroup, scope.GroupID)
	}
	phase, token := splitPhaseCursor(req.Cursor)
	query := map[string]string{}
	if scope.Name != "" {
		query["title"] = scope.Name
	}
	if since := strings.TrimSpace(req.Since); since != "" {
		query["updated_at_min"] = since
	}
	path, root := "custom_collections.json", "custom_collections"
	if phase == phaseSmart {
		path, root = "smart_collections.json", "smart_collections"
	}
	rows, next, err := c.list(ctx, "fetch_group", path, root, query, token, c.limit(req))
	if err != nil {
		return core.Page{}, err
	}
	page := core.Page{}
	for _, row := range rows {
		page.Records = append(page.Records, collectionRecord(row, phase))
	}
	switch {
	case next != "":
		page.NextCursor = phaseCursor(phase, next)
	case phase == phaseCustom:
		page.NextCursor = phaseCursor(phaseSmart, "")
	}
	return page, nil
}

func (c *Client) fetchProducts(ctx context.Context, scope core.Scope, req core.FetchRequest) (core.Page, error) {
	query := map[string]string{}
	path := "products.json"
	if scope.GroupID != "" {
		path = "collections/" + scope.GroupID + "/products.json"
	} else if since := strings.TrimSpace(req.Since); since != "" {
		query["updated_at_min"] = since
	}
	if len(scope.IDs) > 0 {
		query["ids"] = strings.Join(scope.IDs, ",")
	}
	if scope.Name != "" {
		query["title"] = scope.Name
	}
	rows, next, err := c.list(ctx, "fetch_item", path, "products", query, req.Cursor, c.limit(req))
	if err != nil {
		return core.Page{}, err
	}
	page := core.Page{NextCursor: next}
	for _, row := range rows {
		page.Records = append(page.Records, productRecord(row, scope.GroupID))
	}
	return page, nil
}

func (c *Client) listOrders(ctx context.Context, scope core.Scope, req core.FetchRequest) ([]map[string]any, string, error) {
	query := map[string]string{"status": "any"}
	if len(scope.IDs) > 0 {
		query["ids"] = strings.Join(scope.IDs, ",")
	}
	if since := strings.TrimSpace(req.Since); since != "" {
		query["updated_at_min"] = since
	}
	return c.list(ctx, "fetch_order", "orders.json", "orders", query, req.Cursor, c.limit(req))
}

// fetchOrderChildren pages through orders and expands each into its
// payments or credits. The cursor is the order cursor.
func (c *Client) fetchOrderChildren(ctx context.Context, entity core.EntityType, scope core.Scope, req core.FetchRequest) (core.Page, error) {
	var (
		orders []map[string]any
		next   string
	)
	if scope.OrderID != "" {
		order, err := c.get(ctx, "get_order", "orders/"+scope.OrderID+".json", "order")
		if err != nil {
			return core.Page{}, err
		}
		orders = []map[string]any{order}
	} else {
		var err error
		if orders, next, err = c.listOrders(ctx, scope, req); err != nil {
			return core.Page{}, err
		}
	}

	page := core.Page{NextCursor: next}
	for _, order := range orders {
		records, err := c.orderChildren(ctx, entity, order)
		if err != nil {
			return core.Page{}, err
		}
		page.Records = append(page.Records, records...)
	}
	return page, nil
}

func (c *Client) orderChildren(ctx context.Context, entity core.EntityType, order map[string]any) ([]core.CanonicalRecord, error) {
	orderID := stringValue(order["id"])
	if entity == core.EntityPayment {
		rows, _, err := c.list(ctx, "fetch_payment", "orders/"+orderID+"/transactions.json", "transactions", nil, "", 0)
		if err != nil {
			return nil, err
		}
		return paymentRecords(order, rows), nil
	}
	rows, _, err := c.list(ctx, "fetch_credit", "orders/"+orderID+"/refunds.json", "refunds", nil, "", 0)
	if err != nil {
		return nil, err
	}
	return creditRecords(order, rows), nil
}

func (c *Client) singlePage(ctx context.Context, entity core.EntityType, id string) (core.Page, error) {
	record, err := c.GetEntity(ctx, entity, id)
	if err != nil {
		if core.IsNotFound(err) {
			return core.Page{}, nil
		}
		return core.Page{}, err
	}
	return core.Page{Records: []core.CanonicalRecord{record}}, nil
}

func (c *Client) GetEntity(ctx context.Context, entity core.EntityType, id string) (core.CanonicalRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return core.CanonicalRecord{}, core.NewPermanentError(core.SystemB, "get", 0, fmt.Errorf("providers/shopify: %s id is required", entity))
	}
	switch entity {
	case core.EntityGroup:
		raw, err := c.get(ctx, "get_group", "custom_collections/"+id+".json", "custom_collection")
		if err == nil {
			return collectionRecord(raw, phaseCustom), nil
		}
		if !core.IsNotFound(err) {
			return core.CanonicalRecord{}, err
		}
		raw, err = c.get(ctx, "get_group", "smart_collections/"+id+".json", "smart_collection")
		if err != nil {
			return core.CanonicalRecord{}, err
		}
		return collectionRecord(raw, phaseSmart), nil
	case core.EntityItem:
		raw, err := c.get(ctx, "get_item", "products/"+id+".json", "product")
		if err != nil {
			return core.CanonicalRecord{}, err
		}
		return productRecord(raw, ""), nil
	case core.EntityOrder:
		raw, err := c.get(ctx, "get_order", "orders/"+id+".json", "order")
		if err != nil {
			return core.CanonicalRecord{}, err
		}
		return orderRecord(raw), nil
	case core.EntityPayment, core.EntityCredit:
		orderID, sequence, err := splitChildID(id)
		if err != nil {
			return core.CanonicalRecord{}, core.NewPermanentError(core.SystemB, "get", 0, err)
		}
		order, err := c.get(ctx, "get_order", "orders/"+orderID+".json", "order")
		if err != nil {
			return core.CanonicalRecord{}, err
		}
		records, err := c.orderChildren(ctx, entity, order)
		if err != nil {
			return core.CanonicalRecord{}, err
		}
		for _, record := range records {
			if record.ID() == childID(orderID, sequence) {
				return record, nil
			}
		}
		return core.CanonicalRecord{}, core.NewPermanentError(core.SystemB, "get_"+string(entity), http.StatusNotFound,
			fmt.Errorf("%w: %s %s", core.ErrNotFound, entity, id))
	case core.EntityCustomer:
		raw, err := c.get(ctx, "get_customer", "customers/"+id+".json", "customer")
		if err != nil {
			return core.CanonicalRecord{}, err
		}
		return customerRecord(raw), nil
	default:
		return core.CanonicalRecord{}, core.NewPermanentError(core.SystemB, "get", 0, fmt.Errorf("%w: %q", core.ErrInvalidEntityType, entity))
	}
}

func (c *Client) CreateEntity(ctx context.Context, entity core.EntityType, record core.CanonicalRecord) (string, error) {
	switch entity {
	case core.EntityGroup:
		payload := writable(record, "title", "handle", "body_html", "published")
		created, err := c.write(ctx, "create_group", http.MethodPost, "custom_collections.json", "custom_collection", payload)
		if err != nil {
			return "", err
		}
		return createdID(created, "create_group")
	case core.EntityItem:
		payload := productPayload(record, "")
		created, err := c.write(ctx, "create_item", http.MethodPost, "products.json", "product", payload)
		if err != nil {
			return "", err
		}
		id, err := createdID(created, "create_item")
		if err != nil {
			return "", err
		}
		if err := c.ensureCollect(ctx, id, record.String("collection_id")); err != nil {
			return id, err
		}
		return id, nil
	case core.EntityCustomer:
		created, err := c.write(ctx, "create_customer", http.MethodPost, "customers.json", "customer", customerPayload(record))
		if err != nil {
			return "", err
		}
		return createdID(created, "create_customer")
	default:
		return "", unsupportedWrite(entity, "create")
	}
}

func (c *Client) UpdateEntity(ctx context.Context, entity core.EntityType, targetID string, record core.CanonicalRecord) (core.Outcome, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return core.OutcomeFailed, core.NewPermanentError(core.SystemB, "update", 0, fmt.Errorf("providers/shopify: target id is required"))
	}
	switch entity {
	case core.EntityGroup:
		payload := writable(record, "title", "handle", "body_html", "published")
		payload["id"] = wireID(targetID)
		if _, err := c.write(ctx, "update_group", http.MethodPut, "custom_collections/"+targetID+".json", "custom_collection", payload); err != nil {
			return core.OutcomeFailed, err
		}
	case core.EntityItem:
		existing, err := c.get(ctx, "get_item", "products/"+targetID+".json", "product")
		if err != nil {
			return core.OutcomeFailed, err
		}
		variantID := stringValue(productRecord(existing, "").Fields()["variant_id"])
		payload := productPayload(record, variantID)
		payload["id"] = wireID(targetID)
		if _, err := c.write(ctx, "update_item", http.MethodPut, "products/"+targetID+".json", "product", payload); err != nil {
			return core.OutcomeFailed, err
		}
		if err := c.ensureCollect(ctx, targetID, record.String("collection_id")); err != nil {
			return core.OutcomeFailed, err
		}
	case core.EntityCustomer:
		payload := customerPayload(record)
		payload["id"] = wireID(targetID)
		if _, err := c.write(ctx, "update_customer", http.MethodPut, "customers/"+targetID+".json", "customer", payload); err != nil {
			return core.OutcomeFailed, err
		}
	default:
		return core.OutcomeFailed, unsupportedWrite(entity, "update")
	}
	return core.OutcomeUpdated, nil
}

// Ping reads the shop resource.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.get(ctx, "ping", "shop.json", "shop")
	return err
}

// ensureCollect links a product to a custom collection. Shopify answers 422
// when the link already exists.
func (c *Client) ensureCollect(ctx context.Context, productID, collectionID string) error {
	if productID == "" || collectionID == "" {
		return nil
	}
	payload := map[string]any{"product_id": wireID(productID), "collection_id": wireID(collectionID)}
	_, err := c.write(ctx, "collect_item", http.MethodPost, "collects.json", "collect", payload)
	var permanent *core.PermanentError
	if errors.As(err, &permanent) && permanent.StatusCode == http.StatusUnprocessableEntity {
		return nil
	}
	return err
}

func (c *Client) list(
	ctx context.Context,
	op string,
	path string,
	root string,
	query map[string]string,
	pageInfo string,
	limit int,
) ([]map[string]any, string, error) {
	params := map[string]string{}
	if pageInfo = strings.TrimSpace(pageInfo); pageInfo != "" {
		// page_info requests reject every filter except limit.
		params["page_info"] = pageInfo
	} else {
		for key, value := range query {
			params[key] = value
		}
	}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}

	var envelope map[string]any
	res, err := c.http.DoJSON(ctx, op, transport.Request{Method: http.MethodGet, URL: path, Query: params}, nil, &envelope)
	if err != nil {
		return nil, "", err
	}
	normalizeNumbers(envelope)
	items, _ := envelope[root].([]any)
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if row, ok := item.(map[string]any); ok {
			out = append(out, row)
		}
	}
	return out, nextPageInfo(res.Header("Link")), nil
}

func (c *Client) get(ctx context.Context, op, path, root string) (map[string]any, error) {
	var envelope map[string]any
	res, err := c.http.DoJSON(ctx, op, transport.Request{Method: http.MethodGet, URL: path}, nil, &envelope)
	if err != nil {
		return nil, err
	}
	normalizeNumbers(envelope)
	row, ok := envelope[root].(map[string]any)
	if !ok {
		return nil, core.NewPermanentError(core.SystemB, op, res.StatusCode, fmt.Errorf("providers/shopify: %s response has no %q", path, root))
	}
	return row, nil
}

func (c *Client) write(ctx context.Context, op, method, path, root string, payload map[string]any) (map[string]any, error) {
	var envelope map[string]any
	if _, err := c.http.DoJSON(ctx, op, transport.Request{Method: method, URL: path}, map[string]any{root: payload}, &envelope); err != nil {
		return nil, err
	}
	normalizeNumbers(envelope)
	row, _ := envelope[root].(map[string]any)
	return row, nil
}

func (c *Client) limit(req core.FetchRequest) int {
	if req.Limit > 0 && req.Limit < c.pageSize {
		return req.Limit
	}
	return c.pageSize
}

func productPayload(record core.CanonicalRecord, variantID string) map[string]any {
	payload := writable(record, "title", "body_html", "vendor", "product_type", "status")
	variant := writable(record, "sku", "price", "inventory_quantity")
	if variantID != "" {
		variant["id"] = wireID(variantID)
		delete(variant, "inventory_quantity")
	}
	if price, ok := variant["price"]; ok {
		variant["price"] = stringValue(price)
	}
	if len(variant) > 0 {
		payload["variants"] = []any{variant}
	}
	return payload
}

func customerPayload(record core.CanonicalRecord) map[string]any {
	payload := writable(record, "first_name", "last_name", "email", "phone")
	if _, ok := payload["first_name"]; !ok {
		if first, last, found := strings.Cut(record.String("full_name"), " "); first != "" {
			payload["first_name"] = first
			if found {
				payload["last_name"] = strings.TrimSpace(last)
			}
		}
	}
	return payload
}

// wireID sends numeric ids as JSON numbers.
func wireID(id string) any {
	if parsed, err := strconv.ParseInt(id, 10, 64); err == nil {
		return parsed
	}
	return id
}

func createdID(created map[string]any, op string) (string, error) {
	id := stringValue(created["id"])
	if id == "" {
		return "", core.NewPermanentError(core.SystemB, op, 0, fmt.Errorf("providers/shopify: response carried no id"))
	}
	return id, nil
}

func unsupportedWrite(entity core.EntityType, op string) error {
	return core.NewPermanentError(core.SystemB, op+"_"+string(entity), 0, fmt.Errorf("%w: %s is read-only in shopify", core.ErrUnsupportedFlow, entity))
}

var _ core.SystemClient = (*Client)(nil)
