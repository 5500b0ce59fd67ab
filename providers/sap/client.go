// Package sap implements the ERP side of the sync against the SAP Business
// One Service Layer.
package sap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-erpsync/core"
	"github.com/goliatone/go-erpsync/transport"
)

const (
	defaultPageSize = 100
	sinceDateLayout = "2006-01-02"
)

// Client is the SystemClient for System A.
type Client struct {
	cfg      core.SAPConfig
	http     *transport.Client
	pageSize int
}

type listResponse struct {
	Value    []map[string]any `json:"value"`
	NextLink string           `json:"odata.nextLink"`
}

// New builds a Service Layer client. Options are applied after the
// session authenticator so callers can override transport settings.
func New(cfg core.SAPConfig, opts ...transport.ClientOption) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.ServiceLayerURL)
	if baseURL == "" {
		return nil, fmt.Errorf("providers/sap: service_layer_url is required")
	}
	if strings.TrimSpace(cfg.CompanyDB) == "" || strings.TrimSpace(cfg.Username) == "" {
		return nil, fmt.Errorf("providers/sap: company_db and username are required")
	}

	auth := &sessionAuth{
		companyDB: strings.TrimSpace(cfg.CompanyDB),
		username:  strings.TrimSpace(cfg.Username),
		password:  cfg.Password,
	}
	base := []transport.ClientOption{transport.WithAuthenticator(auth)}
	if !cfg.VerifySSL {
		base = append(base, transport.WithHTTPClient(&http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}, //nolint:gosec
		}))
	}
	httpClient, err := transport.NewClient(core.SystemA, baseURL, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	auth.client = httpClient
	return &Client{cfg: cfg, http: httpClient, pageSize: defaultPageSize}, nil
}

func (c *Client) System() core.System {
	return core.SystemA
}

func (c *Client) FetchEntities(ctx context.Context, entity core.EntityType, req core.FetchRequest) (core.Page, error) {
	res, err := resourceFor(entity)
	if err != nil {
		return core.Page{}, core.NewPermanentError(core.SystemA, "fetch", 0, err)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = c.pageSize
	}
	skip := 0
	if cursor := strings.TrimSpace(req.Cursor); cursor != "" {
		if skip, err = strconv.Atoi(cursor); err != nil || skip < 0 {
			return core.Page{}, core.NewPermanentError(core.SystemA, "fetch", 0, fmt.Errorf("providers/sap: invalid cursor %q", req.Cursor))
		}
	}

	query := map[string]string{
		"$top":     strconv.Itoa(limit),
		"$skip":    strconv.Itoa(skip),
		"$orderby": res.orderBy(),
	}
	filter, err := buildFilter(entity, req.Scope.Normalize(), req.Since)
	if err != nil {
		return core.Page{}, core.NewPermanentError(core.SystemA, "fetch", 0, err)
	}
	if filter != "" {
		query["$filter"] = filter
	}

	var out listResponse
	if _, err := c.http.DoJSON(ctx, "fetch_"+string(entity), transport.Request{
		Method:  http.MethodGet,
		URL:     res.path,
		Query:   query,
		Headers: map[string]string{"Prefer": "odata.maxpagesize=" + strconv.Itoa(limit)},
	}, nil, &out); err != nil {
		return core.Page{}, err
	}

	page := core.Page{Records: make([]core.CanonicalRecord, 0, len(out.Value))}
	for _, raw := range out.Value {
		page.Records = append(page.Records, c.toCanonical(entity, res, raw))
	}
	if len(out.Value) >= limit || strings.TrimSpace(out.NextLink) != "" {
		page.NextCursor = strconv.Itoa(skip + len(out.Value))
	}
	if len(out.Value) == 0 {
		page.NextCursor = ""
	}
	return page, nil
}

// FetchesInMarkerOrder reports true for every synced resource: listings are
// ordered by UpdateDate and UpdateTime, then by key.
func (c *Client) FetchesInMarkerOrder(entity core.EntityType) bool {
	_, err := resourceFor(entity)
	return err == nil
}

func (c *Client) GetEntity(ctx context.Context, entity core.EntityType, id string) (core.CanonicalRecord, error) {
	res, err := resourceFor(entity)
	if err != nil {
		return core.CanonicalRecord{}, core.NewPermanentError(core.SystemA, "get", 0, err)
	}
	if entity == core.EntityCredit && strings.HasPrefix(id, refundTargetPrefix) {
		res = refundResource
		id = strings.TrimPrefix(id, refundTargetPrefix)
	}
	path, err := res.entityPath(id)
	if err != nil {
		return core.CanonicalRecord{}, core.NewPermanentError(core.SystemA, "get", 0, err)
	}
	var raw map[string]any
	if _, err := c.http.DoJSON(ctx, "get_"+string(entity), transport.Request{Method: http.MethodGet, URL: path}, nil, &raw); err != nil {
		return core.CanonicalRecord{}, err
	}
	return c.toCanonical(entity, res, raw), nil
}

// CreateEntity posts the record and returns the key SAP assigned.
func (c *Client) CreateEntity(ctx context.Context, entity core.EntityType, record core.CanonicalRecord) (string, error) {
	res, err := resourceFor(entity)
	if err != nil {
		return "", core.NewPermanentError(core.SystemA, "create", 0, err)
	}
	prefix := ""
	if entity == core.EntityCredit && strings.EqualFold(record.String("U_CreditKind"), creditKindRefund) {
		res = refundResource
		prefix = refundTargetPrefix
	}
	payload := c.toWire(entity, res, record, true)
	if res.path == refundResource.path {
		payload = refundPayload(payload)
	}

	var created map[string]any
	response, err := c.http.DoJSON(ctx, "create_"+string(entity), transport.Request{Method: http.MethodPost, URL: res.path}, payload, &created)
	if err != nil {
		return "", err
	}
	key := stringValue(created[res.keyField])
	if key == "" {
		key = stringValue(payload[res.keyField])
	}
	if key == "" {
		return "", core.NewPermanentError(core.SystemA, "create_"+string(entity), response.StatusCode,
			fmt.Errorf("providers/sap: %s response carried no %s", res.path, res.keyField))
	}
	return prefix + key, nil
}

func (c *Client) UpdateEntity(ctx context.Context, entity core.EntityType, targetID string, record core.CanonicalRecord) (core.Outcome, error) {
	res, err := resourceFor(entity)
	if err != nil {
		return core.OutcomeFailed, core.NewPermanentError(core.SystemA, "update", 0, err)
	}
	if entity == core.EntityCredit && strings.HasPrefix(targetID, refundTargetPrefix) {
		res = refundResource
		targetID = strings.TrimPrefix(targetID, refundTargetPrefix)
	}
	path, err := res.entityPath(targetID)
	if err != nil {
		return core.OutcomeFailed, core.NewPermanentError(core.SystemA, "update", 0, err)
	}
	payload := c.toWire(entity, res, record, false)
	if res.path == refundResource.path {
		payload = refundPayload(payload)
	}
	if len(payload) == 0 {
		return core.OutcomeSkipped, nil
	}
	if _, err := c.http.DoJSON(ctx, "update_"+string(entity), transport.Request{Method: http.MethodPatch, URL: path}, payload, nil); err != nil {
		return core.OutcomeFailed, err
	}
	return core.OutcomeUpdated, nil
}

// Ping performs a login and a one-row read.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.http.Do(ctx, "ping", transport.Request{
		Method: http.MethodGet,
		URL:    "BusinessPartners",
		Query:  map[string]string{"$top": "1", "$select": "CardCode"},
	})
	return err
}

// refundPayload reshapes a credit into an outgoing payment document.
func refundPayload(payload map[string]any) map[string]any {
	out := map[string]any{}
	for _, key := range []string{"CardCode", "DocDate", "DocType", "CashSum", "U_ShopifyRefundId", "U_CreditKind"} {
		if value, ok := payload[key]; ok {
			out[key] = value
		}
	}
	if comments, ok := payload["Comments"]; ok {
		out["Remarks"] = comments
	}
	return out
}

func buildFilter(entity core.EntityType, scope core.Scope, since string) (string, error) {
	var clauses []string
	switch entity {
	case core.EntityGroup:
		if scope.GroupID != "" {
			number, err := strconv.Atoi(scope.GroupID)
			if err != nil {
				return "", fmt.Errorf("providers/sap: group id must be a number, got %q", scope.GroupID)
			}
			clauses = append(clauses, fmt.Sprintf("Number eq %d", number))
		}
		if scope.Name != "" {
			clauses = append(clauses, fmt.Sprintf("GroupName eq '%s'", escapeODataString(scope.Name)))
		}
	case core.EntityItem:
		if scope.GroupID != "" {
			number, err := strconv.Atoi(scope.GroupID)
			if err != nil {
				return "", fmt.Errorf("providers/sap: group id must be a number, got %q", scope.GroupID)
			}
			clauses = append(clauses, fmt.Sprintf("ItemsGroupCode eq %d", number))
		}
		if scope.Name != "" {
			clauses = append(clauses, fmt.Sprintf("ItemName eq '%s'", escapeODataString(scope.Name)))
		}
		clauses = append(clauses, keyClause("ItemCode", scope.IDs))
	case core.EntityOrder:
		if scope.OrderID != "" {
			clauses = append(clauses, fmt.Sprintf("U_ShopifyOrderId eq '%s'", escapeODataString(scope.OrderID)))
		}
	case core.EntityCustomer:
		clauses = append(clauses, keyClause("CardCode", scope.IDs))
		clauses = append(clauses, "CardType eq 'cCustomer'")
	}
	if since = strings.TrimSpace(since); since != "" {
		if at, err := time.Parse(time.RFC3339, since); err == nil {
			clauses = append(clauses, fmt.Sprintf("UpdateDate ge '%s'", at.UTC().Format(sinceDateLayout)))
		}
	}

	out := make([]string, 0, len(clauses))
	for _, clause := range clauses {
		if clause != "" {
			out = append(out, clause)
		}
	}
	return strings.Join(out, " and "), nil
}

func keyClause(field string, ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s eq '%s'", field, escapeODataString(id)))
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, " or ") + ")"
}

var _ core.SystemClient = (*Client)(nil)
