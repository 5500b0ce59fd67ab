package core

import (
	"context"
	"fmt"
)

// Iterate walks every page of FetchEntities starting at req.Cursor and calls
// yield for each record. Returning false from yield stops the walk. The last
// cursor handed to FetchEntities is returned so callers can resume.
func Iterate(
	ctx context.Context,
	client SystemClient,
	entity EntityType,
	req FetchRequest,
	yield func(CanonicalRecord) bool,
) (string, error) {
	if client == nil {
		return "", fmt.Errorf("core: system client is required")
	}
	cursor := req.Cursor
	for {
		if err := ctx.Err(); err != nil {
			return cursor, err
		}
		req.Cursor = cursor
		page, err := client.FetchEntities(ctx, entity, req)
		if err != nil {
			return cursor, err
		}
		for _, record := range page.Records {
			if !yield(record) {
				return cursor, nil
			}
		}
		if page.NextCursor == "" || page.NextCursor == cursor {
			return "", nil
		}
		cursor = page.NextCursor
	}
}

// FetchAll collects every record for a request. Intended for bounded scopes.
func FetchAll(ctx context.Context, client SystemClient, entity EntityType, req FetchRequest) ([]CanonicalRecord, error) {
	var out []CanonicalRecord
	_, err := Iterate(ctx, client, entity, req, func(record CanonicalRecord) bool {
		out = append(out, record)
		return true
	})
	return out, err
}
