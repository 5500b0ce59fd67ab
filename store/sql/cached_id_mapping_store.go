package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/goliatone/go-erpsync/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const idMappingCacheKeyPrefix = "go-erpsync::id_mapping::v1"

var errMappingAbsent = errors.New("sqlstore: id mapping absent")

// CachedIDMappingStore serves Lookup through a read-through cache. Misses are
// not cached so a mapping written by another worker becomes visible at once.
type CachedIDMappingStore struct {
	base  core.IDMappingStore
	cache repositorycache.CacheService
}

func NewCachedIDMappingStore(base core.IDMappingStore, cacheService repositorycache.CacheService) (*CachedIDMappingStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base id mapping store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: id mapping cache service is required")
	}
	return &CachedIDMappingStore{base: base, cache: cacheService}, nil
}

// IDMappingCacheKey renders go-erpsync::id_mapping::v1::<entity>::<source>::<source_id>::<target>
// with every segment URL-path escaped.
func IDMappingCacheKey(key core.IDMappingKey) (string, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return "", err
	}
	segments := []string{
		string(key.EntityType),
		string(key.SourceSystem),
		key.SourceID,
		string(key.TargetSystem),
	}
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(append([]string{idMappingCacheKeyPrefix}, segments...), "::"), nil
}

func (s *CachedIDMappingStore) Lookup(ctx context.Context, key core.IDMappingKey) (core.IDMapping, bool, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.IDMapping{}, false, fmt.Errorf("sqlstore: cached id mapping store is not configured")
	}
	key = key.Normalize()
	cacheKey, err := IDMappingCacheKey(key)
	if err != nil {
		return core.IDMapping{}, false, err
	}

	mapping, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.IDMapping, error) {
		fetched, ok, fetchErr := s.base.Lookup(ctx, key)
		if fetchErr != nil {
			return core.IDMapping{}, fetchErr
		}
		if !ok {
			return core.IDMapping{}, errMappingAbsent
		}
		return fetched, nil
	})
	if err != nil {
		if errors.Is(err, errMappingAbsent) {
			return core.IDMapping{}, false, nil
		}
		return core.IDMapping{}, false, err
	}
	return mapping, true, nil
}

func (s *CachedIDMappingStore) PutIfAbsent(ctx context.Context, key core.IDMappingKey, targetID string) (core.IDMapping, bool, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.IDMapping{}, false, fmt.Errorf("sqlstore: cached id mapping store is not configured")
	}
	mapping, created, err := s.base.PutIfAbsent(ctx, key, targetID)
	if err != nil {
		return core.IDMapping{}, false, err
	}
	if err := s.invalidate(ctx, key); err != nil {
		return core.IDMapping{}, false, err
	}
	return mapping, created, nil
}

func (s *CachedIDMappingStore) Put(ctx context.Context, key core.IDMappingKey, targetID string) (core.IDMapping, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.IDMapping{}, fmt.Errorf("sqlstore: cached id mapping store is not configured")
	}
	mapping, err := s.base.Put(ctx, key, targetID)
	if err != nil {
		return core.IDMapping{}, err
	}
	if err := s.invalidate(ctx, key); err != nil {
		return core.IDMapping{}, err
	}
	return mapping, nil
}

func (s *CachedIDMappingStore) invalidate(ctx context.Context, key core.IDMappingKey) error {
	cacheKey, err := IDMappingCacheKey(key)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}
