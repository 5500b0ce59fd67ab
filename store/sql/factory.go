package sqlstore

import (
	"fmt"

	"github.com/goliatone/go-erpsync/core"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"
)

// RepositoryFactory builds every sync state store over one bun database.
type RepositoryFactory struct {
	db    *bun.DB
	clock core.Clock
	cache repositorycache.CacheService

	idMappingStore    *IDMappingStore
	checkpointStore   *CheckpointStore
	failedRecordStore *FailedRecordStore
	runStore          *RunStore
	cachedIDMappings  *CachedIDMappingStore
}

type FactoryOption func(*RepositoryFactory)

// WithClock overrides the timestamp source of every store.
func WithClock(clock core.Clock) FactoryOption {
	return func(f *RepositoryFactory) {
		f.clock = withClock(clock)
	}
}

// WithIDMappingCache fronts id mapping lookups with cacheService.
func WithIDMappingCache(cacheService repositorycache.CacheService) FactoryOption {
	return func(f *RepositoryFactory) {
		f.cache = cacheService
	}
}

func NewRepositoryFactory(opts ...FactoryOption) *RepositoryFactory {
	factory := &RepositoryFactory{clock: core.DefaultClock}
	for _, opt := range opts {
		if opt != nil {
			opt(factory)
		}
	}
	return factory
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.idMappingStore != nil && f.checkpointStore != nil {
		return nil
	}
	return f.initStores()
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

// IDMappingStore returns the cached store when a cache service was configured.
func (f *RepositoryFactory) IDMappingStore() core.IDMappingStore {
	if f == nil {
		return nil
	}
	if f.cachedIDMappings != nil {
		return f.cachedIDMappings
	}
	if f.idMappingStore == nil {
		return nil
	}
	return f.idMappingStore
}

func (f *RepositoryFactory) CheckpointStore() *CheckpointStore {
	if f == nil {
		return nil
	}
	return f.checkpointStore
}

func (f *RepositoryFactory) FailedRecordStore() *FailedRecordStore {
	if f == nil {
		return nil
	}
	return f.failedRecordStore
}

func (f *RepositoryFactory) RunStore() *RunStore {
	if f == nil {
		return nil
	}
	return f.runStore
}

func (f *RepositoryFactory) initStores() error {
	clock := f.clock
	if clock == nil {
		clock = core.DefaultClock
	}

	idMappingStore, err := NewIDMappingStore(f.db)
	if err != nil {
		return err
	}
	idMappingStore.now = clock
	f.idMappingStore = idMappingStore

	checkpointStore, err := NewCheckpointStore(f.db)
	if err != nil {
		return err
	}
	checkpointStore.now = clock
	f.checkpointStore = checkpointStore

	failedRecordStore, err := NewFailedRecordStore(f.db)
	if err != nil {
		return err
	}
	failedRecordStore.now = clock
	f.failedRecordStore = failedRecordStore

	runStore, err := NewRunStore(f.db)
	if err != nil {
		return err
	}
	runStore.now = clock
	f.runStore = runStore

	if f.cache != nil {
		cached, err := NewCachedIDMappingStore(idMappingStore, f.cache)
		if err != nil {
			return err
		}
		f.cachedIDMappings = cached
	}
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
