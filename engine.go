package erpsync

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/goliatone/go-erpsync/adapters/gocommand"
	"github.com/goliatone/go-erpsync/adapters/gojob"
	"github.com/goliatone/go-erpsync/adapters/gologger"
	promadapter "github.com/goliatone/go-erpsync/adapters/prometheus"
	"github.com/goliatone/go-erpsync/core"
	"github.com/goliatone/go-erpsync/security"
	sqlstore "github.com/goliatone/go-erpsync/store/sql"
	"github.com/goliatone/go-erpsync/sync"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

// CheckpointStore is the checkpoint store plus the listing used by status queries.
type CheckpointStore interface {
	core.CheckpointStore
	List(ctx context.Context) ([]core.SyncCheckpoint, error)
}

// Stores carries the durable sync state the engine runs against.
type Stores struct {
	Mappings    core.IDMappingStore
	Checkpoints CheckpointStore
	Failed      core.FailedRecordStore
	Runs        core.RunStore
}

func (s Stores) complete() bool {
	return s.Mappings != nil && s.Checkpoints != nil && s.Failed != nil && s.Runs != nil
}

type EngineOption func(*engineOptions)

type engineOptions struct {
	configFile     string
	envFile        string
	runtime        core.Config
	provider       core.ConfigProvider
	secrets        security.SecretProvider
	appKey         string
	definitions    fs.FS
	logger         core.Logger
	loggerProvider core.LoggerProvider
	logOutput      io.Writer
	logLevel       string
	metrics        *promadapter.Recorder
	clients        map[core.System]core.SystemClient
	stores         *Stores
	persistence    *persistence.Client
	idCache        bool
	commands       *gocommand.RegistryAdapter
	syncOptions    []sync.Option
}

// WithConfigFile loads a JSON or YAML config document.
func WithConfigFile(path string) EngineOption {
	return func(o *engineOptions) { o.configFile = path }
}

// WithEnvFile overlays ERPSYNC_* values from a dotenv file.
func WithEnvFile(path string) EngineOption {
	return func(o *engineOptions) { o.envFile = path }
}

// WithRuntimeConfig layers non-zero fields of cfg over the loaded config.
func WithRuntimeConfig(cfg core.Config) EngineOption {
	return func(o *engineOptions) { o.runtime = cfg }
}

// WithConfigProvider replaces the file based provider.
func WithConfigProvider(provider core.ConfigProvider) EngineOption {
	return func(o *engineOptions) { o.provider = provider }
}

// WithSecretProvider decrypts sealed credentials in the resolved config.
func WithSecretProvider(provider security.SecretProvider) EngineOption {
	return func(o *engineOptions) { o.secrets = provider }
}

// WithAppKey unseals credentials with an AES-GCM sealer derived from key.
// An empty key is ignored.
func WithAppKey(key string) EngineOption {
	return func(o *engineOptions) { o.appKey = key }
}

// WithDefinitions loads schema and mapping documents from fsys instead of
// sync.definitions_dir or the embedded set.
func WithDefinitions(fsys fs.FS) EngineOption {
	return func(o *engineOptions) { o.definitions = fsys }
}

func WithLogger(logger core.Logger) EngineOption {
	return func(o *engineOptions) { o.logger = logger }
}

func WithLoggerProvider(provider core.LoggerProvider) EngineOption {
	return func(o *engineOptions) { o.loggerProvider = provider }
}

// WithLogOutput sets the sink and level of the default console logger.
func WithLogOutput(out io.Writer, level string) EngineOption {
	return func(o *engineOptions) {
		o.logOutput = out
		o.logLevel = level
	}
}

func WithMetrics(recorder *promadapter.Recorder) EngineOption {
	return func(o *engineOptions) { o.metrics = recorder }
}

// WithClients replaces the configured system clients, keyed by system.
func WithClients(clients ...core.SystemClient) EngineOption {
	return func(o *engineOptions) {
		if o.clients == nil {
			o.clients = map[core.System]core.SystemClient{}
		}
		for _, client := range clients {
			if client != nil {
				o.clients[client.System()] = client
			}
		}
	}
}

// WithStores skips the SQL store and runs against the given state stores.
func WithStores(stores Stores) EngineOption {
	return func(o *engineOptions) { o.stores = &stores }
}

// WithPersistenceClient builds stores over a host owned persistence client.
// The host applies the schema first, see migrations.Apply.
func WithPersistenceClient(client *persistence.Client) EngineOption {
	return func(o *engineOptions) { o.persistence = client }
}

// WithIDMappingCache fronts id mapping lookups with an in-process cache.
func WithIDMappingCache(enabled bool) EngineOption {
	return func(o *engineOptions) { o.idCache = enabled }
}

func WithCommandRegistry(adapter *gocommand.RegistryAdapter) EngineOption {
	return func(o *engineOptions) { o.commands = adapter }
}

func WithSyncOptions(opts ...sync.Option) EngineOption {
	return func(o *engineOptions) { o.syncOptions = append(o.syncOptions, opts...) }
}

// Engine wires configuration, registries, system clients, sync state and the
// command bus into one runnable unit.
type Engine struct {
	config     core.Config
	telemetry  core.Telemetry
	metrics    *promadapter.Recorder
	schemas    *core.SchemaRegistry
	mappings   *core.MappingRegistry
	translator *core.Translator
	clients    map[core.System]core.SystemClient
	stores     Stores

	orchestrator *sync.Orchestrator
	bus          *gocommand.Bus

	persistence     *persistence.Client
	ownsPersistence bool
}

// NewEngine resolves config and builds every component. Errors returned here
// are startup errors: config, definitions, clients or storage.
func NewEngine(ctx context.Context, opts ...EngineOption) (*Engine, error) {
	options := engineOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	provider := options.provider
	if provider == nil {
		provider = core.NewCfgxConfigProvider(core.NewFileConfigLoader(options.configFile, options.envFile))
	}
	cfg, err := core.ResolveConfig(ctx, provider, core.GoOptionsResolver{}, options.runtime)
	if err != nil {
		return nil, fmt.Errorf("erpsync: resolve config: %w", err)
	}
	if err := unsealCredentials(ctx, &cfg, options); err != nil {
		return nil, fmt.Errorf("erpsync: resolve config: %w", err)
	}

	engine := &Engine{config: cfg, clients: map[core.System]core.SystemClient{}}
	engine.telemetry, engine.metrics = newTelemetry(cfg, options)

	definitions := options.definitions
	if definitions == nil && strings.TrimSpace(cfg.Sync.DefinitionsDir) != "" {
		definitions = os.DirFS(cfg.Sync.DefinitionsDir)
	}
	engine.schemas, engine.mappings, err = LoadRegistries(definitions)
	if err != nil {
		return nil, fmt.Errorf("erpsync: load definitions: %w", err)
	}
	if prefix := strings.TrimSpace(cfg.Sync.CodePrefix); prefix != "" {
		if err := engine.mappings.OverrideParam(core.EntityGroup, "Code", "prefix", prefix); err != nil {
			return nil, fmt.Errorf("erpsync: apply code prefix: %w", err)
		}
	}
	engine.translator, err = core.NewTranslator(engine.schemas, engine.mappings)
	if err != nil {
		return nil, fmt.Errorf("erpsync: build translator: %w", err)
	}

	if err := engine.buildClients(cfg, options.clients); err != nil {
		return nil, err
	}
	if err := engine.buildStores(ctx, cfg, options); err != nil {
		return nil, err
	}

	engine.orchestrator, err = sync.NewOrchestrator(sync.Dependencies{
		Clients:     engine.clients,
		Translator:  engine.translator,
		Mappings:    engine.stores.Mappings,
		Checkpoints: engine.stores.Checkpoints,
		Failed:      engine.stores.Failed,
		Runs:        engine.stores.Runs,
		Config:      cfg,
		Telemetry:   engine.telemetry,
	}, options.syncOptions...)
	if err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("erpsync: build orchestrator: %w", err)
	}

	engine.bus, err = gocommand.Wire(options.commands, gocommand.Handlers{
		Sync:        engine.orchestrator,
		Connections: engine,
		Failed:      engine.stores.Failed,
		Checkpoints: engine.stores.Checkpoints,
		Runs:        engine.stores.Runs,
		Mappings:    engine.mappings,
		Items:       engine,
	})
	if err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("erpsync: wire commands: %w", err)
	}
	return engine, nil
}

func unsealCredentials(ctx context.Context, cfg *core.Config, options engineOptions) error {
	provider := options.secrets
	if provider == nil && strings.TrimSpace(options.appKey) != "" {
		sealer, err := security.NewAppKeySealerFromString(options.appKey)
		if err != nil {
			return err
		}
		provider = sealer
	}
	return security.UnsealConfig(ctx, provider, cfg)
}

func newTelemetry(cfg core.Config, options engineOptions) (core.Telemetry, *promadapter.Recorder) {
	logger := options.logger
	if logger == nil && options.loggerProvider == nil {
		out := options.logOutput
		if out == nil {
			out = os.Stderr
		}
		logger = gologger.NewConsoleLogger(out, gologger.ParseLevel(options.logLevel)).Named(cfg.ServiceName)
	}
	_, logger = gologger.Resolve(cfg.ServiceName, options.loggerProvider, logger)

	metrics := options.metrics
	if metrics == nil {
		metrics = promadapter.NewRecorder(cfg.ServiceName)
	}
	return core.Telemetry{Logger: logger, Metrics: metrics}, metrics
}

func (e *Engine) buildClients(cfg core.Config, injected map[core.System]core.SystemClient) error {
	for system, client := range injected {
		e.clients[system] = client
	}
	if _, ok := e.clients[core.SystemA]; !ok && strings.TrimSpace(cfg.SAP.ServiceLayerURL) != "" {
		client, err := SAPClient(cfg, e.telemetry)
		if err != nil {
			return fmt.Errorf("erpsync: build sap client: %w", err)
		}
		e.clients[core.SystemA] = client
	}
	if _, ok := e.clients[core.SystemB]; !ok && strings.TrimSpace(cfg.Shopify.ShopURL) != "" {
		client, err := ShopifyClient(cfg, e.telemetry)
		if err != nil {
			return fmt.Errorf("erpsync: build shopify client: %w", err)
		}
		e.clients[core.SystemB] = client
	}
	return nil
}

func (e *Engine) buildStores(ctx context.Context, cfg core.Config, options engineOptions) error {
	if options.stores != nil {
		if !options.stores.complete() {
			return fmt.Errorf("erpsync: stores are incomplete")
		}
		e.stores = *options.stores
		return nil
	}

	client := options.persistence
	if client == nil {
		opened, err := OpenPersistence(ctx, cfg.Store)
		if err != nil {
			return err
		}
		client = opened
		e.ownsPersistence = true
	}
	e.persistence = client

	var factoryOpts []sqlstore.FactoryOption
	if options.idCache {
		cacheConfig := repositorycache.DefaultConfig()
		cacheConfig.TTL = 10 * time.Minute
		cacheService, err := repositorycache.NewCacheService(cacheConfig)
		if err != nil {
			_ = e.Close()
			return fmt.Errorf("erpsync: build id mapping cache: %w", err)
		}
		factoryOpts = append(factoryOpts, sqlstore.WithIDMappingCache(cacheService))
	}
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client, factoryOpts...)
	if err != nil {
		_ = e.Close()
		return fmt.Errorf("erpsync: build stores: %w", err)
	}
	e.stores = Stores{
		Mappings:    factory.IDMappingStore(),
		Checkpoints: factory.CheckpointStore(),
		Failed:      factory.FailedRecordStore(),
		Runs:        factory.RunStore(),
	}
	return nil
}

func (e *Engine) Config() core.Config {
	if e == nil {
		return core.Config{}
	}
	return e.config
}

func (e *Engine) Telemetry() core.Telemetry {
	if e == nil {
		return core.Telemetry{}
	}
	return e.telemetry
}

func (e *Engine) Metrics() *promadapter.Recorder {
	if e == nil {
		return nil
	}
	return e.metrics
}

func (e *Engine) Mappings() *core.MappingRegistry {
	if e == nil {
		return nil
	}
	return e.mappings
}

func (e *Engine) Translator() *core.Translator {
	if e == nil {
		return nil
	}
	return e.translator
}

func (e *Engine) Stores() Stores {
	if e == nil {
		return Stores{}
	}
	return e.stores
}

func (e *Engine) Orchestrator() *sync.Orchestrator {
	if e == nil {
		return nil
	}
	return e.orchestrator
}

func (e *Engine) Bus() *gocommand.Bus {
	if e == nil {
		return nil
	}
	return e.bus
}

func (e *Engine) Client(system core.System) (core.SystemClient, bool) {
	if e == nil {
		return nil, false
	}
	client, ok := e.clients[system]
	return client, ok
}

// JobProcessor returns a go-job processor that runs queued sync and retry jobs
// against this engine. Lifecycle events are reported through the engine telemetry.
func (e *Engine) JobProcessor(opts ...gojob.ProcessorOption) *gojob.Processor {
	if e == nil {
		return nil
	}
	base := []gojob.ProcessorOption{
		gojob.WithTelemetry(e.telemetry),
		gojob.WithHook(gojob.NewTelemetryHook(e.telemetry)),
	}
	return gojob.NewProcessor(e.orchestrator, gojob.DefaultRetryPolicy(e.config.Sync), append(base, opts...)...)
}

// TestConnection checks one system with its cheapest authenticated call.
func (e *Engine) TestConnection(ctx context.Context, system core.System) error {
	client, ok := e.Client(system)
	if !ok {
		return fmt.Errorf("erpsync: %s is not configured", system)
	}
	startedAt := time.Now()
	err := client.Ping(ctx)
	e.telemetry.ObserveOperation(ctx, startedAt, "connection.test", err, map[string]any{"system": string(system)})
	return err
}

// CheckItems lists SAP items of groupID that cannot be created in Shopify.
func (e *Engine) CheckItems(ctx context.Context, groupID string) ([]sync.MissingField, error) {
	client, ok := e.Client(core.SystemA)
	if !ok {
		return nil, fmt.Errorf("erpsync: %s is not configured", core.SystemA)
	}
	return sync.CheckItems(ctx, client, e.translator, groupID, core.SystemB)
}

// Close releases the command subscriptions and any storage the engine opened.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	e.bus.Close()
	e.bus = nil
	var err error
	if e.ownsPersistence && e.persistence != nil {
		err = e.persistence.Close()
		e.persistence = nil
	}
	return err
}
