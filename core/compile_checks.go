package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ ServiceError = (*MappingLoadError)(nil)
	_ ServiceError = (*TransformError)(nil)
	_ ServiceError = (*TransientError)(nil)
	_ ServiceError = (*PermanentError)(nil)
	_ ServiceError = (*CheckpointPersistError)(nil)
	_ ServiceError = (*ConflictError)(nil)
	_ ServiceError = SchemaViolation{}

	_ RawConfigLoader = (*FileConfigLoader)(nil)
	_ ConfigProvider  = (*CfgxConfigProvider)(nil)
	_ OptionsResolver = GoOptionsResolver{}

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
