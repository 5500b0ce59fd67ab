package gologger

import (
	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(name, provider, logger)
}

// JobLoggers carries the sync engine logger and its go-job bridges so queued
// sync jobs log through the same sink as CLI runs.
type JobLoggers struct {
	Provider    glog.LoggerProvider
	Logger      glog.Logger
	JobProvider job.LoggerProvider
	JobLogger   job.Logger
}

// ResolveForJob resolves the named logger and wraps it for go-job.
func ResolveForJob(name string, provider glog.LoggerProvider, logger glog.Logger) JobLoggers {
	resolvedProvider, resolvedLogger := Resolve(name, provider, logger)
	out := JobLoggers{Provider: resolvedProvider, Logger: resolvedLogger}
	if resolvedProvider != nil {
		out.JobProvider = job.GoLoggerProvider(resolvedProvider)
	}
	if resolvedLogger != nil {
		out.JobLogger = job.GoLogger(resolvedLogger)
	}
	return out
}
