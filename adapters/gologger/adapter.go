package gologger

import (
	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	LoggerName       = "issuance"
	WorkerLoggerName = "issuance.worker"
	JobLoggerName    = "issuance.job"
)

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(name, provider, logger)
}

// ToJobProvider maps a glog provider to the go-job logger provider contract.
func ToJobProvider(provider glog.LoggerProvider) job.LoggerProvider {
	if provider == nil {
		return nil
	}
	return job.GoLoggerProvider(provider)
}

// ToJobLogger maps a glog logger to the go-job logger contract.
func ToJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}

// ResolveWorker returns the logger for task runners and job consumers. A
// provider is asked for WorkerLoggerName first.
func ResolveWorker(provider glog.LoggerProvider, logger glog.Logger) glog.Logger {
	resolvedProvider, resolvedLogger := Resolve(WorkerLoggerName, provider, logger)
	if resolvedProvider != nil {
		if named := resolvedProvider.GetLogger(WorkerLoggerName); named != nil {
			return named
		}
	}
	return glog.Ensure(resolvedLogger)
}

// ResolveForJob resolves glog logger/provider then returns equivalent go-job adapters.
func ResolveForJob(
	name string,
	provider glog.LoggerProvider,
	logger glog.Logger,
) (glog.LoggerProvider, glog.Logger, job.LoggerProvider, job.Logger) {
	resolvedProvider, resolvedLogger := Resolve(name, provider, logger)
	return resolvedProvider, resolvedLogger, ToJobProvider(resolvedProvider), ToJobLogger(resolvedLogger)
}
