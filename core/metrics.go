package core

import (
	"context"
	"fmt"
	"strings"
)

// NopMetricsRecorder discards every measurement.
type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

// metricTagKeys are the log fields promoted to metric tags when present.
var metricTagKeys = []string{"tenant", "outcome", "error_code"}

func operationMetricName(operation string, suffix string) string {
	return "issuance." + operation + "." + suffix
}

func operationTags(operation string, status string, fields map[string]any) map[string]string {
	tags := map[string]string{
		"operation": operation,
		"status":    status,
	}
	for _, key := range metricTagKeys {
		raw, ok := fields[key]
		if !ok || raw == nil {
			continue
		}
		if value := strings.TrimSpace(fmt.Sprint(raw)); value != "" {
			tags[key] = value
		}
	}
	return tags
}

func cloneTags(tags map[string]string) map[string]string {
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}

var _ MetricsRecorder = NopMetricsRecorder{}
