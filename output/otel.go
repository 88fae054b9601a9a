package output

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"regsweep/config"
	"regsweep/logger"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otelLog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

type otelLogger struct {
	provider *sdklog.LoggerProvider
	logger   otelLog.Logger
	timeout  time.Duration
	endpoint string
	policy   otelPolicy
}

type otelPolicy struct {
	includePaths  bool
	includeValues bool
}

func newOtelLogger(cfg *config.Config) (*otelLogger, error) {
	if cfg == nil {
		return nil, nil
	}
	endpoint := resolveOtelEndpoint(cfg)
	if endpoint == "" {
		return nil, nil
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("otel endpoint must include scheme (http or https)")
	}

	opts := []otlploghttp.Option{otlploghttp.WithEndpointURL(endpoint)}
	if len(cfg.OtelHeaders) > 0 {
		opts = append(opts, otlploghttp.WithHeaders(cfg.OtelHeaders))
	}
	if cfg.OtelTimeout > 0 {
		opts = append(opts, otlploghttp.WithTimeout(cfg.OtelTimeout))
	}

	exp, err := otlploghttp.New(context.Background(), opts...)
	if err != nil {
		return nil, err
	}

	serviceName := cfg.OtelServiceName
	if serviceName == "" {
		serviceName = "regsweep"
	}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	)

	return &otelLogger{
		provider: provider,
		logger:   provider.Logger("regsweep"),
		timeout:  cfg.OtelTimeout,
		endpoint: endpoint,
		policy: otelPolicy{
			includePaths:  cfg.OtelExportPaths,
			includeValues: cfg.OtelExportValues,
		},
	}, nil
}

func resolveOtelEndpoint(cfg *config.Config) string {
	if cfg == nil {
		return ""
	}
	if endpoint := strings.TrimSpace(cfg.OtelEndpoint); endpoint != "" {
		return endpoint
	}
	if !cfg.OtelFromEnv {
		return ""
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT")); endpoint != "" {
		return endpoint
	}
	return strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

func (o *otelLogger) Endpoint() string {
	if o == nil {
		return ""
	}
	return o.endpoint
}

func (o *otelLogger) Emit(recordType string, payload interface{}) {
	if o == nil || o.logger == nil {
		return
	}
	safePayload := sanitizePayload(recordType, payload, o.policy)

	var record otelLog.Record
	now := time.Now()
	record.SetTimestamp(now)
	record.SetObservedTimestamp(now)
	record.SetEventName("regsweep.record")
	record.SetSeverity(severityFor(recordType, safePayload))
	record.AddAttributes(
		otelLog.String("record_type", recordType),
		otelLog.String("schema_version", SchemaVersion),
	)
	if attrs := semanticAttributes(recordType, safePayload, o.policy); len(attrs) > 0 {
		record.AddAttributes(attrs...)
	}

	value := toLogValue(safePayload)
	if value.Kind() == otelLog.KindEmpty {
		if data, err := jsonMarshal(safePayload); err == nil {
			var decoded interface{}
			if err := jsonUnmarshal(data, &decoded); err == nil && toLogValue(decoded).Kind() != otelLog.KindEmpty {
				record.SetBody(toLogValue(decoded))
			} else {
				record.SetBody(otelLog.StringValue(string(data)))
			}
		}
	} else {
		record.SetBody(value)
	}

	o.logger.Emit(context.Background(), record)
}

func (o *otelLogger) Shutdown() {
	if o == nil || o.provider == nil {
		return
	}
	timeout := o.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := o.provider.Shutdown(ctx); err != nil {
		logger.Debugf("OTEL shutdown failed: %v", err)
	}
}

// severityFor raises registry values that matched a high or critical rule.
func severityFor(recordType string, payload interface{}) otelLog.Severity {
	if recordType != recordValue {
		return otelLog.SeverityInfo
	}
	data := payloadToMap(payload)
	switch strings.ToLower(getStringField(data, "rule_level")) {
	case "critical":
		return otelLog.SeverityError
	case "high":
		return otelLog.SeverityWarn
	}
	return otelLog.SeverityInfo
}

func sanitizePayload(recordType string, payload interface{}, policy otelPolicy) interface{} {
	data := payloadToMap(payload)
	if len(data) == 0 {
		return payload
	}

	switch recordType {
	case recordValue:
		sanitized := cloneMap(data)
		if !policy.includePaths {
			delete(sanitized, "key")
		}
		if !policy.includeValues {
			delete(sanitized, "value")
		}
		return sanitized
	case recordHost:
		if policy.includeValues {
			return data
		}
		sanitized := cloneMap(data)
		delete(sanitized, "user")
		delete(sanitized, "network_interfaces")
		addSliceCount(sanitized, "network_interfaces_count", getFieldValue(data, "network_interfaces"))
		return sanitized
	default:
		return payload
	}
}

func addSliceCount(dst map[string]interface{}, key string, value interface{}) {
	if count, ok := valueCount(value); ok {
		dst[key] = count
	}
}

func valueCount(value interface{}) (int, bool) {
	switch v := value.(type) {
	case []interface{}:
		return len(v), true
	case []string:
		return len(v), true
	default:
		return 0, false
	}
}

func cloneMap(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func toLogValue(value interface{}) otelLog.Value {
	switch v := value.(type) {
	case nil:
		return otelLog.Value{}
	case string:
		return otelLog.StringValue(v)
	case []byte:
		return otelLog.BytesValue(v)
	case bool:
		return otelLog.BoolValue(v)
	case int:
		return otelLog.IntValue(v)
	case int64:
		return otelLog.Int64Value(v)
	case float64:
		return otelLog.Float64Value(v)
	case map[string]interface{}:
		return otelLog.MapValue(toLogKeyValues(v)...)
	case map[string]int:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		kvs := make([]otelLog.KeyValue, 0, len(v))
		for _, k := range keys {
			kvs = append(kvs, otelLog.Int(k, v[k]))
		}
		return otelLog.MapValue(kvs...)
	case []string:
		values := make([]otelLog.Value, 0, len(v))
		for _, item := range v {
			values = append(values, otelLog.StringValue(item))
		}
		return otelLog.SliceValue(values...)
	case []interface{}:
		values := make([]otelLog.Value, 0, len(v))
		for _, item := range v {
			values = append(values, toLogValue(item))
		}
		return otelLog.SliceValue(values...)
	default:
		return otelLog.Value{}
	}
}

func toLogKeyValues(values map[string]interface{}) []otelLog.KeyValue {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	kvs := make([]otelLog.KeyValue, 0, len(values))
	for _, key := range keys {
		kvs = append(kvs, otelLog.KeyValue{Key: key, Value: toLogValue(values[key])})
	}
	return kvs
}

func semanticAttributes(recordType string, payload interface{}, policy otelPolicy) []otelLog.KeyValue {
	data := payloadToMap(payload)
	if len(data) == 0 {
		return nil
	}

	switch recordType {
	case recordValue:
		return valueSemanticAttributes(data, policy)
	case recordHost:
		return hostSemanticAttributes(data)
	case recordMetrics:
		return metricsSemanticAttributes(data)
	default:
		return nil
	}
}

func valueSemanticAttributes(data map[string]interface{}, policy otelPolicy) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue

	if policy.includePaths {
		kvs = appendStringAttr(kvs, "regsweep.registry.key", getStringField(data, "key"))
	}
	if policy.includeValues {
		kvs = appendStringAttr(kvs, "regsweep.registry.value", getStringField(data, "value"))
	}
	kvs = appendStringAttr(kvs, "regsweep.registry.id", getStringField(data, "id"))
	kvs = appendStringAttr(kvs, "regsweep.registry.value_name", getStringField(data, "value_name"))
	kvs = appendStringAttr(kvs, "regsweep.registry.value_type", getStringField(data, "value_type"))
	kvs = appendStringAttr(kvs, "regsweep.registry.last_modified", getStringField(data, "last_modified"))
	kvs = appendStringAttr(kvs, "regsweep.registry.owner", getStringField(data, "owner"))
	kvs = appendStringAttr(kvs, "regsweep.registry.state", getStringField(data, "state"))
	kvs = appendStringAttr(kvs, "regsweep.registry.binary_kind", getStringField(data, "binary_kind"))
	kvs = appendStringAttr(kvs, "regsweep.match.keyword", getStringField(data, "matched_keyword"))
	kvs = appendStringAttr(kvs, "regsweep.match.rule", getStringField(data, "matched_rule"))
	kvs = appendStringAttr(kvs, "regsweep.match.rule_level", getStringField(data, "rule_level"))
	if matched, ok := data["matched_any"].(bool); ok {
		kvs = append(kvs, otelLog.Bool("regsweep.match.any", matched))
	}
	if reasons := getStringSliceField(data, "reasons"); len(reasons) > 0 {
		kvs = appendInterfaceAttr(kvs, "regsweep.match.reasons", reasons)
	}

	return kvs
}

func hostSemanticAttributes(data map[string]interface{}) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue

	kvs = appendStringAttr(kvs, string(semconv.HostNameKey), getStringField(data, "hostname"))
	kvs = appendStringAttr(kvs, string(semconv.HostArchKey), getStringField(data, "arch"))
	kvs = appendStringAttr(kvs, string(semconv.OSTypeKey), getStringField(data, "os"))
	kvs = appendStringAttr(kvs, string(semconv.OSNameKey), getStringField(data, "platform"))
	kvs = appendStringAttr(kvs, string(semconv.OSVersionKey), getStringField(data, "platform_version"))
	kvs = appendStringAttr(kvs, string(semconv.OSDescriptionKey), getStringField(data, "kernel_version"))
	kvs = appendStringAttr(kvs, "regsweep.host.boot_time", getStringField(data, "boot_time"))
	if elevated, ok := data["elevated"].(bool); ok {
		kvs = append(kvs, otelLog.Bool("regsweep.host.elevated", elevated))
	}
	if count, ok := getInt64Field(data, "network_interfaces_count"); ok {
		kvs = appendInt64Attr(kvs, "regsweep.host.network_interfaces_count", count, ok)
	}

	return kvs
}

func metricsSemanticAttributes(data map[string]interface{}) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue

	kvs = appendStringAttr(kvs, "regsweep.metrics.start_time", getStringField(data, "start_time"))
	kvs = appendStringAttr(kvs, "regsweep.metrics.end_time", getStringField(data, "end_time"))
	if total, ok := getInt64Field(data, "keys_visited"); ok {
		kvs = appendInt64Attr(kvs, "regsweep.metrics.keys_visited", total, ok)
	}
	if written, ok := getInt64Field(data, "values_written"); ok {
		kvs = appendInt64Attr(kvs, "regsweep.metrics.values_written", written, ok)
	}
	if matched, ok := getInt64Field(data, "matched_values"); ok {
		kvs = appendInt64Attr(kvs, "regsweep.metrics.matched_values", matched, ok)
	}
	if cancelled, ok := data["cancelled"].(bool); ok {
		kvs = append(kvs, otelLog.Bool("regsweep.metrics.cancelled", cancelled))
	}
	kvs = appendInterfaceAttr(kvs, "regsweep.metrics.reasons", getFieldValue(data, "reasons"))

	return kvs
}

func payloadToMap(payload interface{}) map[string]interface{} {
	switch v := payload.(type) {
	case map[string]interface{}:
		return v
	case map[string]string:
		out := make(map[string]interface{}, len(v))
		for key, value := range v {
			out[key] = value
		}
		return out
	default:
		data, err := jsonMarshal(payload)
		if err != nil {
			return nil
		}
		var decoded map[string]interface{}
		if err := jsonUnmarshal(data, &decoded); err != nil {
			return nil
		}
		return decoded
	}
}

func getFieldValue(values map[string]interface{}, key string) interface{} {
	if values == nil {
		return nil
	}
	return values[key]
}

func getStringField(values map[string]interface{}, key string) string {
	value, ok := values[key]
	if !ok {
		return ""
	}
	if str, ok := value.(string); ok {
		return str
	}
	if value == nil {
		return ""
	}
	return fmt.Sprint(value)
}

func getInt64Field(values map[string]interface{}, key string) (int64, bool) {
	value, ok := values[key]
	if !ok || value == nil {
		return 0, false
	}
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		if parsed, err := v.Int64(); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func getStringSliceField(values map[string]interface{}, key string) []string {
	value, ok := values[key]
	if !ok || value == nil {
		return nil
	}
	switch v := value.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if item == nil {
				continue
			}
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return nil
	}
}

func appendStringAttr(kvs []otelLog.KeyValue, key, value string) []otelLog.KeyValue {
	if value == "" {
		return kvs
	}
	return append(kvs, otelLog.String(key, value))
}

func appendInt64Attr(kvs []otelLog.KeyValue, key string, value int64, ok bool) []otelLog.KeyValue {
	if !ok {
		return kvs
	}
	return append(kvs, otelLog.Int64(key, value))
}

func appendInterfaceAttr(kvs []otelLog.KeyValue, key string, value interface{}) []otelLog.KeyValue {
	if value == nil {
		return kvs
	}
	converted := toLogValue(value)
	if converted.Kind() == otelLog.KindEmpty {
		return kvs
	}
	return append(kvs, otelLog.KeyValue{Key: key, Value: converted})
}
