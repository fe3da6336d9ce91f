package telemetry

import "go.opentelemetry.io/otel/attribute"

// attributeKV is a tiny, untyped key/value pair so Evaluation.attributes
// doesn't have to import go.opentelemetry.io/otel/attribute directly;
// toAttributes does the (small, closed) type switch once.
type attributeKV struct {
	key   string
	value any
}

func toAttributes(kvs []attributeKV) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(kvs))
	for _, kv := range kvs {
		switch v := kv.value.(type) {
		case string:
			out = append(out, attribute.String(kv.key, v))
		case bool:
			out = append(out, attribute.Bool(kv.key, v))
		case int64:
			out = append(out, attribute.Int64(kv.key, v))
		}
	}
	return out
}
