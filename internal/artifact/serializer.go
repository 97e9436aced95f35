package artifact

import "sync"

// DefaultSerializer is used for types without a registered serializer.
const DefaultSerializer = "pickle"

var (
	serializersMu sync.RWMutex
	serializers   = map[string]string{
		"str":   "text",
		"bytes": "raw",
		"json":  "json",
	}
)

// RegisterSerializer maps a declared artifact type to a serializer key.
func RegisterSerializer(dataType, key string) {
	serializersMu.Lock()
	defer serializersMu.Unlock()
	serializers[dataType] = key
}

// SerializerFor returns the serializer key for dataType.
func SerializerFor(dataType string) string {
	serializersMu.RLock()
	defer serializersMu.RUnlock()
	if key, ok := serializers[dataType]; ok {
		return key
	}
	return DefaultSerializer
}
