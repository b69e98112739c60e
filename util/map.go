package util

// MapValue returns m[key] as T. ok is false when the key is missing or holds
// a value of another type.
func MapValue[T any](m map[string]any, key string) (T, bool) {
	v, ok := m[key].(T)
	return v, ok
}

func GetMapValue[T any](m map[string]any, key string, defaultValue T) T {
	if v, ok := MapValue[T](m, key); ok {
		return v
	}
	return defaultValue
}
