package utils

// Value dereferences v, returning the zero value for nil. Payload fields that
// a backend may omit are decoded as pointers and read through it.
func Value[T any](v *T) T {
	if v == nil {
		return *new(T)
	}
	return *v
}
