package util

func AsPtr[T any](v T) *T {
	return &v
}

// NonEmptyPtr returns nil for the empty string.
func NonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
