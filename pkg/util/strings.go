package util

// TrimString shortens s to at most length bytes, used when logging raw payloads
func TrimString(s string, length int) string {
	if len(s) <= length {
		return s
	}

	return s[:length]
}
