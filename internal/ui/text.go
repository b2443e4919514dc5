package ui

const shortIDLen = 8

// ShortID trims a job token to its first runes for table display.
func ShortID(token string) string {
	return clip(token, shortIDLen, "")
}

// TruncateWithEllipsis caps s at maxRunes runes, marking the cut with "…".
func TruncateWithEllipsis(s string, maxRunes int) string {
	return clip(s, maxRunes, "…")
}

func clip(s string, n int, mark string) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + mark
}
