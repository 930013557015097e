package protocol

// ValidateUsername enforces 3-20 characters, alphanumeric plus underscore.
func ValidateUsername(username string) bool {
	if len(username) < 3 || len(username) > 20 {
		return false
	}
	for i := 0; i < len(username); i++ {
		c := username[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			return false
		}
	}
	return true
}

// ValidatePassword enforces at least 8 characters with one uppercase, one
// lowercase, and one digit.
func ValidatePassword(password string) bool {
	if len(password) < 8 {
		return false
	}
	var upper, lower, digit bool
	for i := 0; i < len(password); i++ {
		c := password[i]
		switch {
		case c >= 'A' && c <= 'Z':
			upper = true
		case c >= 'a' && c <= 'z':
			lower = true
		case c >= '0' && c <= '9':
			digit = true
		}
	}
	return upper && lower && digit
}

// NormalizeOption validates an answer option and upper-cases it. Only A-D
// (either case) are accepted.
func NormalizeOption(opt string) (byte, bool) {
	if len(opt) != 1 {
		return 0, false
	}
	c := opt[0]
	if c >= 'a' && c <= 'd' {
		c -= 'a' - 'A'
	}
	if c < 'A' || c > 'D' {
		return 0, false
	}
	return c, true
}

// ValidFilter reports whether a LIST_ROOMS filter keyword is acceptable.
// An empty filter means ALL.
func ValidFilter(filter string) bool {
	switch filter {
	case "", "ALL", "NOT_STARTED", "IN_PROGRESS", "FINISHED":
		return true
	}
	return false
}
