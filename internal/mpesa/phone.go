package mpesa

import "strings"

// NormalizePhone converts Kenyan mobile numbers to the 2547XXXXXXXX /
// 2541XXXXXXXX form Daraja expects. Accepted inputs are 07.., 01..,
// +254.., 254.. and the bare 9-digit subscriber number, with spaces or
// dashes anywhere.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return "", ErrInvalidPhone
		}
	}
	n := b.String()
	switch {
	case len(n) == 12 && strings.HasPrefix(n, "254"):
	case len(n) == 10 && strings.HasPrefix(n, "0"):
		n = "254" + n[1:]
	case len(n) == 9:
		n = "254" + n
	default:
		return "", ErrInvalidPhone
	}
	if n[3] != '7' && n[3] != '1' {
		return "", ErrInvalidPhone
	}
	return n, nil
}
