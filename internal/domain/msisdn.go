package domain

import (
	"errors"
	"strings"
)

// ErrInvalidMSISDN is returned when a payer phone number does not fit the
// numbering plan required by the phone-based rails.
var ErrInvalidMSISDN = errors.New("invalid payer phone number")

// NormalizeMSISDN validates a payer phone number against the numbering plan
// used by the mobile rails and returns it in canonical international form
// (254XXXXXXXXX, no plus sign). Accepted inputs:
//
//	07XXXXXXXX / 01XXXXXXXX   national format
//	2547XXXXXXXX / 2541XXXXXXXX
//	+2547XXXXXXXX / +2541XXXXXXXX
func NormalizeMSISDN(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	cleaned = strings.TrimPrefix(cleaned, "+")

	switch {
	case len(cleaned) == 10 && (strings.HasPrefix(cleaned, "07") || strings.HasPrefix(cleaned, "01")):
		cleaned = "254" + cleaned[1:]
	case len(cleaned) == 12 && strings.HasPrefix(cleaned, "254"):
		if cleaned[3] != '7' && cleaned[3] != '1' {
			return "", ErrInvalidMSISDN
		}
	default:
		return "", ErrInvalidMSISDN
	}

	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return "", ErrInvalidMSISDN
		}
	}
	return cleaned, nil
}
