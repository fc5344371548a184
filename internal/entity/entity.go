// Package entity canonicalizes contact identifiers so reports, checks and
// protection registrations agree on identity.
package entity

import (
	"regexp"
	"strings"

	"github.com/opensource-finance/crowdguard/internal/domain"
)

var (
	separatorRegex = regexp.MustCompile(`[\s\-()+.]`)
	digitsRegex    = regexp.MustCompile(`^[0-9]{10,15}$`)
)

// Normalize returns the canonical form of an identifier.
// Emails and UPI handles (anything containing "@") are only lower-cased and
// trimmed. Everything else additionally loses ASCII whitespace (space, tab,
// CR, LF, FF), hyphens, parentheses, plus signs and periods. Normalize is
// idempotent.
func Normalize(raw string) string {
	normalized := strings.TrimSpace(strings.ToLower(raw))
	if strings.Contains(normalized, "@") {
		return normalized
	}
	return separatorRegex.ReplaceAllString(normalized, "")
}

// Validate normalizes raw and rejects identifiers that are empty afterwards.
func Validate(raw string) (string, error) {
	canonical := Normalize(raw)
	if canonical == "" {
		return "", domain.Validationf("identifier is required")
	}
	return canonical, nil
}

// DetectType infers the kind of a canonical identifier.
func DetectType(canonical string) domain.EntityType {
	if at := strings.IndexByte(canonical, '@'); at >= 0 {
		if strings.Contains(canonical[at+1:], ".") {
			return domain.EntityEmail
		}
		return domain.EntityUPI
	}
	if digitsRegex.MatchString(canonical) {
		return domain.EntityPhone
	}
	return domain.EntityBank
}

// Resolve normalizes raw and settles its type. An empty hint is inferred
// from the canonical form; an unknown hint is rejected.
func Resolve(raw string, hint domain.EntityType) (string, domain.EntityType, error) {
	canonical, err := Validate(raw)
	if err != nil {
		return "", "", err
	}
	if hint == "" {
		return canonical, DetectType(canonical), nil
	}
	if !hint.Valid() {
		return "", "", domain.Validationf("invalid entity type %q", hint)
	}
	return canonical, hint, nil
}
