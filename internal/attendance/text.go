package attendance

import (
	"regexp"
	"strings"
	"unicode"
)

// Separator splits "Patient - Company" ticket texts.
const Separator = "-"

var (
	signToken       = regexp.MustCompile(`\s*ASSINAR?\s*`)
	checkMark       = regexp.MustCompile(`\s*✅\s*`)
	decoratedPrefix = regexp.MustCompile(`^[^A-Za-z0-9]+-`)
	separatorSplit  = regexp.MustCompile(`\s*-\s*`)
)

func HasSeparator(text string) bool {
	return strings.Contains(text, Separator)
}

// NormalizeText strips the decorations operators add to a ticket after
// registration: emphasis asterisks, the ASSINA/ASSINAR sign-off token,
// check marks and a leading symbol run up to the first separator.
func NormalizeText(text string) string {
	t := strings.ReplaceAll(text, "*", "")
	t = signToken.ReplaceAllString(t, "")
	t = checkMark.ReplaceAllString(t, "")
	t = strings.TrimLeftFunc(t, unicode.IsSpace)
	t = decoratedPrefix.ReplaceAllString(t, "")
	return strings.TrimSpace(t)
}

// ParseTicketText splits a normalized ticket text into patient and company.
// Everything after the first separator belongs to the company.
func ParseTicketText(text string) (patient, company string) {
	parts := separatorSplit.Split(NormalizeText(text), -1)
	patient = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		company = strings.TrimSpace(strings.Join(parts[1:], " - "))
	}
	return patient, company
}
