package classify

import (
	"fmt"
	"strings"

	"github.com/cognicore/flatroute/pkg/flatroute/record"
)

// Func decides which schema a raw line belongs to.
// Implementations must depend on line.Text only.
type Func func(line record.RawLine) (record.SchemaTag, error)

// Default is the content-based classifier used when none is configured.
var Default Func = Classify

// Error reports a line that matches no known schema.
type Error struct {
	Position string
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("classify %s: unknown schema: %s", e.Position, e.Reason)
}

// Classify tags a line as a customer when one of its fields is an email
// address and as a product when the line carries no '@' at all. Blank lines
// and lines with a stray '@' outside a well-formed address are rejected.
func Classify(line record.RawLine) (record.SchemaTag, error) {
	text := strings.TrimSpace(line.Text)
	if text == "" {
		return "", &Error{Position: line.Position(), Reason: "blank line"}
	}

	for _, field := range strings.Split(text, ",") {
		if IsEmail(strings.TrimSpace(field)) {
			return record.TagCustomer, nil
		}
	}
	if strings.Contains(text, "@") {
		return "", &Error{Position: line.Position(), Reason: "'@' outside an email field"}
	}
	return record.TagProduct, nil
}

// IsEmail reports whether s looks like local@domain.tld.
func IsEmail(s string) bool {
	at := strings.IndexByte(s, '@')
	if at <= 0 || at != strings.LastIndexByte(s, '@') {
		return false
	}
	if strings.ContainsAny(s, " \t") {
		return false
	}
	domain := s[at+1:]
	dot := strings.LastIndexByte(domain, '.')
	return dot > 0 && dot < len(domain)-1
}
