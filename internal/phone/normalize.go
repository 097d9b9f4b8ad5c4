package phone

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

const (
	countryCode     = "44"
	intlPrefix      = "00"
	trunkPrefix     = "0"
	canonicalPrefix = "+" + countryCode
)

// nsnForm is one entry of the UK numbering table: a national significant
// number prefix and the exact NSN lengths allowed for it.
type nsnForm struct {
	prefix  string
	lengths []int
	kind    Kind
	label   string
}

// ukForms is ordered most specific prefix first. Lookups take the first
// entry whose prefix matches, so 7624 wins over 76 and 800 over 8.
var ukForms = []nsnForm{
	{prefix: "7624", lengths: []int{10}, kind: KindMobile, label: "mobile"},
	{prefix: "70", lengths: []int{10}, kind: KindSpecial, label: "personal number"},
	{prefix: "76", lengths: []int{10}, kind: KindSpecial, label: "pager"},
	{prefix: "7", lengths: []int{10}, kind: KindMobile, label: "mobile"},
	{prefix: "1", lengths: []int{9, 10}, kind: KindLandline, label: "geographic landline"},
	{prefix: "2", lengths: []int{10}, kind: KindLandline, label: "geographic landline"},
	{prefix: "3", lengths: []int{10}, kind: KindSpecial, label: "non-geographic"},
	{prefix: "5", lengths: []int{10}, kind: KindSpecial, label: "corporate"},
	{prefix: "800", lengths: []int{9, 10}, kind: KindSpecial, label: "freephone"},
	{prefix: "808", lengths: []int{10}, kind: KindSpecial, label: "freephone"},
	{prefix: "8", lengths: []int{10}, kind: KindSpecial, label: "non-geographic"},
	{prefix: "9", lengths: []int{10}, kind: KindSpecial, label: "premium rate"},
}

func lookupForm(nsn string) (nsnForm, bool) {
	for _, f := range ukForms {
		if !strings.HasPrefix(nsn, f.prefix) {
			continue
		}
		for _, l := range f.lengths {
			if len(nsn) == l {
				return f, true
			}
		}
		return nsnForm{}, false
	}
	return nsnForm{}, false
}

func isMobileNSN(nsn string) bool {
	f, ok := lookupForm(nsn)
	return ok && f.kind == KindMobile
}

func isKnownNSN(nsn string) bool {
	_, ok := lookupForm(nsn)
	return ok
}

// Normalize converts loosely formatted UK input into +44 canonical form.
// The second return value is false when no rule matches; that is an
// expected outcome for bad records, not an error.
func Normalize(raw string) (string, bool) {
	d := digitsOnly(raw)
	if d == "" {
		return "", false
	}

	switch {
	// 44 + mobile NSN, the most common stored form.
	case strings.HasPrefix(d, countryCode) && isMobileNSN(d[len(countryCode):]):
		return "+" + d, true

	// 00 44 [0] NSN
	case strings.HasPrefix(d, intlPrefix+countryCode):
		return fromNSN(stripTrunk(d[len(intlPrefix+countryCode):]))

	// 07xxx xxxxxx
	case strings.HasPrefix(d, trunkPrefix+"7") && isMobileNSN(d[1:]):
		return canonicalPrefix + d[1:], true

	// 01, 02, 03, 05, 08, 09 and the non-mobile 07 ranges
	case strings.HasPrefix(d, trunkPrefix) && isKnownNSN(d[1:]):
		return canonicalPrefix + d[1:], true

	// 44 [0] NSN for non-mobile canonical input, including "+44 (0)20 ..."
	case strings.HasPrefix(d, countryCode) && isKnownNSN(stripTrunk(d[len(countryCode):])):
		return canonicalPrefix + stripTrunk(d[len(countryCode):]), true

	// Trunk zero and country code both missing: accept only when the digits
	// are exactly a known NSN once the zero is put back.
	case !strings.HasPrefix(d, trunkPrefix) && isKnownNSN(d):
		return canonicalPrefix + d, true
	}
	return "", false
}

func fromNSN(nsn string) (string, bool) {
	if !isKnownNSN(nsn) {
		return "", false
	}
	return canonicalPrefix + nsn, true
}

func stripTrunk(nsn string) string {
	if strings.HasPrefix(nsn, trunkPrefix) {
		return nsn[1:]
	}
	return nsn
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Display renders a canonical number in UK national format for operators,
// e.g. "07911 123456". It falls back to the input when parsing fails.
func Display(canonical string) string {
	if canonical == "" {
		return ""
	}
	parsed, err := phonenumbers.Parse(canonical, "GB")
	if err != nil {
		return canonical
	}
	return phonenumbers.Format(parsed, phonenumbers.NATIONAL)
}
