package phone

import (
	"fmt"
	"strings"
)

type Kind string

const (
	KindMobile   Kind = "mobile"
	KindLandline Kind = "landline"
	KindSpecial  Kind = "special"
	KindInvalid  Kind = "invalid"
)

// Classification is the result of Classify. Reason is empty only for
// numbers that can receive SMS and is otherwise suitable as a SKIPPED
// error detail.
type Classification struct {
	Kind       Kind   `json:"kind"`
	CanSendSMS bool   `json:"can_send_sms"`
	Reason     string `json:"reason,omitempty"`
}

// Classify maps a canonical +44 number to exactly one Kind. Anything that
// is not canonical, or not in the numbering table, is KindInvalid.
func Classify(canonical string) Classification {
	if !strings.HasPrefix(canonical, canonicalPrefix) {
		return invalid()
	}
	nsn := canonical[len(canonicalPrefix):]
	if digitsOnly(nsn) != nsn {
		return invalid()
	}

	form, ok := lookupForm(nsn)
	if !ok {
		return invalid()
	}

	switch form.kind {
	case KindMobile:
		return Classification{Kind: KindMobile, CanSendSMS: true}
	case KindLandline:
		return Classification{
			Kind:   KindLandline,
			Reason: "Landline number cannot receive SMS",
		}
	default:
		return Classification{
			Kind:   KindSpecial,
			Reason: fmt.Sprintf("Special service number (%s) cannot receive SMS", form.label),
		}
	}
}

func invalid() Classification {
	return Classification{Kind: KindInvalid, Reason: "Unrecognised phone number"}
}
