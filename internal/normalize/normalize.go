// Package normalize canonicalizes handles, emails and phone numbers so that
// references from different platforms can be compared for equality.
package normalize

import (
	"regexp"
	"strings"

	"github.com/nyaruka/phonenumbers"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Kind selects the normalization applied by Normalize.
type Kind string

const (
	KindHandle   Kind = "handle"
	KindEmail    Kind = "email"
	KindPhone    Kind = "phone"
	KindFreeText Kind = "text"
)

var (
	handleRx = regexp.MustCompile(`^@?([A-Za-z0-9._-]{3,})$`)
	emailRx  = regexp.MustCompile(`^[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}$`)

	textEmailRx = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	textPhoneRx = regexp.MustCompile(`\+?\d[\d\s().-]{6,}`)
)

// Normalizer holds the implicit country used for national phone numbers.
type Normalizer struct {
	DefaultRegion string
}

// New returns a Normalizer for region, defaulting to US.
func New(region string) *Normalizer {
	if region == "" {
		region = "US"
	}
	return &Normalizer{DefaultRegion: strings.ToUpper(region)}
}

// Handle strips one leading @ and lower-cases. Handles shorter than three
// characters or with characters outside [A-Za-z0-9._-] are rejected.
func (n *Normalizer) Handle(s string) (string, bool) {
	m := handleRx.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", false
	}
	return strings.ToLower(m[1]), true
}

// Email lower-cases and checks the address shape.
func (n *Normalizer) Email(s string) (string, bool) {
	e := strings.ToLower(strings.TrimSpace(s))
	if !emailRx.MatchString(e) {
		return "", false
	}
	return e, true
}

// Phone parses s with the default region and formats it as E.164.
// Numbers that are not both possible and valid are rejected.
func (n *Normalizer) Phone(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	num, err := phonenumbers.Parse(s, n.DefaultRegion)
	if err != nil {
		return "", false
	}
	if !phonenumbers.IsPossibleNumber(num) || !phonenumbers.IsValidNumber(num) {
		return "", false
	}
	return phonenumbers.Format(num, phonenumbers.E164), true
}

// Extracted holds identifiers recovered from free text.
type Extracted struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// FreeText recovers the first email and the first phone number from s.
func (n *Normalizer) FreeText(s string) Extracted {
	var out Extracted
	if m := textEmailRx.FindString(s); m != "" {
		out.Email, _ = n.Email(m)
	}
	if m := textPhoneRx.FindString(s); m != "" {
		out.Phone, _ = n.Phone(m)
	}
	return out
}

// Normalize dispatches on kind. Free text yields the recovered email, or
// the phone when no email is present.
func (n *Normalizer) Normalize(kind Kind, value string) (string, bool) {
	switch kind {
	case KindHandle:
		return n.Handle(value)
	case KindEmail:
		return n.Email(value)
	case KindPhone:
		return n.Phone(value)
	case KindFreeText:
		ex := n.FreeText(value)
		if ex.Email != "" {
			return ex.Email, true
		}
		if ex.Phone != "" {
			return ex.Phone, true
		}
	}
	return "", false
}

// Account returns a copy of raw with every structured field normalized.
// Invalid values are dropped. A missing email or phone is recovered from
// the display name or the "text" extra.
func (n *Normalizer) Account(raw *domain.RawAccount) *domain.RawAccount {
	acc := *raw
	acc.Platform = strings.ToLower(strings.TrimSpace(raw.Platform))
	acc.Handle, _ = n.Handle(raw.Handle)
	acc.Email, _ = n.Email(raw.Email)
	acc.Phone, _ = n.Phone(raw.Phone)
	acc.Name = strings.TrimSpace(raw.Name)

	if acc.Email != "" && acc.Phone != "" {
		return &acc
	}

	sources := []string{raw.Name}
	if text, ok := raw.Extra["text"].(string); ok {
		sources = append(sources, text)
	}
	for _, src := range sources {
		ex := n.FreeText(src)
		if acc.Email == "" {
			acc.Email = ex.Email
		}
		if acc.Phone == "" {
			acc.Phone = ex.Phone
		}
	}
	return &acc
}
