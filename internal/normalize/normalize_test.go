package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opensource-finance/harrier/internal/domain"
)

func TestHandle(t *testing.T) {
	n := New("US")

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"@JDoe", "jdoe", true},
		{"  jane.doe_99 ", "jane.doe_99", true},
		{"ab", "", false},
		{"@@double", "", false},
		{"has space", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := n.Handle(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEmail(t *testing.T) {
	n := New("")

	got, ok := n.Email("  John.Doe@Example.COM ")
	assert.True(t, ok)
	assert.Equal(t, "john.doe@example.com", got)

	_, ok = n.Email("not-an-email")
	assert.False(t, ok)
	_, ok = n.Email("a@b.c")
	assert.False(t, ok)
}

func TestPhone(t *testing.T) {
	n := New("US")

	t.Run("NationalAndInternationalAgree", func(t *testing.T) {
		national, ok := n.Phone("(650) 253-0000")
		assert.True(t, ok)
		international, ok := n.Phone("+1 650 253 0000")
		assert.True(t, ok)

		assert.Equal(t, "+16502530000", national)
		assert.Equal(t, national, international)
	})

	t.Run("Invalid", func(t *testing.T) {
		for _, in := range []string{"12345", "abc", "", "+1 000 000 0000"} {
			_, ok := n.Phone(in)
			assert.False(t, ok, in)
		}
	})

	t.Run("RegionMatters", func(t *testing.T) {
		fr := New("fr")
		got, ok := fr.Phone("01 42 68 53 00")
		assert.True(t, ok)
		assert.Equal(t, "+33142685300", got)
	})
}

func TestFreeText(t *testing.T) {
	n := New("US")

	ex := n.FreeText("ping me at Jane.Roe@Mail.org or call +1 (650) 253-0000 tonight")
	assert.Equal(t, "jane.roe@mail.org", ex.Email)
	assert.Equal(t, "+16502530000", ex.Phone)

	empty := n.FreeText("nothing to see")
	assert.Empty(t, empty.Email)
	assert.Empty(t, empty.Phone)
}

func TestNormalize(t *testing.T) {
	n := New("US")

	got, ok := n.Normalize(KindHandle, "@Someone")
	assert.True(t, ok)
	assert.Equal(t, "someone", got)

	got, ok = n.Normalize(KindFreeText, "reach 650-253-0000")
	assert.True(t, ok)
	assert.Equal(t, "+16502530000", got)

	_, ok = n.Normalize(Kind("bogus"), "x")
	assert.False(t, ok)
}

func TestAccount(t *testing.T) {
	n := New("US")

	raw := &domain.RawAccount{
		ID:       "acc-1",
		Platform: " Telegram ",
		Handle:   "@Night_Owl",
		Name:     "Night Owl",
		Email:    "broken",
		Extra:    map[string]any{"text": "contact: owl@example.net / 650 253 0000"},
	}

	acc := n.Account(raw)
	assert.Equal(t, "telegram", acc.Platform)
	assert.Equal(t, "night_owl", acc.Handle)
	assert.Equal(t, "owl@example.net", acc.Email)
	assert.Equal(t, "+16502530000", acc.Phone)
	// input untouched
	assert.Equal(t, "broken", raw.Email)
}
