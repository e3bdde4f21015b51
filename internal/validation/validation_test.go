package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Well-formed base58 32-byte key (the SPL token program ID).
const validAddr = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

func TestIsValidAddress(t *testing.T) {
	assert.True(t, IsValidAddress(validAddr))
	assert.True(t, IsValidAddress("11111111111111111111111111111111"))

	assert.False(t, IsValidAddress(""))
	assert.False(t, IsValidAddress("0x52908400098527886E0F7030069857D2E4169EE7"))
	assert.False(t, IsValidAddress("not-base58-0OIl"))
	assert.False(t, IsValidAddress(strings.Repeat("1", 50)))
}

func TestIsValidSignature(t *testing.T) {
	// base58 encodes each leading zero byte as '1', so 64 ones decode
	// to exactly 64 zero bytes.
	assert.True(t, IsValidSignature(strings.Repeat("1", 64)))

	assert.False(t, IsValidSignature(""))
	assert.False(t, IsValidSignature("abc"))
	assert.False(t, IsValidSignature(validAddr))
}

func TestIsValidOfferID(t *testing.T) {
	assert.True(t, IsValidOfferID("offer_"+strings.Repeat("a1", 16)))

	assert.False(t, IsValidOfferID("offer_"))
	assert.False(t, IsValidOfferID("offer_"+strings.Repeat("A1", 16)), "uppercase hex rejected")
	assert.False(t, IsValidOfferID("swap_"+strings.Repeat("a1", 16)))
	assert.False(t, IsValidOfferID("offer_"+strings.Repeat("a", 31)))
	assert.False(t, IsValidOfferID("offer_"+strings.Repeat("a", 33)))
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "ab", SanitizeString("abcd", 2))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 100))
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("initiator", ""),
		ValidAddress("receiver", "nope"),
		ValidAddress("escrow", validAddr),
	)
	assert.Len(t, errs, 2)
	assert.Equal(t, "initiator", errs[0].Field)
	assert.Equal(t, "receiver", errs[1].Field)
	assert.Contains(t, errs.Error(), "initiator")

	errs = Validate(Required("initiator", validAddr))
	assert.Empty(t, errs)
}
