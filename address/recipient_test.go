package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecipientRoundTrip(t *testing.T) {
	assert := assert.New(t)

	dest := [IDLength]byte{}
	gw := [IDLength]byte{}
	for i := range dest {
		dest[i] = byte(i)
		gw[i] = byte(IDLength - i)
	}
	r := New(dest, gw)

	parsed, err := FromString(r.String())
	require.NoError(t, err)
	assert.True(r.Equal(parsed))
	assert.Equal(r.String(), parsed.String())
}

func TestRecipientFromStringRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"onlyonehalf",
		"a@b@c",
		"not-base58-!!!@dGVzdA",
	}
	for _, c := range cases {
		_, err := FromString(c)
		assert.Error(t, err, c)
	}
}
