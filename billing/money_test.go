package billing_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circ-billing/billing"
)

func TestMustParseMoney(t *testing.T) {
	assert.Equal(t, billing.Cents(1250), billing.MustParseMoney("12.50"))
	assert.Equal(t, billing.Cents(-75), billing.MustParseMoney("-0.75"))

	// A typo in a literal must not turn into a zero amount.
	assert.Panics(t, func() { billing.MustParseMoney("12,50") })
	assert.Panics(t, func() { billing.MustParseMoney("") })
}

func TestMoney_JSON(t *testing.T) {
	out, err := json.Marshal(billing.Cents(1205))
	require.NoError(t, err)
	assert.Equal(t, `"12.05"`, string(out))

	var fromString, fromNumber billing.Money
	require.NoError(t, json.Unmarshal([]byte(`"3.10"`), &fromString))
	require.NoError(t, json.Unmarshal([]byte(`3.1`), &fromNumber))
	assert.Equal(t, billing.Cents(310), fromString)
	assert.Equal(t, billing.Cents(310), fromNumber)
}
