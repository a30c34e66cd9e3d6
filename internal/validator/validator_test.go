package validator

import (
	"testing"

	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type topUp struct {
	WalletID string `json:"wallet_id" validate:"required"`
	Currency string `json:"currency" validate:"omitempty,currency"`
}

func TestValidateRequest(t *testing.T) {
	require.NoError(t, ValidateRequest(topUp{WalletID: "wlt_1", Currency: "usd"}))
	require.NoError(t, ValidateRequest(topUp{WalletID: "wlt_1"}))

	err := ValidateRequest(topUp{Currency: "us1"})
	require.Error(t, err)
	assert.True(t, ierr.IsValidation(err))
	assert.Contains(t, err.Error(), "wallet_id")
	assert.Contains(t, err.Error(), "currency")
}
