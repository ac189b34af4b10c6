package validators

import (
	"testing"

	pkgerrors "github.com/angelmondragon/paybridge/pkg/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	ID     uuid.UUID       `json:"id" validate:"required"`
	Amount decimal.Decimal `json:"amount" validate:"dgt0"`
}

func TestStructReportsFieldsByJSONName(t *testing.T) {
	err := Struct(&sample{Amount: decimal.Zero})
	require.Error(t, err)

	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeValidation, typed.Code())

	details, ok := typed.Details().(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "is required", details["id"])
	assert.Equal(t, "must be greater than zero", details["amount"])
}

func TestStructAcceptsPositiveDecimal(t *testing.T) {
	err := Struct(&sample{ID: uuid.New(), Amount: decimal.RequireFromString("0.01")})
	assert.NoError(t, err)
}

func TestDecodeMessage(t *testing.T) {
	var dest sample

	err := DecodeMessage([]byte(`{"id":`), &dest)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeMalformed))

	err = DecodeMessage(nil, &dest)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeMalformed))

	err = DecodeMessage([]byte(`{"id":"`+uuid.NewString()+`","amount":-5}`), &dest)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeMalformed))

	id := uuid.New()
	err = DecodeMessage([]byte(`{"id":"`+id.String()+`","amount":12.5}`), &dest)
	require.NoError(t, err)
	assert.Equal(t, id, dest.ID)
	assert.True(t, dest.Amount.Equal(decimal.RequireFromString("12.5")))
}
