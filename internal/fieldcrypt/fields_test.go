package fieldcrypt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptFieldsSkipsAbsentAndNil(t *testing.T) {
	svc := newTestService(t)
	obj := map[string]any{
		"cpf":  "123.456.789-00",
		"name": "Ana",
		// email deliberately absent, phone explicitly nil
		"phone": nil,
	}

	out, err := svc.EncryptFields(obj, []string{"cpf", "email", "phone"}, 0)
	require.NoError(t, err)

	require.Equal(t, []string{"cpf"}, out[encryptedFieldsKey])
	require.Equal(t, 1, out[encryptionVersionKey])
	require.Equal(t, "Ana", out["name"])
	require.Nil(t, out["phone"])
	_, hasEmail := out["email"]
	require.False(t, hasEmail)

	_, isEncrypted := out["cpf"].(EncryptedData)
	require.True(t, isEncrypted)

	// Input object must not be mutated.
	require.Equal(t, "123.456.789-00", obj["cpf"])
}

func TestFieldsRoundTrip(t *testing.T) {
	svc := newTestService(t)
	obj := map[string]any{
		"cpf":    "123.456.789-00",
		"age":    float64(41),
		"tags":   []any{"vip", "allergy:penicillin"},
		"tenant": "tenant-1",
	}

	enc, err := svc.EncryptFields(obj, []string{"cpf", "age", "tags"}, 0)
	require.NoError(t, err)

	dec, err := svc.DecryptFields(enc)
	require.NoError(t, err)

	_, hasFields := dec[encryptedFieldsKey]
	require.False(t, hasFields)
	_, hasVersion := dec[encryptionVersionKey]
	require.False(t, hasVersion)

	require.Equal(t, "123.456.789-00", dec["cpf"])
	require.Equal(t, float64(41), dec["age"])
	require.Equal(t, []any{"vip", "allergy:penicillin"}, dec["tags"])
	require.Equal(t, "tenant-1", dec["tenant"])
}

func TestDecryptFieldsAcceptsJSONForm(t *testing.T) {
	// Records coming back from a document store arrive as generic maps.
	svc := newTestService(t)
	enc, err := svc.EncryptFields(map[string]any{"cpf": "111"}, []string{"cpf"}, 0)
	require.NoError(t, err)

	record := enc["cpf"].(EncryptedData)
	enc["cpf"] = map[string]any{
		"data":      record.Data,
		"iv":        record.IV,
		"salt":      record.Salt,
		"version":   record.Version,
		"algorithm": record.Algorithm,
		"timestamp": record.Timestamp,
	}
	enc[encryptedFieldsKey] = []any{"cpf"}

	dec, err := svc.DecryptFields(enc)
	require.NoError(t, err)
	require.Equal(t, "111", dec["cpf"])
}

func TestDecryptFieldsMissingBookkeeping(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.DecryptFields(map[string]any{"cpf": "plain"})
	require.Error(t, err)
}
