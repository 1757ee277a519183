package fieldcrypt

import (
	"encoding/json"
	"fmt"
)

// Bookkeeping keys added by EncryptFields and stripped by DecryptFields.
const (
	encryptedFieldsKey   = "encryptedFields"
	encryptionVersionKey = "encryptionVersion"
)

// EncryptFields returns a copy of obj with the named fields replaced by
// EncryptedData records. Absent and nil fields are left untouched; non-string
// values are JSON-serialized before encryption. The result carries the list
// of fields actually encrypted and the key version used.
func (s *Service) EncryptFields(obj map[string]any, fields []string, keyVersion int) (map[string]any, error) {
	if keyVersion == 0 {
		keyVersion = s.CurrentVersion()
	}
	out := make(map[string]any, len(obj)+2)
	for k, v := range obj {
		out[k] = v
	}

	var encrypted []string
	for _, field := range fields {
		value, ok := obj[field]
		if !ok || value == nil {
			continue
		}
		plaintext, err := marshalFieldValue(value)
		if err != nil {
			return nil, opErr("encrypt_fields", fmt.Errorf("field %s: %w", field, err))
		}
		enc, err := s.Encrypt(plaintext, keyVersion)
		if err != nil {
			return nil, err
		}
		out[field] = enc
		encrypted = append(encrypted, field)
	}

	out[encryptedFieldsKey] = encrypted
	out[encryptionVersionKey] = keyVersion
	return out, nil
}

// DecryptFields reverses EncryptFields, restoring the original values and
// stripping the bookkeeping fields.
func (s *Service) DecryptFields(obj map[string]any) (map[string]any, error) {
	fields, err := encryptedFieldList(obj)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if k == encryptedFieldsKey || k == encryptionVersionKey {
			continue
		}
		out[k] = v
	}

	for _, field := range fields {
		enc, err := asEncryptedData(obj[field])
		if err != nil {
			return nil, opErr("decrypt_fields", fmt.Errorf("field %s: %w", field, err))
		}
		plaintext, err := s.Decrypt(enc)
		if err != nil {
			return nil, err
		}
		out[field] = unmarshalFieldValue(plaintext)
	}
	return out, nil
}

func marshalFieldValue(value any) ([]byte, error) {
	if s, ok := value.(string); ok {
		return []byte(s), nil
	}
	return json.Marshal(value)
}

// unmarshalFieldValue restores a field value: JSON if it parses, otherwise the
// raw string as stored.
func unmarshalFieldValue(plaintext []byte) any {
	var v any
	if err := json.Unmarshal(plaintext, &v); err == nil {
		return v
	}
	return string(plaintext)
}

func encryptedFieldList(obj map[string]any) ([]string, error) {
	raw, ok := obj[encryptedFieldsKey]
	if !ok {
		return nil, opErr("decrypt_fields", fmt.Errorf("missing %s", encryptedFieldsKey))
	}
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		fields := make([]string, 0, len(v))
		for _, f := range v {
			s, ok := f.(string)
			if !ok {
				return nil, opErr("decrypt_fields", fmt.Errorf("malformed %s", encryptedFieldsKey))
			}
			fields = append(fields, s)
		}
		return fields, nil
	case nil:
		return nil, nil
	default:
		return nil, opErr("decrypt_fields", fmt.Errorf("malformed %s", encryptedFieldsKey))
	}
}

// asEncryptedData accepts either the struct itself or its JSON-decoded map
// form, since records coming back from a document store lose the Go type.
func asEncryptedData(value any) (EncryptedData, error) {
	switch v := value.(type) {
	case EncryptedData:
		return v, nil
	case *EncryptedData:
		if v == nil {
			return EncryptedData{}, fmt.Errorf("nil encrypted record")
		}
		return *v, nil
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return EncryptedData{}, err
		}
		var enc EncryptedData
		if err := json.Unmarshal(data, &enc); err != nil {
			return EncryptedData{}, err
		}
		return enc, nil
	default:
		return EncryptedData{}, fmt.Errorf("value is not an encrypted record")
	}
}
