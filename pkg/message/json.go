package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"go.mongodb.org/mongo-driver/bson"
)

type JSONSerializer struct{}

func (JSONSerializer) Name() string {
	return "json"
}

func (JSONSerializer) Marshal(document any) ([]byte, error) {
	return json.Marshal(document)
}

func (JSONSerializer) Unmarshal(payload []byte) (bson.M, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()

	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("payload is not a JSON object")
	}
	if _, err := decoder.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after JSON object")
	}

	return bson.M(normaliseNumbers(raw).(map[string]any)), nil
}

// normaliseNumbers turns json.Number values into int64 where the number is
// integral and float64 otherwise, so counters combine as integers
func normaliseNumbers(value any) any {
	switch v := value.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		f, _ := v.Float64()
		return f
	case map[string]any:
		for key, item := range v {
			v[key] = normaliseNumbers(item)
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = normaliseNumbers(item)
		}
		return v
	default:
		return v
	}
}
