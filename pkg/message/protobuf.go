package message

import (
	"encoding/json"
	"fmt"
	"math"

	"go.mongodb.org/mongo-driver/bson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProtobufSerializer carries documents as a google.protobuf.Struct
type ProtobufSerializer struct{}

func (ProtobufSerializer) Name() string {
	return "protobuf"
}

func (ProtobufSerializer) Marshal(document any) ([]byte, error) {
	var message *structpb.Struct

	switch v := document.(type) {
	case *structpb.Struct:
		message = v
	case map[string]any:
		s, err := structpb.NewStruct(v)
		if err != nil {
			return nil, err
		}
		message = s
	case bson.M:
		s, err := structpb.NewStruct(v)
		if err != nil {
			return nil, err
		}
		message = s
	default:
		// Round trip through JSON so plain structs can be published
		encoded, err := json.Marshal(document)
		if err != nil {
			return nil, err
		}
		var fields map[string]any
		if err := json.Unmarshal(encoded, &fields); err != nil {
			return nil, fmt.Errorf("document must encode to an object: %w", err)
		}
		s, err := structpb.NewStruct(fields)
		if err != nil {
			return nil, err
		}
		message = s
	}

	return proto.Marshal(message)
}

func (ProtobufSerializer) Unmarshal(payload []byte) (bson.M, error) {
	var message structpb.Struct
	if err := proto.Unmarshal(payload, &message); err != nil {
		return nil, err
	}

	return bson.M(integralNumbers(message.AsMap()).(map[string]any)), nil
}

// Struct numbers are always doubles on the wire
func integralNumbers(value any) any {
	switch v := value.(type) {
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return int64(v)
		}
		return v
	case map[string]any:
		for key, item := range v {
			v[key] = integralNumbers(item)
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = integralNumbers(item)
		}
		return v
	default:
		return v
	}
}
