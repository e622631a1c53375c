package message

import (
	"go.mongodb.org/mongo-driver/bson"
)

type BSONSerializer struct{}

func (BSONSerializer) Name() string {
	return "bson"
}

func (BSONSerializer) Marshal(document any) ([]byte, error) {
	return bson.Marshal(document)
}

func (BSONSerializer) Unmarshal(payload []byte) (bson.M, error) {
	var document bson.M
	if err := bson.Unmarshal(payload, &document); err != nil {
		return nil, err
	}

	return document, nil
}
