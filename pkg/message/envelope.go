package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

type Operation string

const (
	OperationSave Operation = "save"
	OperationAdd  Operation = "add"
)

var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrInvalidEnvelope  = errors.New("invalid envelope")
)

func (o Operation) Valid() bool {
	return o == OperationSave || o == OperationAdd
}

// Envelope is the unit published on the queue. The document itself stays
// serialized until the server knows which application it belongs to.
type Envelope struct {
	Application string    `json:"app"`
	Serializer  string    `json:"ser"`
	Operation   Operation `json:"op"`
	Payload     []byte    `json:"obj"`
	EnqueuedAt  time.Time `json:"ts"`
}

func Encode(envelope *Envelope) ([]byte, error) {
	if envelope.Serializer == "" {
		envelope.Serializer = DefaultSerializer
	}
	if envelope.Operation == "" {
		envelope.Operation = OperationSave
	}
	if envelope.EnqueuedAt.IsZero() {
		envelope.EnqueuedAt = time.Now()
	}

	if err := envelope.validate(); err != nil {
		return nil, err
	}

	return json.Marshal(envelope)
}

func Decode(raw []byte) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}

	if envelope.Serializer == "" {
		envelope.Serializer = DefaultSerializer
	}
	if envelope.Operation == "" {
		envelope.Operation = OperationSave
	}

	if err := envelope.validate(); err != nil {
		return nil, err
	}

	return &envelope, nil
}

func (e *Envelope) validate() error {
	if e.Application == "" {
		return fmt.Errorf("%w: missing application", ErrInvalidEnvelope)
	}
	if !e.Operation.Valid() {
		return fmt.Errorf("%w: %w %q", ErrInvalidEnvelope, ErrUnknownOperation, e.Operation)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidEnvelope)
	}

	return nil
}

// Document deserializes the payload with the serializer the producer used
func (e *Envelope) Document() (bson.M, error) {
	serializer, err := Lookup(e.Serializer)
	if err != nil {
		return nil, err
	}

	document, err := serializer.Unmarshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", serializer.Name(), err)
	}

	return document, nil
}

// NewEnvelope serializes document for application with the named serializer
func NewEnvelope(application string, serializerName string, operation Operation, document any) (*Envelope, error) {
	serializer, err := Lookup(serializerName)
	if err != nil {
		return nil, err
	}

	payload, err := serializer.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", serializer.Name(), err)
	}

	return &Envelope{
		Application: application,
		Serializer:  serializer.Name(),
		Operation:   operation,
		Payload:     payload,
		EnqueuedAt:  time.Now(),
	}, nil
}
