package message

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
)

const DefaultSerializer = "json"

var ErrUnknownSerializer = errors.New("unknown serializer")

type Serializer interface {
	Name() string
	Marshal(document any) ([]byte, error)
	Unmarshal(payload []byte) (bson.M, error)
}

var (
	serializersMutex sync.RWMutex
	serializers      = map[string]Serializer{}
)

func init() {
	Register(JSONSerializer{})
	Register(BSONSerializer{})
	Register(ProtobufSerializer{})
}

// Register makes a serializer available by name, replacing any existing one
func Register(serializer Serializer) {
	serializersMutex.Lock()
	defer serializersMutex.Unlock()

	serializers[serializer.Name()] = serializer
}

func Lookup(name string) (Serializer, error) {
	if name == "" {
		name = DefaultSerializer
	}

	serializersMutex.RLock()
	defer serializersMutex.RUnlock()

	serializer, ok := serializers[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownSerializer, name)
	}

	return serializer, nil
}

func Names() []string {
	serializersMutex.RLock()
	defer serializersMutex.RUnlock()

	names := make([]string, 0, len(serializers))
	for name := range serializers {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
