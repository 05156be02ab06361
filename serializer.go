package herald

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Serializer converts event payloads to and from their stored byte form.
type Serializer interface {
	Marshal(content EventContent) ([]byte, error)

	// Unmarshal decodes data into a new payload of the given type.
	Unmarshal(data []byte, t EventType) (EventContent, error)
}

// JSONSerializer is the default Serializer, backed by encoding/json.
type JSONSerializer struct{}

// Marshal implements Serializer.
func (JSONSerializer) Marshal(content EventContent) ([]byte, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encoding event content: %w", err)
	}
	return data, nil
}

// Unmarshal implements Serializer.
func (JSONSerializer) Unmarshal(data []byte, t EventType) (EventContent, error) {
	v := reflect.New(t.ContentType)
	if err := json.Unmarshal(data, v.Interface()); err != nil {
		return nil, fmt.Errorf("decoding %s content: %w", t.Name, err)
	}
	content, ok := v.Interface().(EventContent)
	if !ok {
		return nil, fmt.Errorf("content type %s does not implement EventContent", t.ContentType)
	}
	return content, nil
}
