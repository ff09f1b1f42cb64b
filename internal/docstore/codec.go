package docstore

import "encoding/json"

// Codec serializes entity payloads to the textual data column. Injected per
// repository; the core never inspects payload contents.
type Codec[T any] interface {
	Encode(entity T) (string, error)
	Decode(data string) (T, error)
}

// JSONCodec is the default Codec, storing payloads as JSON text.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(entity T) (string, error) {
	b, err := json.Marshal(entity)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (JSONCodec[T]) Decode(data string) (T, error) {
	var entity T
	if err := json.Unmarshal([]byte(data), &entity); err != nil {
		var zero T
		return zero, err
	}
	return entity, nil
}
