package api

import (
	"io"

	"github.com/goccy/go-json"
)

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func boolValue(v *bool) bool {
	return v != nil && *v
}
