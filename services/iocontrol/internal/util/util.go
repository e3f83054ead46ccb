package util

import (
	"encoding/json"
	"time"

	"gopkg.in/yaml.v3"
)

func ResetTimer(t *time.Timer, d time.Duration) {
	if d < 0 {
		d = 0
	}
	if !t.Stop() {
		DrainTimer(t)
	}
	t.Reset(d)
}

func DrainTimer(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}

// DecodeJSON converts a bus payload into dst. Config and requests arrive
// as JSON bytes or text from the bridge, as yaml.Node trees when a loader
// publishes them undecoded, and as maps or structs from in-process
// publishers.
func DecodeJSON[T any](src any, dst *T) error {
	switch v := src.(type) {
	case *T:
		*dst = *v
		return nil
	case T:
		*dst = v
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	case *yaml.Node:
		return v.Decode(dst)
	case yaml.Node:
		return v.Decode(dst)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, dst)
	}
}
