// ABOUTME: Persisted shape of a versioned store and legacy detection
// ABOUTME: Values without a version field are treated as version 0 data

package versioned

import (
	"encoding/json"
	"fmt"
)

// Record is the value a store persists under its key.
type Record struct {
	Data    json.RawMessage `json:"data"`
	Version int             `json:"version"`
}

// decodeRecord parses a stored value. A value that is not an object with
// both a data and a numeric version field is legacy data at version 0.
func decodeRecord(raw json.RawMessage) (rec Record, legacy bool, err error) {
	var fields map[string]json.RawMessage
	if json.Unmarshal(raw, &fields) != nil {
		return Record{Data: raw}, true, nil
	}
	data, hasData := fields["data"]
	version, hasVersion := fields["version"]
	if !hasData || !hasVersion {
		return Record{Data: raw}, true, nil
	}
	var n int
	if json.Unmarshal(version, &n) != nil {
		return Record{Data: raw}, true, nil
	}
	if n < 0 {
		return Record{}, false, fmt.Errorf("negative stored version %d", n)
	}
	return Record{Data: data, Version: n}, false, nil
}

func encodeRecord(rec Record) (json.RawMessage, error) {
	return json.Marshal(rec)
}

// mergeObjects overlays the top-level fields of patch onto base.
func mergeObjects(base, patch json.RawMessage) (json.RawMessage, error) {
	var dst map[string]json.RawMessage
	if err := json.Unmarshal(base, &dst); err != nil || dst == nil {
		return nil, fmt.Errorf("%w: stored data", ErrNotObject)
	}
	var src map[string]json.RawMessage
	if err := json.Unmarshal(patch, &src); err != nil || src == nil {
		return nil, fmt.Errorf("%w: partial", ErrNotObject)
	}
	for k, v := range src {
		dst[k] = v
	}
	return json.Marshal(dst)
}
