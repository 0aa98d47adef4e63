// SPDX-License-Identifier: MIT
package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrMalformed is wrapped by every payload rejection.
var ErrMalformed = errors.New("malformed sample payload")

const batchSchema = `{
	"type": "object",
	"required": ["timestamp", "data"],
	"properties": {
		"timestamp": {"type": "number"},
		"data": {
			"type": "array",
			"items": {
				"type": "array",
				"items": {"type": ["number", "string"]}
			}
		}
	}
}`

var schema = jsonschema.MustCompileString("batch.json", batchSchema)

// Decoder turns JSON payloads into batches for one channel.
type Decoder struct {
	Channel        int     // Index into the payload's data array.
	TimestampScale float64 // Multiplier to seconds; 0 means 1.
}

// Decode validates payload and extracts the configured channel. A channel
// with no samples yields an empty batch. Non-numeric strings, NaN and
// infinities are rejected.
func (d Decoder) Decode(payload []byte) (Batch, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Batch{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := schema.Validate(doc); err != nil {
		return Batch{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	obj := doc.(map[string]any)
	ts, err := obj["timestamp"].(json.Number).Float64()
	if err != nil || math.IsNaN(ts) || math.IsInf(ts, 0) {
		return Batch{}, fmt.Errorf("%w: timestamp %v", ErrMalformed, obj["timestamp"])
	}

	channels := obj["data"].([]any)
	if d.Channel < 0 || d.Channel >= len(channels) {
		return Batch{}, fmt.Errorf("%w: channel %d missing (payload has %d)", ErrMalformed, d.Channel, len(channels))
	}
	raw := channels[d.Channel].([]any)

	values := make([]float64, len(raw))
	for i, el := range raw {
		v, err := toFloat(el)
		if err != nil {
			return Batch{}, fmt.Errorf("%w: data[%d][%d]: %w", ErrMalformed, d.Channel, i, err)
		}
		values[i] = v
	}

	scale := d.TimestampScale
	if scale == 0 {
		scale = 1
	}
	return Batch{Start: ts * scale, Values: values}, nil
}

func toFloat(el any) (float64, error) {
	var (
		v   float64
		err error
	)
	switch x := el.(type) {
	case json.Number:
		v, err = x.Float64()
	case string:
		v, err = strconv.ParseFloat(strings.TrimSpace(x), 64)
	default:
		return 0, fmt.Errorf("unexpected %T", el)
	}
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %v", el)
	}
	return v, nil
}
