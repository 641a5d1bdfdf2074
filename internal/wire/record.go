package wire

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

var timeType = reflect.TypeOf(time.Time{})

// DecodeRecord decodes a loosely typed record into out, reading `json` tags.
// Keys absent from the record leave the corresponding fields of out untouched,
// so decoding a patch over a copy of an existing value is a shallow merge.
// A key present with a null value is treated as absent.
func DecodeRecord(record map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			timeHook(),
			numberHook(),
		),
	})
	if err != nil {
		return fmt.Errorf("new decoder: %w", err)
	}
	if err := dec.Decode(record); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

// timeHook turns string and numeric timestamps into time.Time.
func timeHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != timeType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return ParseTime(v)
		case json.Number:
			return ParseTime(v.String())
		case float64:
			return time.UnixMilli(int64(v)).UTC(), nil
		case int64:
			return time.UnixMilli(v).UTC(), nil
		}
		return data, nil
	}
}

// numberHook turns json.Number into bool for fields the server sometimes sends as 0/1.
func numberHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		n, ok := data.(json.Number)
		if !ok || to.Kind() != reflect.Bool {
			return data, nil
		}
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("bool from %s: %w", n, err)
		}
		return i != 0, nil
	}
}
