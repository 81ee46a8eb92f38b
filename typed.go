package rill

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/zoobzio/sentinel"
)

// Decode converts rows into values of T using `db` struct tags. Timestamps
// stored as text are parsed into time.Time fields.
func Decode[T any](rows []Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for i, r := range rows {
		var v T
		if err := DecodeRow(r, &v); err != nil {
			return nil, fmt.Errorf("rill: decode row %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// DecodeRow decodes a single row into target, which must be a pointer.
func DecodeRow(r Row, target any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "db",
		WeaklyTypedInput: true,
		Result:           target,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			bytesToStringHook,
			textToTimeHook,
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(r))
}

// Columns returns the column names declared by T's `db` tags, in field order.
// Fields tagged "-" are skipped.
func Columns[T any]() []string {
	sentinel.Tag("db")
	meta := sentinel.Inspect[T]()
	cols := make([]string, 0, len(meta.Fields))
	for _, f := range meta.Fields {
		name := f.Tags["db"]
		if name == "" || name == "-" {
			continue
		}
		cols = append(cols, name)
	}
	return cols
}

func bytesToStringHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() == reflect.Slice && from.Elem().Kind() == reflect.Uint8 && to.Kind() == reflect.String {
		return string(data.([]byte)), nil
	}
	return data, nil
}

func textToTimeHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(time.Time{}) {
		return data, nil
	}
	s := data.(string)
	if s == "" {
		return time.Time{}, nil
	}
	t, ok := parseTime(s)
	if !ok {
		return nil, fmt.Errorf("unrecognized timestamp %q", s)
	}
	return t, nil
}
