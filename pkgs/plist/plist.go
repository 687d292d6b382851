// Copyright 2024 The corebuild Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package plist reads and writes property lists while keeping dictionary keys
// in document order.
//
// Values map to Go types as follows:
//
//	dict     *Dict
//	array    []any
//	string   string
//	integer  int64 (uint64 when it does not fit)
//	real     float64
//	true     bool
//	date     time.Time
//	data     []byte
//	UID      UID (binary only)
package plist

import (
	"bytes"
	"errors"
	"fmt"
	"time"
)

// Format identifies a property list encoding.
type Format int

const (
	XML Format = iota
	Binary
)

func (f Format) String() string {
	switch f {
	case XML:
		return "xml"
	case Binary:
		return "binary"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// UID is a keyed-archiver object reference.
type UID uint64

var (
	ErrUnknownFormat = errors.New("plist: unknown format")
	ErrUnsupported   = errors.New("plist: unsupported value")
)

var binaryMagic = []byte("bplist00")

// Dict is an ordered dictionary. The zero value is an empty Dict.
type Dict struct {
	keys []string
	vals map[string]any
}

// NewDict returns an empty Dict.
func NewDict() *Dict {
	return &Dict{vals: map[string]any{}}
}

// Len returns the number of keys in d. A nil Dict has no keys.
func (d *Dict) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// Keys returns the keys of d in document order.
func (d *Dict) Keys() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.keys...)
}

// Get returns the value stored under key.
func (d *Dict) Get(key string) (any, bool) {
	if d == nil {
		return nil, false
	}
	v, ok := d.vals[key]
	return v, ok
}

// Set stores val under key. An existing key keeps its position; a new key is
// appended.
func (d *Dict) Set(key string, val any) {
	if d.vals == nil {
		d.vals = map[string]any{}
	}
	if _, ok := d.vals[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.vals[key] = val
}

// Decode parses a binary or XML property list and reports which format it was
// in.
func Decode(data []byte) (any, Format, error) {
	if bytes.HasPrefix(data, binaryMagic) {
		v, err := decodeBinary(data)
		return v, Binary, err
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n\ufeff")
	if len(trimmed) > 0 && trimmed[0] == '<' {
		v, err := decodeXML(trimmed)
		return v, XML, err
	}
	return nil, XML, ErrUnknownFormat
}

// Encode serializes v in format f.
func Encode(v any, f Format) ([]byte, error) {
	switch f {
	case Binary:
		return encodeBinary(v)
	case XML:
		return encodeXML(v)
	}
	return nil, fmt.Errorf("plist: encode: %w", ErrUnknownFormat)
}

// normalize converts the Go values accepted by Encode to the canonical
// decoded types.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case string, int64, uint64, float64, bool, []byte, UID, time.Time, []any, *Dict:
		return v, nil
	case Dict:
		return &t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint:
		return uint64(t), nil
	case float32:
		return float64(t), nil
	case []string:
		arr := make([]any, len(t))
		for i, s := range t {
			arr[i] = s
		}
		return arr, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupported, v)
}
