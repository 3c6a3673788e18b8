/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package metadata

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// RowScanner is the subset of *sql.Rows used for mapping.
type RowScanner interface {
	Scan(dest ...any) error
}

// ScanRow reads the current row into a new entity and returns a pointer to
// it. Columns that are not mapped are read and dropped.
func (d *EntityDescriptor) ScanRow(rows RowScanner, columns []string) (reflect.Value, error) {
	ptr := d.New()
	if err := d.ScanInto(rows, columns, ptr); err != nil {
		return reflect.Value{}, err
	}
	return ptr, nil
}

// ScanInto reads the current row into the entity pointed to by dst.
func (d *EntityDescriptor) ScanInto(rows RowScanner, columns []string, dst reflect.Value) error {
	_, err := d.scan(rows, columns, dst, "")
	return err
}

// ScanRowCapture is ScanRow for result sets that carry one extra column,
// such as the owner key of a join table lookup. The raw value of the
// capture column is returned alongside the entity.
func (d *EntityDescriptor) ScanRowCapture(rows RowScanner, columns []string, capture string) (reflect.Value, any, error) {
	ptr := d.New()
	captured, err := d.scan(rows, columns, ptr, capture)
	if err != nil {
		return reflect.Value{}, nil, err
	}
	return ptr, captured, nil
}

func (d *EntityDescriptor) scan(rows RowScanner, columns []string, dst reflect.Value, capture string) (any, error) {
	sv, err := d.Indirect(dst)
	if err != nil {
		return nil, err
	}
	raw := make([]any, len(columns))
	dest := make([]any, len(columns))
	for i := range raw {
		dest[i] = &raw[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	var captured any
	for i, col := range columns {
		col = unqualify(col)
		if capture != "" && col == capture {
			captured = raw[i]
			if b, ok := captured.([]byte); ok {
				captured = string(b)
			}
			continue
		}
		f, ok := d.byColumn[col]
		if !ok {
			continue
		}
		if err := assign(f.Value(sv), raw[i]); err != nil {
			return nil, fmt.Errorf("scan %s.%s: %w", d.Name, f.Name, err)
		}
	}
	return captured, nil
}

// unqualify strips a "table." prefix some drivers report.
func unqualify(col string) string {
	if i := strings.LastIndexByte(col, '.'); i >= 0 {
		return col[i+1:]
	}
	return col
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// assign stores a driver value into dst, tolerating NULL and the loose
// typing of sqlite (integers for booleans, text for times).
func assign(dst reflect.Value, src any) error {
	if b, ok := src.([]byte); ok {
		// drivers reuse the buffer after the next Scan.
		src = append([]byte(nil), b...)
	}

	if dst.Kind() == reflect.Ptr {
		if src == nil {
			dst.Set(reflect.Zero(dst.Type()))
			return nil
		}
		elem := reflect.New(dst.Type().Elem())
		if err := assign(elem.Elem(), src); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	}

	if src != nil && reflect.TypeOf(src) == dst.Type() {
		dst.Set(reflect.ValueOf(src))
		return nil
	}
	if dst.CanAddr() {
		if scanner, ok := dst.Addr().Interface().(sql.Scanner); ok {
			return scanner.Scan(src)
		}
	}

	if src == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}

	sv := reflect.ValueOf(src)
	if dst.Type() == timeType {
		t, err := toTime(src)
		if err != nil {
			return err
		}
		dst.Set(reflect.ValueOf(t))
		return nil
	}

	switch dst.Kind() {
	case reflect.String:
		switch v := src.(type) {
		case string:
			dst.SetString(v)
		case []byte:
			dst.SetString(string(v))
		case time.Time:
			dst.SetString(v.Format(time.RFC3339Nano))
		default:
			dst.SetString(fmt.Sprint(v))
		}
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := toInt(src)
		if err != nil {
			return err
		}
		if dst.OverflowInt(n) {
			return fmt.Errorf("value %d overflows %s", n, dst.Type())
		}
		dst.SetInt(n)
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := toInt(src)
		if err != nil {
			return err
		}
		if n < 0 || dst.OverflowUint(uint64(n)) {
			return fmt.Errorf("value %d overflows %s", n, dst.Type())
		}
		dst.SetUint(uint64(n))
		return nil

	case reflect.Float32, reflect.Float64:
		f, err := toFloat(src)
		if err != nil {
			return err
		}
		dst.SetFloat(f)
		return nil

	case reflect.Bool:
		b, err := toBool(src)
		if err != nil {
			return err
		}
		dst.SetBool(b)
		return nil

	case reflect.Slice:
		if dst.Type().Elem().Kind() == reflect.Uint8 {
			switch v := src.(type) {
			case []byte:
				dst.SetBytes(v)
				return nil
			case string:
				dst.SetBytes([]byte(v))
				return nil
			}
		}
	}

	if sv.Type().AssignableTo(dst.Type()) {
		dst.Set(sv)
		return nil
	}
	if KindOf(dst.Type()) == KindJSON {
		var data []byte
		switch v := src.(type) {
		case []byte:
			data = v
		case string:
			data = []byte(v)
		}
		if data != nil {
			return json.Unmarshal(data, dst.Addr().Interface())
		}
	}
	if sv.Type().ConvertibleTo(dst.Type()) {
		dst.Set(sv.Convert(dst.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", src, dst.Type())
}

func toInt(src any) (int64, error) {
	switch v := src.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case []byte:
		return strconv.ParseInt(strings.TrimSpace(string(v)), 10, 64)
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	}
	return 0, fmt.Errorf("cannot convert %T to an integer", src)
}

func toFloat(src any) (float64, error) {
	switch v := src.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case []byte:
		return strconv.ParseFloat(strings.TrimSpace(string(v)), 64)
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	}
	return 0, fmt.Errorf("cannot convert %T to a float", src)
}

func toBool(src any) (bool, error) {
	switch v := src.(type) {
	case bool:
		return v, nil
	case int64:
		return v != 0, nil
	case []byte:
		return strconv.ParseBool(strings.TrimSpace(string(v)))
	case string:
		return strconv.ParseBool(strings.TrimSpace(v))
	}
	return false, fmt.Errorf("cannot convert %T to a bool", src)
}

func toTime(src any) (time.Time, error) {
	var s string
	switch v := src.(type) {
	case time.Time:
		return v, nil
	case []byte:
		s = string(v)
	case string:
		s = v
	case int64:
		return time.Unix(v, 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("cannot convert %T to time.Time", src)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as time", s)
}
