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
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomoncle/orbit/types"
)

type Sample struct {
	BaseEntity
	ID      uuid.UUID `orbit:",pk"`
	Count   int32
	Ratio   float64
	Active  bool
	Note    *string
	Seen    time.Time
	Nick    sql.NullString
	Payload []byte
	Attrs   types.JsonObject
	Labels  []string
}

type fakeRow []any

func (r fakeRow) Scan(dest ...any) error {
	for i, d := range dest {
		*(d.(*any)) = r[i]
	}
	return nil
}

func TestScanRowToleratesLooseDriverTypes(t *testing.T) {
	d, err := NewBuilder().Register(&Sample{})
	require.NoError(t, err)

	id := uuid.New()
	cols := []string{"id", "count", "ratio", "active", "note", "seen", "nick", "payload", "attrs", "labels", "extra"}
	row := fakeRow{
		id.String(),
		int64(12),
		int64(3),
		int64(1),
		nil,
		"2024-05-01 10:20:30",
		[]byte("neo"),
		[]byte{0x1, 0x2},
		`{"k":"v"}`,
		[]byte(`["a","b"]`),
		"ignored",
	}

	ptr, err := d.ScanRow(row, cols)
	require.NoError(t, err)
	s := ptr.Interface().(*Sample)

	assert.Equal(t, id, s.ID)
	assert.Equal(t, int32(12), s.Count)
	assert.Equal(t, 3.0, s.Ratio)
	assert.True(t, s.Active)
	assert.Nil(t, s.Note)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 20, 30, 0, time.UTC), s.Seen)
	assert.Equal(t, sql.NullString{String: "neo", Valid: true}, s.Nick)
	assert.Equal(t, []byte{0x1, 0x2}, s.Payload)
	assert.Equal(t, "v", s.Attrs["k"])
	assert.Equal(t, []string{"a", "b"}, s.Labels)
}

func TestScanRowNullIntoValueFields(t *testing.T) {
	d, err := NewBuilder().Register(&Sample{})
	require.NoError(t, err)

	note := "x"
	s := &Sample{Count: 4, Note: &note}
	err = d.ScanInto(fakeRow{nil, nil}, []string{"count", "note"}, reflect.ValueOf(s))
	require.NoError(t, err)
	assert.Zero(t, s.Count)
	assert.Nil(t, s.Note)
}

func TestScanRowRejectsOverflow(t *testing.T) {
	d, err := NewBuilder().Register(&Sample{})
	require.NoError(t, err)

	_, err = d.ScanRow(fakeRow{int64(1) << 40}, []string{"count"})
	assert.Error(t, err)
}

func TestValuesAndIdentifier(t *testing.T) {
	d, err := NewBuilder().Register(&Sample{})
	require.NoError(t, err)

	s := &Sample{Labels: []string{"x"}}
	assert.False(t, d.HasIdentifier(reflect.ValueOf(s)))

	id, ok := d.NewIdentifier()
	require.True(t, ok)
	require.NoError(t, d.SetIdentifier(reflect.ValueOf(s), id))
	assert.True(t, d.HasIdentifier(reflect.ValueOf(s)))

	vals, err := d.Values(reflect.ValueOf(s))
	require.NoError(t, err)
	require.Len(t, vals, len(d.Fields))
	assert.Equal(t, s.ID.String(), vals[0])
	assert.Nil(t, vals[4], "nil pointer binds NULL")
	assert.Nil(t, vals[8], "nil JsonObject binds NULL")
	assert.Equal(t, `["x"]`, vals[9])
}

func TestNormalizeID(t *testing.T) {
	n := int32(5)
	id := uuid.New()
	tests := []struct {
		in   any
		want any
	}{
		{5, int64(5)},
		{int32(5), int64(5)},
		{uint8(5), int64(5)},
		{&n, int64(5)},
		{"abc", "abc"},
		{[]byte("abc"), "abc"},
		{id, id},
		{nil, nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeID(tt.in))
	}
}

func TestUnderscore(t *testing.T) {
	tests := map[string]string{
		"ID":         "id",
		"UserID":     "user_id",
		"Name":       "name",
		"HTTPServer": "http_server",
		"CreatedAt":  "created_at",
	}
	for in, want := range tests {
		assert.Equal(t, want, Underscore(in), in)
	}
}

func TestCompatible(t *testing.T) {
	assert.True(t, Compatible(KindFloat, KindInt))
	assert.True(t, Compatible(KindInt, KindUint))
	assert.True(t, Compatible(KindUUID, KindString))
	assert.False(t, Compatible(KindInt, KindFloat))
	assert.False(t, Compatible(KindString, KindInt))
	assert.False(t, Compatible(KindString, KindInvalid))
	assert.Equal(t, KindInvalid, KindOfValue(nil))
	assert.Equal(t, KindInvalid, KindOfValue((*int)(nil)))
}

func TestSyncForeignKeysPrefersRelatedIdentifier(t *testing.T) {
	b := NewBuilder()
	_, err := b.Register(&Post{})
	require.NoError(t, err)
	reg, err := b.Build()
	require.NoError(t, err)
	d, err := DescribeOf[Post](reg)
	require.NoError(t, err)

	testCases := []struct {
		name   string
		post   *Post
		expect int64
	}{
		{name: "unset column", post: &Post{Author: &Author{ID: 3}}, expect: 3},
		{name: "reassigned author", post: &Post{AuthorID: 1, Author: &Author{ID: 2}}, expect: 2},
		{name: "nil author keeps column", post: &Post{AuthorID: 1}, expect: 1},
		{name: "unsaved author keeps column", post: &Post{AuthorID: 1, Author: &Author{}}, expect: 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, reg.SyncForeignKeys(d, reflect.ValueOf(tc.post)))
			assert.Equal(t, tc.expect, tc.post.AuthorID)
		})
	}
}
