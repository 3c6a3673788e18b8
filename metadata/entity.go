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
	"reflect"
	"time"

	"github.com/google/uuid"
)

// BaseEntity marks a struct as a persistent entity. Embed it and put the
// table options on the embedded field:
//
//	type User struct {
//		metadata.BaseEntity `orbit:"table:users,alias:u"`
//		ID   int64  `orbit:"id,pk,autoincrement"`
//		Name string `orbit:"name,notnull"`
//	}
type BaseEntity struct{}

var baseEntityType = reflect.TypeOf(BaseEntity{})

// Kind is the semantic type of a mapped field. Comparisons and scanning are
// checked against it rather than against the concrete Go type.
type Kind int

const (
	KindInvalid Kind = iota
	KindInt
	KindUint
	KindFloat
	KindString
	KindBool
	KindTime
	KindUUID
	KindBytes
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindUUID:
		return "uuid"
	case KindBytes:
		return "bytes"
	case KindJSON:
		return "json"
	default:
		return "invalid"
	}
}

var (
	timeType        = reflect.TypeOf(time.Time{})
	uuidType        = reflect.TypeOf(uuid.UUID{})
	bytesType       = reflect.TypeOf([]byte(nil))
	rawMessageType  = reflect.TypeOf(json.RawMessage(nil))
	nullStringType  = reflect.TypeOf(sql.NullString{})
	nullInt64Type   = reflect.TypeOf(sql.NullInt64{})
	nullInt32Type   = reflect.TypeOf(sql.NullInt32{})
	nullInt16Type   = reflect.TypeOf(sql.NullInt16{})
	nullFloat64Type = reflect.TypeOf(sql.NullFloat64{})
	nullBoolType    = reflect.TypeOf(sql.NullBool{})
	nullTimeType    = reflect.TypeOf(sql.NullTime{})
	scannerType     = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
)

// KindOf returns the semantic kind of t. Pointers are dereferenced.
func KindOf(t reflect.Type) Kind {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t {
	case timeType, nullTimeType:
		return KindTime
	case uuidType:
		return KindUUID
	case bytesType:
		return KindBytes
	case rawMessageType:
		return KindJSON
	case nullStringType:
		return KindString
	case nullInt64Type, nullInt32Type, nullInt16Type:
		return KindInt
	case nullFloat64Type:
		return KindFloat
	case nullBoolType:
		return KindBool
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return KindInt
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return KindUint
	case reflect.Float32, reflect.Float64:
		return KindFloat
	case reflect.String:
		return KindString
	case reflect.Bool:
		return KindBool
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Interface:
		return KindJSON
	default:
		return KindInvalid
	}
}

// KindOfValue returns the semantic kind of a literal. A nil literal has no
// kind.
func KindOfValue(v any) Kind {
	if v == nil {
		return KindInvalid
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr && rv.IsNil() {
		return KindInvalid
	}
	return KindOf(rv.Type())
}

// Compatible reports whether a literal of kind lit may be compared with a
// field of kind field. Integer literals widen to float fields, and strings
// are accepted for uuid fields.
func Compatible(field, lit Kind) bool {
	if field == KindInvalid || lit == KindInvalid {
		return false
	}
	if field == lit {
		return true
	}
	switch field {
	case KindInt, KindUint:
		return lit == KindInt || lit == KindUint
	case KindFloat:
		return lit == KindInt || lit == KindUint
	case KindUUID:
		return lit == KindString
	}
	return false
}

// FieldDescriptor maps one persistent struct field to a column.
type FieldDescriptor struct {
	Name          string
	Column        string
	Kind          Kind
	Type          reflect.Type
	Index         []int
	PK            bool
	AutoIncrement bool
	NotNull       bool
	Unique        bool
	// Nullable is set for pointer and sql.Null* fields.
	Nullable bool
}

// Value returns the field of the struct value v (not a pointer).
func (f *FieldDescriptor) Value(v reflect.Value) reflect.Value {
	return v.FieldByIndex(f.Index)
}

// Cardinality of a relationship, seen from the declaring entity.
type Cardinality int

const (
	OneToOne Cardinality = iota
	OneToMany
	ManyToOne
	ManyToMany
)

func (c Cardinality) String() string {
	switch c {
	case OneToOne:
		return "one-to-one"
	case OneToMany:
		return "one-to-many"
	case ManyToOne:
		return "many-to-one"
	case ManyToMany:
		return "many-to-many"
	default:
		return "unknown"
	}
}

// ToMany reports whether the relationship holds a collection.
func (c Cardinality) ToMany() bool {
	return c == OneToMany || c == ManyToMany
}

// mirror returns the cardinality the other end of a bidirectional pair must
// declare.
func (c Cardinality) mirror() Cardinality {
	switch c {
	case OneToMany:
		return ManyToOne
	case ManyToOne:
		return OneToMany
	default:
		return c
	}
}

func parseCardinality(s string) (Cardinality, bool) {
	switch s {
	case "one-to-one":
		return OneToOne, true
	case "one-to-many":
		return OneToMany, true
	case "many-to-one":
		return ManyToOne, true
	case "many-to-many":
		return ManyToMany, true
	}
	return 0, false
}

// FetchMode controls whether a relationship is loaded together with its
// owner.
type FetchMode int

const (
	FetchLazy FetchMode = iota
	FetchEager
)

func (m FetchMode) String() string {
	if m == FetchEager {
		return "eager"
	}
	return "lazy"
}

// JoinKind describes where the relationship is stored.
type JoinKind int

const (
	// JoinForeignKey: LocalColumn on this table references TargetColumn.
	JoinForeignKey JoinKind = iota
	// JoinInverse: TargetColumn on the target table references LocalColumn.
	JoinInverse
	// JoinTable: rows of JoinTableName link LocalColumn and TargetColumn
	// through JoinLocal and JoinTarget.
	JoinTable
)

func (k JoinKind) String() string {
	switch k {
	case JoinForeignKey:
		return "foreign-key"
	case JoinInverse:
		return "inverse"
	case JoinTable:
		return "join-table"
	default:
		return "unknown"
	}
}

// RelationshipDescriptor describes an association field. Target is a key
// into the registry arena; resolve it with Registry.Target.
type RelationshipDescriptor struct {
	Name        string
	Cardinality Cardinality
	Join        JoinKind
	Owning      bool
	Fetch       FetchMode
	Target      int
	MappedBy    string
	Index       []int
	Type        reflect.Type

	LocalColumn   string
	TargetColumn  string
	JoinTableName string
	JoinLocal     string
	JoinTarget    string

	// elemPtr is set when collection elements (or the to-one field) are
	// pointers.
	elemPtr bool
	// joinSpec is the raw join option, resolved in Build.
	joinSpec string
	linked   bool
}

// ElemIsPtr reports whether the field holds *Target rather than Target.
func (r *RelationshipDescriptor) ElemIsPtr() bool { return r.elemPtr }

// EntityDescriptor is the immutable mapping of one entity type.
type EntityDescriptor struct {
	Type          reflect.Type
	Name          string
	Table         string
	Alias         string
	ID            *FieldDescriptor
	Fields        []*FieldDescriptor
	Relationships []*RelationshipDescriptor

	key      int
	byName   map[string]*FieldDescriptor
	byColumn map[string]*FieldDescriptor
	rels     map[string]*RelationshipDescriptor
}

// Key is the arena key of the descriptor in its registry.
func (d *EntityDescriptor) Key() int { return d.key }

// Field finds a persistent field by Go name, then by column name.
func (d *EntityDescriptor) Field(name string) (*FieldDescriptor, bool) {
	if f, ok := d.byName[name]; ok {
		return f, true
	}
	f, ok := d.byColumn[name]
	return f, ok
}

// FieldByColumn finds a persistent field by its column name.
func (d *EntityDescriptor) FieldByColumn(column string) (*FieldDescriptor, bool) {
	f, ok := d.byColumn[column]
	return f, ok
}

// Relationship finds a relationship by Go field name.
func (d *EntityDescriptor) Relationship(name string) (*RelationshipDescriptor, bool) {
	r, ok := d.rels[name]
	return r, ok
}

// Columns returns the column names in field order.
func (d *EntityDescriptor) Columns() []string {
	cols := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		cols[i] = f.Column
	}
	return cols
}

func (d *EntityDescriptor) String() string { return d.Name }

func isScanner(t reflect.Type) bool {
	return reflect.PointerTo(t).Implements(scannerType)
}
