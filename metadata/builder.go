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
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/jinzhu/inflection"
	"github.com/tomoncle/orbit/types"
	"github.com/vmihailenco/tagparser/v2"
)

const tagKey = "orbit"

var defaultBuilder = NewBuilder()

// DefaultBuilder returns the process-wide builder used by RegisterEntity.
func DefaultBuilder() *Builder {
	return defaultBuilder
}

// RegisterEntity adds an entity type to the default builder.
func RegisterEntity(v any) (*EntityDescriptor, error) {
	return defaultBuilder.Register(v)
}

// Builder collects entity declarations and turns them into a Registry.
// Entities live in an arena; relationships refer to their target by arena
// key, so self references and cycles need no pointers between descriptors.
type Builder struct {
	mu       sync.Mutex
	entities []*EntityDescriptor
	index    map[reflect.Type]int
}

func NewBuilder() *Builder {
	return &Builder{index: make(map[reflect.Type]int)}
}

// Register inspects the struct type of v (a value, a pointer or a
// reflect.Type) and every entity it references. Registering the same type
// twice returns the existing descriptor. Relationship join columns are
// resolved by Build.
func (b *Builder) Register(v any) (*EntityDescriptor, error) {
	t, ok := v.(reflect.Type)
	if !ok {
		t = reflect.TypeOf(v)
	}
	if t == nil {
		return nil, &types.UnmappedTypeError{Entity: "<nil>"}
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	mark := len(b.entities)
	key, err := b.register(t)
	if err != nil {
		for _, d := range b.entities[mark:] {
			delete(b.index, d.Type)
		}
		b.entities = b.entities[:mark]
		return nil, err
	}
	return b.entities[key], nil
}

func (b *Builder) register(t reflect.Type) (int, error) {
	if t.Kind() != reflect.Struct {
		return 0, &types.UnmappedTypeError{Entity: t.String(), Reason: "not a struct"}
	}
	// Types already in the arena include those still being registered
	// further up the stack, which is what terminates cycles.
	if key, ok := b.index[t]; ok {
		return key, nil
	}
	marker, ok := findMarker(t)
	if !ok {
		return 0, &types.UnmappedTypeError{Entity: t.String(), Reason: "missing metadata.BaseEntity marker"}
	}

	d := &EntityDescriptor{
		Type:     t,
		Name:     t.Name(),
		key:      len(b.entities),
		byName:   make(map[string]*FieldDescriptor),
		byColumn: make(map[string]*FieldDescriptor),
		rels:     make(map[string]*RelationshipDescriptor),
	}
	tableTag := tagparser.Parse(marker.Tag.Get(tagKey))
	d.Table = tableTag.Options["table"]
	if d.Table == "" {
		d.Table = tableTag.Name
	}
	if d.Table == "" {
		d.Table = inflection.Plural(Underscore(d.Name))
	}
	d.Alias = tableTag.Options["alias"]
	if d.Alias == "" {
		d.Alias = Underscore(d.Name)
	}

	b.entities = append(b.entities, d)
	b.index[t] = d.key

	var relFields []reflect.StructField
	if err := b.collectFields(d, t, nil, &relFields); err != nil {
		return 0, err
	}
	if d.ID == nil {
		return 0, &types.InvalidMappingError{Entity: d.Name, Reason: "no identifier field (tag a field with pk)"}
	}

	for _, sf := range relFields {
		rel, err := b.relationship(d, sf)
		if err != nil {
			return 0, err
		}
		d.Relationships = append(d.Relationships, rel)
		d.rels[rel.Name] = rel
	}
	return d.key, nil
}

func findMarker(t reflect.Type) (reflect.StructField, bool) {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.Anonymous && sf.Type == baseEntityType {
			return sf, true
		}
	}
	return reflect.StructField{}, false
}

func (b *Builder) collectFields(d *EntityDescriptor, t reflect.Type, prefix []int, rels *[]reflect.StructField) error {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.Anonymous && sf.Type == baseEntityType {
			continue
		}
		tagStr, hasTag := sf.Tag.Lookup(tagKey)
		if tagStr == "-" {
			continue
		}
		index := append(append([]int(nil), prefix...), i)

		if sf.Anonymous && !hasTag && sf.Type.Kind() == reflect.Struct {
			if err := b.collectFields(d, sf.Type, index, rels); err != nil {
				return err
			}
			continue
		}
		if !sf.IsExported() {
			continue
		}

		tag := tagparser.Parse(tagStr)
		if _, ok := tag.Options["rel"]; ok {
			sf.Index = index
			*rels = append(*rels, sf)
			continue
		}

		if target := structElem(sf.Type); target != nil {
			if _, ok := findMarker(target); ok {
				return &types.InvalidMappingError{Entity: d.Name, Field: sf.Name,
					Reason: fmt.Sprintf("field references entity %s but declares no rel option", target.Name())}
			}
		}

		f := &FieldDescriptor{
			Name:          sf.Name,
			Column:        tag.Name,
			Kind:          KindOf(sf.Type),
			Type:          sf.Type,
			Index:         index,
			PK:            tag.HasOption("pk"),
			AutoIncrement: tag.HasOption("autoincrement"),
			NotNull:       tag.HasOption("notnull"),
			Unique:        tag.HasOption("unique"),
			Nullable:      sf.Type.Kind() == reflect.Ptr || strings.HasPrefix(sf.Type.String(), "sql.Null"),
		}
		if f.Column == "" {
			f.Column = Underscore(sf.Name)
		}
		if f.Kind == KindInvalid {
			return &types.InvalidMappingError{Entity: d.Name, Field: f.Name,
				Reason: fmt.Sprintf("unsupported field type %s", sf.Type)}
		}
		if f.AutoIncrement && !f.PK {
			return &types.InvalidMappingError{Entity: d.Name, Field: f.Name, Reason: "autoincrement requires pk"}
		}
		if f.AutoIncrement && f.Kind != KindInt && f.Kind != KindUint {
			return &types.InvalidMappingError{Entity: d.Name, Field: f.Name,
				Reason: fmt.Sprintf("autoincrement identifier must be an integer, got %s", f.Kind)}
		}
		if other, ok := d.byColumn[f.Column]; ok {
			return &types.InvalidMappingError{Entity: d.Name, Field: f.Name,
				Reason: fmt.Sprintf("column %q is already mapped by %s", f.Column, other.Name)}
		}
		if f.PK {
			if d.ID != nil {
				return &types.InvalidMappingError{Entity: d.Name, Field: f.Name,
					Reason: fmt.Sprintf("more than one identifier (%s and %s)", d.ID.Name, f.Name)}
			}
			d.ID = f
		}
		d.Fields = append(d.Fields, f)
		d.byName[f.Name] = f
		d.byColumn[f.Column] = f
	}
	return nil
}

// structElem returns the struct type behind T, *T, []T or []*T.
func structElem(t reflect.Type) reflect.Type {
	if t.Kind() == reflect.Slice {
		t = t.Elem()
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	return t
}

func (b *Builder) relationship(d *EntityDescriptor, sf reflect.StructField) (*RelationshipDescriptor, error) {
	tag := tagparser.Parse(sf.Tag.Get(tagKey))
	invalid := func(format string, args ...any) error {
		return &types.InvalidMappingError{Entity: d.Name, Field: sf.Name, Reason: fmt.Sprintf(format, args...)}
	}

	card, ok := parseCardinality(tag.Options["rel"])
	if !ok {
		return nil, invalid("malformed rel option %q", tag.Options["rel"])
	}
	r := &RelationshipDescriptor{
		Name:          sf.Name,
		Cardinality:   card,
		MappedBy:      tag.Options["mappedby"],
		Index:         sf.Index,
		Type:          sf.Type,
		JoinTableName: tag.Options["m2m"],
		joinSpec:      tag.Options["join"],
	}

	switch tag.Options["fetch"] {
	case "", "lazy":
		r.Fetch = FetchLazy
	case "eager":
		r.Fetch = FetchEager
	default:
		return nil, invalid("malformed fetch option %q", tag.Options["fetch"])
	}

	elem := sf.Type
	if card.ToMany() {
		if elem.Kind() != reflect.Slice {
			return nil, invalid("%s relationship must be a slice, got %s", card, sf.Type)
		}
		elem = elem.Elem()
	}
	if elem.Kind() == reflect.Ptr {
		r.elemPtr = true
		elem = elem.Elem()
	}
	if elem.Kind() != reflect.Struct {
		return nil, invalid("relationship target %s is not a struct", elem)
	}

	if r.MappedBy != "" && (r.joinSpec != "" || r.JoinTableName != "") {
		return nil, invalid("mappedby side cannot declare join or m2m")
	}
	if r.MappedBy != "" && card == ManyToOne {
		return nil, invalid("many-to-one must be the owning side")
	}
	if r.MappedBy == "" && card == ManyToMany && r.JoinTableName == "" {
		return nil, invalid("owning many-to-many needs an m2m join table")
	}

	key, err := b.register(elem)
	if err != nil {
		var unmapped *types.UnmappedTypeError
		if errors.As(err, &unmapped) {
			return nil, invalid("relationship target %s is not a mapped entity: %s", elem, unmapped.Reason)
		}
		return nil, err
	}
	r.Target = key
	return r, nil
}

// Build resolves every relationship, checks both ends of bidirectional
// pairs and freezes the current set of entities into a Registry. The
// registry is read-only and safe for concurrent use.
func (b *Builder) Build() (*Registry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, d := range b.entities {
		for _, r := range d.Relationships {
			if err := b.link(d, r); err != nil {
				return nil, err
			}
		}
	}

	reg := &Registry{
		entities: make([]*EntityDescriptor, len(b.entities)),
		index:    make(map[reflect.Type]int, len(b.index)),
	}
	copy(reg.entities, b.entities)
	for t, k := range b.index {
		reg.index[t] = k
	}
	return reg, nil
}

func (b *Builder) link(d *EntityDescriptor, r *RelationshipDescriptor) error {
	if r.linked {
		return nil
	}
	target := b.entities[r.Target]
	invalid := func(format string, args ...any) error {
		return &types.InvalidMappingError{Entity: d.Name, Field: r.Name, Reason: fmt.Sprintf(format, args...)}
	}

	if r.MappedBy != "" {
		other, ok := target.rels[r.MappedBy]
		if !ok {
			return invalid("mappedby %q: %s has no such relationship", r.MappedBy, target.Name)
		}
		if other.Target != d.key {
			return invalid("mappedby %s.%s does not refer back to %s", target.Name, other.Name, d.Name)
		}
		if other.MappedBy != "" {
			return invalid("%s.%s also declares mappedby; exactly one side must own the relationship", target.Name, other.Name)
		}
		if other.Cardinality != r.Cardinality.mirror() {
			return invalid("%s does not mirror %s.%s (%s)", r.Cardinality, target.Name, other.Name, other.Cardinality)
		}
		if err := b.link(target, other); err != nil {
			return err
		}
		r.Owning = false
		switch other.Join {
		case JoinForeignKey:
			r.Join = JoinInverse
			r.LocalColumn = other.TargetColumn
			r.TargetColumn = other.LocalColumn
		case JoinTable:
			r.Join = JoinTable
			r.JoinTableName = other.JoinTableName
			r.JoinLocal = other.JoinTarget
			r.JoinTarget = other.JoinLocal
			r.LocalColumn = other.TargetColumn
			r.TargetColumn = other.LocalColumn
		default:
			return invalid("mappedby %s.%s must point at a foreign key or join table side", target.Name, other.Name)
		}
		r.linked = true
		return nil
	}

	r.Owning = true
	local, remote, err := splitJoin(r.joinSpec)
	if err != nil {
		return invalid("%v", err)
	}
	switch r.Cardinality {
	case ManyToOne, OneToOne:
		r.Join = JoinForeignKey
		r.LocalColumn = orDefault(local, Underscore(r.Name)+"_"+target.ID.Column)
		r.TargetColumn = orDefault(remote, target.ID.Column)
		if _, ok := d.byColumn[r.LocalColumn]; !ok {
			return invalid("join column %q is not mapped by a field of %s", r.LocalColumn, d.Name)
		}
		if _, ok := target.byColumn[r.TargetColumn]; !ok {
			return invalid("join column %q is not mapped by a field of %s", r.TargetColumn, target.Name)
		}
	case OneToMany:
		r.Join = JoinInverse
		r.LocalColumn = orDefault(local, d.ID.Column)
		r.TargetColumn = orDefault(remote, Underscore(d.Name)+"_"+d.ID.Column)
		if _, ok := d.byColumn[r.LocalColumn]; !ok {
			return invalid("join column %q is not mapped by a field of %s", r.LocalColumn, d.Name)
		}
		if _, ok := target.byColumn[r.TargetColumn]; !ok {
			return invalid("join column %q is not mapped by a field of %s", r.TargetColumn, target.Name)
		}
	case ManyToMany:
		r.Join = JoinTable
		r.LocalColumn = d.ID.Column
		r.TargetColumn = target.ID.Column
		r.JoinLocal = orDefault(local, Underscore(d.Name)+"_"+d.ID.Column)
		r.JoinTarget = orDefault(remote, Underscore(target.Name)+"_"+target.ID.Column)
		if r.JoinLocal == r.JoinTarget {
			return invalid("join table columns must differ, both are %q", r.JoinLocal)
		}
	}
	r.linked = true
	return nil
}

func splitJoin(spec string) (string, string, error) {
	if spec == "" {
		return "", "", nil
	}
	local, remote, ok := strings.Cut(spec, "=")
	local, remote = strings.TrimSpace(local), strings.TrimSpace(remote)
	if !ok || local == "" || remote == "" {
		return "", "", fmt.Errorf("malformed join option %q, want local=target", spec)
	}
	return local, remote, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
