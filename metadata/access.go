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
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/google/uuid"
)

// IdentityKey identifies one entity instance within a session.
type IdentityKey struct {
	Type reflect.Type
	ID   any
}

func (k IdentityKey) String() string {
	return fmt.Sprintf("%s#%v", k.Type.Name(), k.ID)
}

// New allocates a zero entity and returns a pointer to it.
func (d *EntityDescriptor) New() reflect.Value {
	return reflect.New(d.Type)
}

// Indirect returns the struct value behind v, which may be a pointer to the
// entity or the entity itself.
func (d *EntityDescriptor) Indirect(v reflect.Value) (reflect.Value, error) {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}, fmt.Errorf("nil %s", d.Name)
		}
		v = v.Elem()
	}
	if v.Type() != d.Type {
		return reflect.Value{}, fmt.Errorf("value of type %s is not a %s", v.Type(), d.Name)
	}
	return v, nil
}

// IdentifierOf returns the normalized identifier of the entity.
func (d *EntityDescriptor) IdentifierOf(v reflect.Value) (any, error) {
	sv, err := d.Indirect(v)
	if err != nil {
		return nil, err
	}
	return NormalizeID(d.ID.Value(sv).Interface()), nil
}

// HasIdentifier reports whether the identifier field is set.
func (d *EntityDescriptor) HasIdentifier(v reflect.Value) bool {
	sv, err := d.Indirect(v)
	if err != nil {
		return false
	}
	return !d.ID.Value(sv).IsZero()
}

// IdentityOf returns the identity map key of the entity.
func (d *EntityDescriptor) IdentityOf(v reflect.Value) (IdentityKey, error) {
	id, err := d.IdentifierOf(v)
	if err != nil {
		return IdentityKey{}, err
	}
	return IdentityKey{Type: d.Type, ID: id}, nil
}

// Identity builds an identity map key from a bare identifier.
func (d *EntityDescriptor) Identity(id any) IdentityKey {
	return IdentityKey{Type: d.Type, ID: NormalizeID(id)}
}

// SetIdentifier assigns id to the identifier field, converting driver
// values (int64, []byte, string) as needed.
func (d *EntityDescriptor) SetIdentifier(v reflect.Value, id any) error {
	sv, err := d.Indirect(v)
	if err != nil {
		return err
	}
	if err := assign(d.ID.Value(sv), id); err != nil {
		return fmt.Errorf("set %s.%s: %w", d.Name, d.ID.Name, err)
	}
	return nil
}

// NewIdentifier generates a client-side identifier for uuid keys. It
// returns false for kinds the engine must generate.
func (d *EntityDescriptor) NewIdentifier() (any, bool) {
	if d.ID.Kind == KindUUID {
		return uuid.New(), true
	}
	return nil, false
}

// NormalizeID makes identifiers of different integer widths and pointer
// wrapping compare equal as map keys.
func NormalizeID(id any) any {
	if id == nil {
		return nil
	}
	v := reflect.ValueOf(id)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := v.Uint()
		if u <= 1<<63-1 {
			return int64(u)
		}
		return u
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return string(v.Bytes())
		}
	}
	if v.Type() == uuidType {
		return v.Interface()
	}
	if v.Kind() == reflect.String {
		return v.String()
	}
	return v.Interface()
}

// DriverValue returns the value to bind for field f of the struct value sv.
// Nil pointers bind NULL and JSON kinds without a driver.Valuer are
// marshaled.
func (f *FieldDescriptor) DriverValue(sv reflect.Value) (any, error) {
	fv := f.Value(sv)
	if fv.Kind() == reflect.Ptr {
		if fv.IsNil() {
			return nil, nil
		}
	}
	iface := fv.Interface()
	if valuer, ok := iface.(driver.Valuer); ok {
		return valuer.Value()
	}
	if fv.Kind() == reflect.Ptr {
		fv = fv.Elem()
		iface = fv.Interface()
	}
	if f.Kind == KindJSON {
		if (fv.Kind() == reflect.Map || fv.Kind() == reflect.Slice) && fv.IsNil() {
			return nil, nil
		}
		b, err := json.Marshal(iface)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", f.Name, err)
		}
		return string(b), nil
	}
	return iface, nil
}

// Values returns the bind values of every persistent field in field order.
func (d *EntityDescriptor) Values(v reflect.Value) ([]any, error) {
	sv, err := d.Indirect(v)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(d.Fields))
	for i, f := range d.Fields {
		val, err := f.DriverValue(sv)
		if err != nil {
			return nil, err
		}
		out[i] = val
	}
	return out, nil
}

// SyncForeignKeys copies the identifier of each owning to-one related
// entity into its join column field, so that setting Post.Author is enough
// to persist author_id. When the related entity carries an identifier it
// wins over the join column, so reassigning the relationship is persisted.
// A nil or unsaved related entity leaves the join column untouched.
func (r *Registry) SyncForeignKeys(d *EntityDescriptor, v reflect.Value) error {
	sv, err := d.Indirect(v)
	if err != nil {
		return err
	}
	for _, rel := range d.Relationships {
		if rel.Join != JoinForeignKey {
			continue
		}
		rv := sv.FieldByIndex(rel.Index)
		if rv.Kind() == reflect.Ptr && rv.IsNil() {
			continue
		}
		local, ok := d.FieldByColumn(rel.LocalColumn)
		if !ok {
			continue
		}
		target := r.Target(rel)
		remote, ok := target.FieldByColumn(rel.TargetColumn)
		if !ok {
			continue
		}
		tv, err := target.Indirect(rv)
		if err != nil {
			return err
		}
		val := remote.Value(tv)
		if val.IsZero() {
			continue
		}
		if err := assign(local.Value(sv), val.Interface()); err != nil {
			return fmt.Errorf("sync %s.%s: %w", d.Name, local.Name, err)
		}
	}
	return nil
}
