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
	"reflect"

	"github.com/tomoncle/orbit/types"
)

// Registry is the frozen result of Builder.Build.
type Registry struct {
	entities []*EntityDescriptor
	index    map[reflect.Type]int
}

// Describe returns the descriptor for t. Pointer types are dereferenced.
func (r *Registry) Describe(t reflect.Type) (*EntityDescriptor, error) {
	if t == nil {
		return nil, &types.UnmappedTypeError{Entity: "<nil>"}
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	key, ok := r.index[t]
	if !ok {
		return nil, &types.UnmappedTypeError{Entity: t.String(), Reason: "not registered"}
	}
	return r.entities[key], nil
}

// DescribeValue returns the descriptor for the dynamic type of v.
func (r *Registry) DescribeValue(v any) (*EntityDescriptor, error) {
	return r.Describe(reflect.TypeOf(v))
}

// DescribeOf returns the descriptor for T.
func DescribeOf[T any](r *Registry) (*EntityDescriptor, error) {
	return r.Describe(reflect.TypeOf((*T)(nil)).Elem())
}

// All returns every descriptor in registration order.
func (r *Registry) All() []*EntityDescriptor {
	out := make([]*EntityDescriptor, len(r.entities))
	copy(out, r.entities)
	return out
}

// Target resolves the arena key of a relationship.
func (r *Registry) Target(rel *RelationshipDescriptor) *EntityDescriptor {
	return r.entities[rel.Target]
}

// Len returns the number of registered entities.
func (r *Registry) Len() int { return len(r.entities) }
