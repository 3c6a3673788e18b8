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

package repository

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/tomoncle/orbit/metadata"
	"github.com/tomoncle/orbit/query"
	"github.com/tomoncle/orbit/types"
	"github.com/tomoncle/orbit/uow"
)

// fetchPath loads the first relationship of path for owners, then recurses
// into the loaded targets for the rest of the path.
func fetchPath(ctx context.Context, s *uow.Session, desc *metadata.EntityDescriptor, owners []reflect.Value, path string) error {
	name, rest, _ := strings.Cut(path, ".")
	rel, ok := desc.Relationship(name)
	if !ok {
		return &types.UnknownFieldError{Entity: desc.Name, Field: path}
	}
	loaded, err := loadRelation(ctx, s, desc, rel, owners)
	if err != nil || rest == "" || len(loaded) == 0 {
		return err
	}
	return fetchPath(ctx, s, s.Manager().Registry().Target(rel), loaded, rest)
}

// loadRelation issues one IN query for rel over every owner, assigns the
// matches to the relationship field and returns the distinct targets.
func loadRelation(ctx context.Context, s *uow.Session, desc *metadata.EntityDescriptor,
	rel *metadata.RelationshipDescriptor, owners []reflect.Value) ([]reflect.Value, error) {
	reg := s.Manager().Registry()
	target := reg.Target(rel)
	local, ok := desc.FieldByColumn(rel.LocalColumn)
	if !ok {
		return nil, fmt.Errorf("load %s.%s: column %q is not mapped", desc.Name, rel.Name, rel.LocalColumn)
	}

	structs := make([]reflect.Value, len(owners))
	ownerKeys := make([]string, len(owners))
	var keys []any
	seen := make(map[string]bool)
	for i, o := range owners {
		sv, err := desc.Indirect(o)
		if err != nil {
			return nil, err
		}
		structs[i] = sv
		v, err := local.DriverValue(sv)
		if err != nil {
			return nil, err
		}
		v = metadata.NormalizeID(v)
		if v == nil || reflect.ValueOf(v).IsZero() {
			continue
		}
		k := matchKey(v)
		ownerKeys[i] = k
		if !seen[k] {
			seen[k] = true
			keys = append(keys, v)
		}
	}

	groups := make(map[string][]reflect.Value)
	var loaded []reflect.Value
	if len(keys) > 0 {
		q, err := query.BuildRelated(reg, s.Manager().Dialect(), rel, keys)
		if err != nil {
			return nil, err
		}
		if rel.Join == metadata.JoinTable {
			rows, captured, err := s.LoadCaptured(ctx, q, target, query.OwnerKeyColumn)
			if err != nil {
				return nil, err
			}
			for i, t := range rows {
				k := matchKey(metadata.NormalizeID(captured[i]))
				groups[k] = append(groups[k], t)
			}
			loaded = rows
		} else {
			rows, err := s.Load(ctx, q, target)
			if err != nil {
				return nil, err
			}
			remote, ok := target.FieldByColumn(rel.TargetColumn)
			if !ok {
				return nil, fmt.Errorf("load %s.%s: column %q is not mapped", desc.Name, rel.Name, rel.TargetColumn)
			}
			for _, t := range rows {
				v, err := remote.DriverValue(t.Elem())
				if err != nil {
					return nil, err
				}
				k := matchKey(metadata.NormalizeID(v))
				groups[k] = append(groups[k], t)
			}
			loaded = rows
		}
	}

	for i, sv := range structs {
		var matches []reflect.Value
		if ownerKeys[i] != "" {
			matches = groups[ownerKeys[i]]
		}
		setRelation(sv.FieldByIndex(rel.Index), rel, matches)
	}
	return distinct(loaded), nil
}

func setRelation(field reflect.Value, rel *metadata.RelationshipDescriptor, matches []reflect.Value) {
	elem := func(ptr reflect.Value) reflect.Value {
		if rel.ElemIsPtr() {
			return ptr
		}
		return ptr.Elem()
	}
	if rel.Cardinality.ToMany() {
		out := reflect.MakeSlice(field.Type(), 0, len(matches))
		for _, m := range matches {
			out = reflect.Append(out, elem(m))
		}
		field.Set(out)
		return
	}
	if len(matches) == 0 {
		field.SetZero()
		return
	}
	field.Set(elem(matches[0]))
}

func matchKey(v any) string {
	return fmt.Sprintf("%v", v)
}

func distinct(values []reflect.Value) []reflect.Value {
	seen := make(map[uintptr]bool, len(values))
	out := values[:0:0]
	for _, v := range values {
		if p := v.Pointer(); !seen[p] {
			seen[p] = true
			out = append(out, v)
		}
	}
	return out
}
