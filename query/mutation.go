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

package query

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/tomoncle/orbit/engine"
	"github.com/tomoncle/orbit/metadata"
)

// BuildInsert renders an INSERT for entity. A zero autoincrement identifier
// is left to the engine and requested back, through RETURNING where the
// dialect has it.
func BuildInsert(desc *metadata.EntityDescriptor, dialect engine.Dialect, entity reflect.Value) (engine.NativeMutation, error) {
	sv, err := desc.Indirect(entity)
	if err != nil {
		return engine.NativeMutation{}, err
	}
	generated := desc.ID.AutoIncrement && desc.ID.Value(sv).IsZero()

	q := dialect.Quote
	cols := make([]string, 0, len(desc.Fields))
	marks := make([]string, 0, len(desc.Fields))
	args := make([]any, 0, len(desc.Fields))
	for _, f := range desc.Fields {
		if f.PK && generated {
			continue
		}
		v, err := f.DriverValue(sv)
		if err != nil {
			return engine.NativeMutation{}, err
		}
		cols = append(cols, q(f.Column))
		marks = append(marks, "?")
		args = append(args, v)
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(q(desc.Table))
	switch {
	case len(cols) > 0:
		fmt.Fprintf(&sb, " (%s) VALUES (%s)", strings.Join(cols, ", "), strings.Join(marks, ", "))
	case dialect.Name == "mysql":
		sb.WriteString(" () VALUES ()")
	default:
		sb.WriteString(" DEFAULT VALUES")
	}

	m := engine.NativeMutation{Kind: engine.Insert, Table: desc.Table, Args: args}
	if generated {
		m.Returning = desc.ID.Column
		if dialect.Returning {
			sb.WriteString(" RETURNING ")
			sb.WriteString(q(desc.ID.Column))
			m.UseReturning = true
		}
	}
	m.SQL = sb.String()
	return m, nil
}

// BuildUpdate renders an UPDATE of every non-identifier column, keyed by the
// identifier.
func BuildUpdate(desc *metadata.EntityDescriptor, dialect engine.Dialect, entity reflect.Value) (engine.NativeMutation, error) {
	sv, err := desc.Indirect(entity)
	if err != nil {
		return engine.NativeMutation{}, err
	}
	q := dialect.Quote
	sets := make([]string, 0, len(desc.Fields))
	args := make([]any, 0, len(desc.Fields))
	for _, f := range desc.Fields {
		if f.PK {
			continue
		}
		v, err := f.DriverValue(sv)
		if err != nil {
			return engine.NativeMutation{}, err
		}
		sets = append(sets, q(f.Column)+" = ?")
		args = append(args, v)
	}
	id, err := desc.ID.DriverValue(sv)
	if err != nil {
		return engine.NativeMutation{}, err
	}
	if len(sets) == 0 {
		// Identifier-only entities still need a statement whose affected
		// row count proves the row exists.
		sets = append(sets, q(desc.ID.Column)+" = ?")
		args = append(args, id)
	}
	args = append(args, id)
	return engine.NativeMutation{
		Kind:  engine.Update,
		Table: desc.Table,
		SQL:   fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", q(desc.Table), strings.Join(sets, ", "), q(desc.ID.Column)),
		Args:  args,
	}, nil
}

// BuildDelete renders a DELETE keyed by the identifier of entity.
func BuildDelete(desc *metadata.EntityDescriptor, dialect engine.Dialect, entity reflect.Value) (engine.NativeMutation, error) {
	sv, err := desc.Indirect(entity)
	if err != nil {
		return engine.NativeMutation{}, err
	}
	id, err := desc.ID.DriverValue(sv)
	if err != nil {
		return engine.NativeMutation{}, err
	}
	q := dialect.Quote
	return engine.NativeMutation{
		Kind:  engine.Delete,
		Table: desc.Table,
		SQL:   fmt.Sprintf("DELETE FROM %s WHERE %s = ?", q(desc.Table), q(desc.ID.Column)),
		Args:  []any{id},
	}, nil
}

// BuildLink inserts one join table row of an owning many-to-many
// relationship.
func BuildLink(rel *metadata.RelationshipDescriptor, dialect engine.Dialect, ownerID, targetID any) (engine.NativeMutation, error) {
	if rel.Join != metadata.JoinTable {
		return engine.NativeMutation{}, fmt.Errorf("query: %s is not a join table relationship", rel.Name)
	}
	q := dialect.Quote
	return engine.NativeMutation{
		Kind:  engine.Insert,
		Table: rel.JoinTableName,
		SQL: fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (?, ?)",
			q(rel.JoinTableName), q(rel.JoinLocal), q(rel.JoinTarget)),
		Args: []any{ownerID, targetID},
	}, nil
}

// BuildUnlink deletes one join table row of a many-to-many relationship.
func BuildUnlink(rel *metadata.RelationshipDescriptor, dialect engine.Dialect, ownerID, targetID any) (engine.NativeMutation, error) {
	if rel.Join != metadata.JoinTable {
		return engine.NativeMutation{}, fmt.Errorf("query: %s is not a join table relationship", rel.Name)
	}
	q := dialect.Quote
	return engine.NativeMutation{
		Kind:  engine.Delete,
		Table: rel.JoinTableName,
		SQL: fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s = ?",
			q(rel.JoinTableName), q(rel.JoinLocal), q(rel.JoinTarget)),
		Args: []any{ownerID, targetID},
	}, nil
}
