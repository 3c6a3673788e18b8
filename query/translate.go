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
	"github.com/tomoncle/orbit/types"
)

// translator turns predicates and field paths of one root entity into SQL
// fragments, collecting bind arguments and the joins the paths require.
type translator struct {
	reg      *metadata.Registry
	root     *metadata.EntityDescriptor
	dialect  engine.Dialect
	joins    []string
	aliases  map[string]bool
	distinct bool
	args     []any
}

func newTranslator(reg *metadata.Registry, root *metadata.EntityDescriptor, dialect engine.Dialect) *translator {
	return &translator{
		reg:     reg,
		root:    root,
		dialect: dialect,
		aliases: map[string]bool{root.Alias: true},
	}
}

func (t *translator) column(alias, column string) string {
	return t.dialect.Quote(alias) + "." + t.dialect.Quote(column)
}

// resolve maps a field path to its qualified column, adding a LEFT JOIN for
// every relationship traversed. Joins are emitted in the order paths are
// first referenced and never repeated.
func (t *translator) resolve(path string) (string, *metadata.FieldDescriptor, error) {
	parts := strings.Split(path, ".")
	cur := t.root
	alias := t.root.Alias
	var traversed []string

	for _, part := range parts[:len(parts)-1] {
		rel, ok := cur.Relationship(part)
		if !ok {
			return "", nil, &types.UnknownFieldError{Entity: t.root.Name, Field: path}
		}
		traversed = append(traversed, metadata.Underscore(rel.Name))
		next := t.joinAlias(traversed)
		target := t.reg.Target(rel)
		if !t.aliases[next] {
			t.aliases[next] = true
			t.joins = append(t.joins, t.joinClause(cur, alias, rel, target, next)...)
		}
		if rel.Cardinality.ToMany() {
			t.distinct = true
		}
		cur, alias = target, next
	}

	f, ok := cur.Field(parts[len(parts)-1])
	if !ok {
		return "", nil, &types.UnknownFieldError{Entity: t.root.Name, Field: path}
	}
	return t.column(alias, f.Column), f, nil
}

func (t *translator) joinAlias(path []string) string {
	alias := strings.Join(path, "__")
	if alias == t.root.Alias {
		alias += "__j"
	}
	return alias
}

func (t *translator) joinClause(owner *metadata.EntityDescriptor, ownerAlias string, rel *metadata.RelationshipDescriptor,
	target *metadata.EntityDescriptor, alias string) []string {
	q := t.dialect.Quote
	switch rel.Join {
	case metadata.JoinForeignKey, metadata.JoinInverse:
		return []string{fmt.Sprintf("LEFT JOIN %s AS %s ON %s = %s",
			q(target.Table), q(alias), t.column(alias, rel.TargetColumn), t.column(ownerAlias, rel.LocalColumn))}
	default:
		link := alias + "__link"
		return []string{
			fmt.Sprintf("LEFT JOIN %s AS %s ON %s = %s",
				q(rel.JoinTableName), q(link), t.column(link, rel.JoinLocal), t.column(ownerAlias, rel.LocalColumn)),
			fmt.Sprintf("LEFT JOIN %s AS %s ON %s = %s",
				q(target.Table), q(alias), t.column(alias, rel.TargetColumn), t.column(link, rel.JoinTarget)),
		}
	}
}

// predicate translates p without reordering or simplifying it. Every
// conjunction and disjunction is parenthesized.
func (t *translator) predicate(p Predicate) (string, error) {
	switch p := p.(type) {
	case Comparison:
		return t.comparison(p)
	case NullCheck:
		col, _, err := t.resolve(p.Field)
		if err != nil {
			return "", err
		}
		if p.Negated {
			return col + " IS NOT NULL", nil
		}
		return col + " IS NULL", nil
	case Conjunction:
		return t.group(p.terms, " AND ", "(1 = 1)")
	case Disjunction:
		return t.group(p.terms, " OR ", "(1 = 0)")
	case Negation:
		if p.Term == nil {
			return "", fmt.Errorf("query: NOT without a term")
		}
		inner, err := t.predicate(p.Term)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case nil:
		return "", fmt.Errorf("query: nil predicate")
	default:
		return "", fmt.Errorf("query: unsupported predicate %T", p)
	}
}

func (t *translator) group(terms []Predicate, sep, empty string) (string, error) {
	if len(terms) == 0 {
		return empty, nil
	}
	parts := make([]string, len(terms))
	for i, term := range terms {
		s, err := t.predicate(term)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

func (t *translator) comparison(c Comparison) (string, error) {
	col, f, err := t.resolve(c.Field)
	if err != nil {
		return "", err
	}
	mismatch := func(actual string) error {
		return &types.TypeMismatchError{Entity: t.root.Name, Field: c.Field, Expected: f.Kind.String(), Actual: actual}
	}

	switch c.Op {
	case OpIn:
		rv := reflect.ValueOf(c.Value)
		if c.Value == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) || rv.Type() == reflect.TypeOf([]byte(nil)) {
			return "", mismatch(fmt.Sprintf("%T (IN needs a slice)", c.Value))
		}
		if rv.Len() == 0 {
			return "(1 = 0)", nil
		}
		marks := make([]string, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			v := rv.Index(i).Interface()
			if k := metadata.KindOfValue(v); !metadata.Compatible(f.Kind, k) {
				return "", mismatch(k.String())
			}
			marks[i] = "?"
			t.args = append(t.args, v)
		}
		return col + " IN (" + strings.Join(marks, ", ") + ")", nil

	case OpLike:
		if f.Kind != metadata.KindString {
			return "", mismatch("string pattern (LIKE needs a string field)")
		}
		if _, ok := c.Value.(string); !ok {
			return "", mismatch(metadata.KindOfValue(c.Value).String())
		}

	default:
		k := metadata.KindOfValue(c.Value)
		if k == metadata.KindInvalid {
			return "", mismatch("nil (use IsNull)")
		}
		if !metadata.Compatible(f.Kind, k) {
			return "", mismatch(k.String())
		}
	}

	t.args = append(t.args, c.Value)
	return col + " " + c.Op.String() + " ?", nil
}
