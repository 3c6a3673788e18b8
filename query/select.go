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
	"strconv"
	"strings"

	"github.com/tomoncle/orbit/engine"
	"github.com/tomoncle/orbit/metadata"
	"github.com/tomoncle/orbit/types"
)

// SelectBuilder assembles a SELECT over one entity. It is not safe for
// concurrent use; build a new one per query.
type SelectBuilder struct {
	reg      *metadata.Registry
	desc     *metadata.EntityDescriptor
	dialect  engine.Dialect
	where    []Predicate
	orders   []types.Order
	limit    int
	offset   int
	distinct bool
	err      error
}

// Select starts a query over the entity type t.
func Select(reg *metadata.Registry, t reflect.Type, dialect engine.Dialect) *SelectBuilder {
	b := &SelectBuilder{reg: reg, dialect: dialect, limit: -1}
	b.desc, b.err = reg.Describe(t)
	return b
}

// SelectOf starts a query over the entity type T.
func SelectOf[T any](reg *metadata.Registry, dialect engine.Dialect) *SelectBuilder {
	return Select(reg, reflect.TypeOf((*T)(nil)).Elem(), dialect)
}

// Descriptor returns the root entity descriptor, nil if the type is not
// mapped.
func (b *SelectBuilder) Descriptor() *metadata.EntityDescriptor { return b.desc }

// Where adds a filter. Successive calls are AND-ed in call order.
func (b *SelectBuilder) Where(p Predicate) *SelectBuilder {
	b.where = append(b.where, p)
	return b
}

func (b *SelectBuilder) OrderBy(field string, dir types.Direction) *SelectBuilder {
	b.orders = append(b.orders, types.Order{Field: field, Direction: dir})
	return b
}

// Limit caps the number of rows. A negative value removes the cap.
func (b *SelectBuilder) Limit(n int) *SelectBuilder {
	b.limit = n
	return b
}

func (b *SelectBuilder) Offset(n int) *SelectBuilder {
	b.offset = n
	return b
}

func (b *SelectBuilder) Distinct() *SelectBuilder {
	b.distinct = true
	return b
}

// Build renders the query. Unknown fields and literal type mismatches are
// reported here, before anything reaches the engine.
func (b *SelectBuilder) Build() (engine.NativeQuery, error) {
	if b.err != nil {
		return engine.NativeQuery{}, b.err
	}
	tr := newTranslator(b.reg, b.desc, b.dialect)
	where, err := b.whereClause(tr)
	if err != nil {
		return engine.NativeQuery{}, err
	}

	orders := make([]string, 0, len(b.orders))
	for _, o := range b.orders {
		col, _, err := tr.resolve(o.Field)
		if err != nil {
			return engine.NativeQuery{}, err
		}
		orders = append(orders, col+" "+o.Direction.String())
	}

	cols := make([]string, len(b.desc.Fields))
	for i, f := range b.desc.Fields {
		cols[i] = tr.column(b.desc.Alias, f.Column)
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	if b.distinct || tr.distinct {
		sb.WriteString("DISTINCT ")
	}
	sb.WriteString(strings.Join(cols, ", "))
	b.writeFrom(&sb, tr, where)
	if len(orders) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(orders, ", "))
	}
	b.writeLimit(&sb)
	return engine.NativeQuery{SQL: sb.String(), Args: tr.args}, nil
}

// BuildCount renders a COUNT over the same filter, ignoring order, limit
// and offset.
func (b *SelectBuilder) BuildCount() (engine.NativeQuery, error) {
	if b.err != nil {
		return engine.NativeQuery{}, b.err
	}
	tr := newTranslator(b.reg, b.desc, b.dialect)
	where, err := b.whereClause(tr)
	if err != nil {
		return engine.NativeQuery{}, err
	}
	var sb strings.Builder
	if b.distinct || tr.distinct {
		sb.WriteString("SELECT COUNT(DISTINCT ")
		sb.WriteString(tr.column(b.desc.Alias, b.desc.ID.Column))
		sb.WriteString(")")
	} else {
		sb.WriteString("SELECT COUNT(*)")
	}
	b.writeFrom(&sb, tr, where)
	return engine.NativeQuery{SQL: sb.String(), Args: tr.args}, nil
}

func (b *SelectBuilder) whereClause(tr *translator) (string, error) {
	parts := make([]string, 0, len(b.where))
	for _, p := range b.where {
		s, err := tr.predicate(p)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, " AND "), nil
}

func (b *SelectBuilder) writeFrom(sb *strings.Builder, tr *translator, where string) {
	q := b.dialect.Quote
	sb.WriteString(" FROM ")
	sb.WriteString(q(b.desc.Table))
	sb.WriteString(" AS ")
	sb.WriteString(q(b.desc.Alias))
	for _, j := range tr.joins {
		sb.WriteString(" ")
		sb.WriteString(j)
	}
	if where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
	}
}

func (b *SelectBuilder) writeLimit(sb *strings.Builder) {
	if b.limit >= 0 {
		sb.WriteString(" LIMIT ")
		sb.WriteString(strconv.Itoa(b.limit))
	}
	if b.offset > 0 {
		if b.limit < 0 {
			switch b.dialect.Name {
			case "sqlite":
				sb.WriteString(" LIMIT -1")
			case "mysql":
				sb.WriteString(" LIMIT 18446744073709551615")
			}
		}
		sb.WriteString(" OFFSET ")
		sb.WriteString(strconv.Itoa(b.offset))
	}
}

// BuildExists renders a single-row existence check for the identifier.
func BuildExists(desc *metadata.EntityDescriptor, dialect engine.Dialect, id any) engine.NativeQuery {
	q := dialect.Quote
	return engine.NativeQuery{
		SQL:  fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ? LIMIT 1", q(desc.Table), q(desc.ID.Column)),
		Args: []any{id},
	}
}
