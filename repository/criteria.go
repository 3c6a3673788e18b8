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
	"iter"
	"reflect"
	"slices"

	"github.com/tomoncle/orbit/metadata"
	"github.com/tomoncle/orbit/query"
	"github.com/tomoncle/orbit/types"
	"github.com/tomoncle/orbit/uow"
)

// Criteria is a fluent query over one entity type. Relationships marked
// fetch:eager are loaded for every result; Fetch adds more paths.
type Criteria[T any] struct {
	repo    *baseRepositoryImpl[T]
	session *uow.Session
	preds   []query.Predicate
	orders  []types.Order
	limit   int
	offset  int
	fetch   []string
}

// Where adds filters, AND-ed with the earlier ones. Nil predicates are
// ignored.
func (c *Criteria[T]) Where(preds ...query.Predicate) *Criteria[T] {
	for _, p := range preds {
		if p != nil {
			c.preds = append(c.preds, p)
		}
	}
	return c
}

func (c *Criteria[T]) OrderBy(field string, dir types.Direction) *Criteria[T] {
	c.orders = append(c.orders, types.Order{Field: field, Direction: dir})
	return c
}

func (c *Criteria[T]) Limit(n int) *Criteria[T] {
	c.limit = n
	return c
}

func (c *Criteria[T]) Offset(n int) *Criteria[T] {
	c.offset = n
	return c
}

// Fetch loads the relationship paths, such as "Author" or "Posts.Tags",
// for every result with one secondary query per relationship.
func (c *Criteria[T]) Fetch(paths ...string) *Criteria[T] {
	for _, p := range paths {
		if p != "" && !slices.Contains(c.fetch, p) {
			c.fetch = append(c.fetch, p)
		}
	}
	return c
}

func (c *Criteria[T]) builder() *query.SelectBuilder {
	r := c.repo
	b := query.Select(r.mgr.Registry(), r.desc.Type, r.mgr.Dialect())
	for _, p := range c.preds {
		b.Where(p)
	}
	for _, o := range c.orders {
		b.OrderBy(o.Field, o.Direction)
	}
	return b.Limit(c.limit).Offset(c.offset)
}

// All runs the query and returns every match.
func (c *Criteria[T]) All(ctx context.Context) ([]*T, error) {
	s, done, err := c.repo.reader(ctx, c.session)
	if err != nil {
		return nil, err
	}
	defer done()

	q, err := c.builder().Build()
	if err != nil {
		return nil, err
	}
	rows, err := s.Load(ctx, q, c.repo.desc)
	if err != nil {
		return nil, err
	}
	if err := c.fetchRelations(ctx, s, rows); err != nil {
		return nil, err
	}

	out := make([]*T, len(rows))
	for i, v := range rows {
		out[i] = v.Interface().(*T)
	}
	return out, nil
}

// One returns the first match, or nil, nil when nothing matches.
func (c *Criteria[T]) One(ctx context.Context) (*T, error) {
	c.limit = 1
	items, err := c.All(ctx)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return items[0], nil
}

// Count returns the number of matches, ignoring order, limit and offset.
func (c *Criteria[T]) Count(ctx context.Context) (int, error) {
	s, done, err := c.repo.reader(ctx, c.session)
	if err != nil {
		return 0, err
	}
	defer done()

	q, err := c.builder().BuildCount()
	if err != nil {
		return 0, err
	}
	v, _, err := s.Scalar(ctx, q)
	if err != nil {
		return 0, err
	}
	return toInt(v)
}

// Iter returns a sequence over the matches. Every range runs the query
// again, so the sequence can be consumed more than once.
func (c *Criteria[T]) Iter(ctx context.Context) iter.Seq2[*T, error] {
	return func(yield func(*T, error) bool) {
		items, err := c.All(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
	}
}

func (c *Criteria[T]) fetchRelations(ctx context.Context, s *uow.Session, rows []reflect.Value) error {
	if len(rows) == 0 {
		return nil
	}
	paths := make([]string, 0, len(c.fetch))
	for _, rel := range c.repo.desc.Relationships {
		if rel.Fetch == metadata.FetchEager {
			paths = append(paths, rel.Name)
		}
	}
	for _, p := range c.fetch {
		if !slices.Contains(paths, p) {
			paths = append(paths, p)
		}
	}
	for _, p := range paths {
		if err := fetchPath(ctx, s, c.repo.desc, rows, p); err != nil {
			return err
		}
	}
	return nil
}
