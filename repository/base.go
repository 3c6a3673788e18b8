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
	"errors"
	"fmt"
	"iter"
	"reflect"
	"strconv"

	"github.com/tomoncle/orbit/metadata"
	"github.com/tomoncle/orbit/query"
	"github.com/tomoncle/orbit/types"
	"github.com/tomoncle/orbit/uow"
)

type baseRepositoryImpl[T any] struct {
	mgr  *uow.Manager
	desc *metadata.EntityDescriptor
}

// NewRepository returns a generic repository for T over the sessions of
// mgr. T must be registered in the manager's registry.
func NewRepository[T any](mgr *uow.Manager) (Repository[T], error) {
	desc, err := metadata.DescribeOf[T](mgr.Registry())
	if err != nil {
		return nil, err
	}
	return &baseRepositoryImpl[T]{mgr: mgr, desc: desc}, nil
}

// MustNewRepository is NewRepository that panics on an unmapped type.
func MustNewRepository[T any](mgr *uow.Manager) Repository[T] {
	r, err := NewRepository[T](mgr)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *baseRepositoryImpl[T]) Descriptor() *metadata.EntityDescriptor { return r.desc }

func (r *baseRepositoryImpl[T]) Query(s *uow.Session) *Criteria[T] {
	return &Criteria[T]{repo: r, session: s, limit: -1}
}

// reader returns the session to read with: s, the ambient session of ctx,
// or a short-lived session closed by done.
func (r *baseRepositoryImpl[T]) reader(ctx context.Context, s *uow.Session) (*uow.Session, func(), error) {
	if s != nil {
		return s, func() {}, nil
	}
	if ambient, ok := uow.FromContext(ctx); ok {
		return ambient, func() {}, nil
	}
	tmp, err := r.mgr.Open(ctx)
	if err != nil {
		return nil, nil, err
	}
	return tmp, func() { _ = tmp.Close() }, nil
}

func (r *baseRepositoryImpl[T]) writer(ctx context.Context, s *uow.Session) (*uow.Session, error) {
	if s != nil {
		return s, nil
	}
	if ambient, ok := uow.FromContext(ctx); ok {
		return ambient, nil
	}
	return nil, types.ErrNoSession
}

func (r *baseRepositoryImpl[T]) FindByID(ctx context.Context, s *uow.Session, id any) (*T, error) {
	if id == nil {
		return nil, fmt.Errorf("find %s: nil identifier", r.desc.Name)
	}
	if s != nil {
		managed, ok, err := s.Lookup(r.desc, id)
		if err != nil {
			return nil, err
		}
		if ok {
			return managed.(*T), nil
		}
	}
	return r.Query(s).Where(query.Eq(r.desc.ID.Name, id)).One(ctx)
}

func (r *baseRepositoryImpl[T]) FindAll(ctx context.Context, s *uow.Session, preds ...query.Predicate) iter.Seq2[*T, error] {
	return r.Query(s).Where(preds...).Iter(ctx)
}

func (r *baseRepositoryImpl[T]) List(ctx context.Context, s *uow.Session, preds ...query.Predicate) ([]*T, error) {
	return r.Query(s).Where(preds...).All(ctx)
}

func (r *baseRepositoryImpl[T]) FindOne(ctx context.Context, s *uow.Session, preds ...query.Predicate) (*T, error) {
	return r.Query(s).Where(preds...).One(ctx)
}

func (r *baseRepositoryImpl[T]) Count(ctx context.Context, s *uow.Session, preds ...query.Predicate) (int, error) {
	return r.Query(s).Where(preds...).Count(ctx)
}

func (r *baseRepositoryImpl[T]) Page(ctx context.Context, s *uow.Session, pageRequest *types.PageRequest, preds ...query.Predicate) (*types.Pagination[T], error) {
	if pageRequest == nil {
		pageRequest = types.NewPageRequest(1, 10)
	}
	c := r.Query(s).Where(preds...)
	pagination := types.NewDefaultPagination[T](pageRequest.GetPage(), pageRequest.GetPageSize())
	total, err := c.Count(ctx)
	if err != nil || total == 0 {
		return pagination, err
	}
	for _, o := range pageRequest.GetOrders() {
		c.OrderBy(o.Field, o.Direction)
	}
	items, err := c.Offset(pageRequest.GetOffset()).Limit(pageRequest.GetPageSize()).All(ctx)
	if err != nil {
		return nil, err
	}
	pagination.Total = total
	pagination.Items = items
	return pagination, nil
}

// Save inserts an untracked entity without identifier and updates a
// tracked one. An untracked entity with an identifier is merged: copied
// onto the managed instance if the session has one, otherwise updated when
// its row exists and inserted when it does not.
func (r *baseRepositoryImpl[T]) Save(ctx context.Context, s *uow.Session, entity *T) (*T, error) {
	if entity == nil {
		return nil, fmt.Errorf("save %s: nil entity", r.desc.Name)
	}
	s, err := r.writer(ctx, s)
	if err != nil {
		return nil, err
	}
	tracked, err := s.IsTracked(entity)
	if err != nil {
		return nil, err
	}
	if tracked {
		return entity, s.MarkDirty(entity)
	}
	v := reflect.ValueOf(entity)
	if !r.desc.HasIdentifier(v) {
		return entity, s.Persist(entity)
	}

	id, err := r.desc.IdentifierOf(v)
	if err != nil {
		return nil, err
	}
	managed, ok, err := s.Lookup(r.desc, id)
	if err != nil {
		return nil, err
	}
	if ok {
		m := managed.(*T)
		*m = *entity
		return m, s.MarkDirty(m)
	}
	exists, err := r.exists(ctx, s, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return entity, s.Persist(entity)
	}
	if err := s.Track(entity); err != nil {
		return nil, err
	}
	return entity, s.MarkDirty(entity)
}

func (r *baseRepositoryImpl[T]) Delete(ctx context.Context, s *uow.Session, entity *T) error {
	if entity == nil {
		return fmt.Errorf("delete %s: nil entity", r.desc.Name)
	}
	s, err := r.writer(ctx, s)
	if err != nil {
		return err
	}
	tracked, err := s.IsTracked(entity)
	if err != nil {
		return err
	}
	if tracked {
		return s.Remove(entity)
	}
	v := reflect.ValueOf(entity)
	id, err := r.desc.IdentifierOf(v)
	if err != nil {
		return err
	}
	if !r.desc.HasIdentifier(v) {
		return &types.NotFoundError{Entity: r.desc.Name, ID: id}
	}
	managed, ok, err := s.Lookup(r.desc, id)
	if err != nil {
		return err
	}
	if ok {
		return s.Remove(managed)
	}
	exists, err := r.exists(ctx, s, id)
	if err != nil {
		return err
	}
	if !exists {
		return &types.NotFoundError{Entity: r.desc.Name, ID: id}
	}
	if err := s.Track(entity); err != nil {
		return err
	}
	return s.Remove(entity)
}

func (r *baseRepositoryImpl[T]) LoadRelation(ctx context.Context, s *uow.Session, entities []*T, field string) error {
	if len(entities) == 0 {
		return nil
	}
	s, done, err := r.reader(ctx, s)
	if err != nil {
		return err
	}
	defer done()

	owners := make([]reflect.Value, 0, len(entities))
	for _, e := range entities {
		if e != nil {
			owners = append(owners, reflect.ValueOf(e))
		}
	}
	return fetchPath(ctx, s, r.desc, owners, field)
}

func (r *baseRepositoryImpl[T]) exists(ctx context.Context, s *uow.Session, id any) (bool, error) {
	_, ok, err := s.Scalar(ctx, query.BuildExists(r.desc, r.mgr.Dialect(), id))
	return ok, err
}

// toInt converts a COUNT result, which drivers report as int64, []byte or
// string.
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		return int(n), nil
	case []byte:
		return strconv.Atoi(string(n))
	case string:
		return strconv.Atoi(n)
	case nil:
		return 0, errors.New("count returned NULL")
	default:
		return 0, fmt.Errorf("unexpected count value %T", v)
	}
}
