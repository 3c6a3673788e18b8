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

package orbit

import (
	"context"
	"errors"
	"sync"

	"github.com/tomoncle/orbit/query"
	"github.com/tomoncle/orbit/repository"
	"github.com/tomoncle/orbit/types"
	"github.com/tomoncle/orbit/uow"
)

// Service is an auto-committing facade over a repository. Every write runs
// in its own transactional scope; use a Session for multi-entity units of
// work.
type Service[T any] interface {
	// Get returns a single entity by its identifier, nil if absent.
	Get(ctx context.Context, id any) (*T, error)

	// All returns all entities.
	All(ctx context.Context) ([]*T, error)

	// List returns entities that match every predicate.
	List(ctx context.Context, preds ...query.Predicate) ([]*T, error)

	// Count returns the number of entities that match every predicate.
	Count(ctx context.Context, preds ...query.Predicate) (int, error)

	// Page returns a paginated list of entities.
	Page(ctx context.Context, page *types.PageRequest, preds ...query.Predicate) (*types.Pagination[T], error)

	// Save inserts or merges each entity and commits.
	Save(ctx context.Context, model ...*T) error

	// Delete removes each entity and commits.
	Delete(ctx context.Context, model ...*T) error

	// Repository returns the underlying repository.
	Repository() (repository.Repository[T], error)
}

type baseServiceImpl[T any] struct {
	orbit *Orbit
	repo  repository.Repository[T]
	err   error
	once  sync.Once
}

// NewService returns a default Service implementation. A nil o resolves
// the default instance on first use.
func NewService[T any](o *Orbit) Service[T] {
	return &baseServiceImpl[T]{orbit: o}
}

func (s *baseServiceImpl[T]) baseRepo() (repository.Repository[T], error) {
	s.once.Do(func() {
		o := s.orbit
		if o == nil {
			o = Default()
		}
		if o == nil {
			s.err = errors.New("orbit is not initialized")
			return
		}
		s.orbit = o
		s.repo, s.err = RepositoryOf[T](o)
	})
	return s.repo, s.err
}

func (s *baseServiceImpl[T]) Repository() (repository.Repository[T], error) {
	return s.baseRepo()
}

func (s *baseServiceImpl[T]) Get(ctx context.Context, id any) (*T, error) {
	repo, err := s.baseRepo()
	if err != nil {
		return nil, err
	}
	return repo.FindByID(ctx, nil, id)
}

func (s *baseServiceImpl[T]) All(ctx context.Context) ([]*T, error) {
	return s.List(ctx)
}

func (s *baseServiceImpl[T]) List(ctx context.Context, preds ...query.Predicate) ([]*T, error) {
	repo, err := s.baseRepo()
	if err != nil {
		return nil, err
	}
	return repo.List(ctx, nil, preds...)
}

func (s *baseServiceImpl[T]) Count(ctx context.Context, preds ...query.Predicate) (int, error) {
	repo, err := s.baseRepo()
	if err != nil {
		return 0, err
	}
	return repo.Count(ctx, nil, preds...)
}

func (s *baseServiceImpl[T]) Page(ctx context.Context, page *types.PageRequest, preds ...query.Predicate) (*types.Pagination[T], error) {
	repo, err := s.baseRepo()
	if err != nil {
		return nil, err
	}
	return repo.Page(ctx, nil, page, preds...)
}

func (s *baseServiceImpl[T]) Save(ctx context.Context, model ...*T) error {
	repo, err := s.baseRepo()
	if err != nil {
		return err
	}
	return s.orbit.Transactional(ctx, func(ctx context.Context, session *uow.Session) error {
		for _, m := range model {
			if _, err := repo.Save(ctx, session, m); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *baseServiceImpl[T]) Delete(ctx context.Context, model ...*T) error {
	repo, err := s.baseRepo()
	if err != nil {
		return err
	}
	return s.orbit.Transactional(ctx, func(ctx context.Context, session *uow.Session) error {
		for _, m := range model {
			if err := repo.Delete(ctx, session, m); err != nil {
				return err
			}
		}
		return nil
	})
}
