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

	"github.com/tomoncle/orbit/metadata"
	"github.com/tomoncle/orbit/query"
	"github.com/tomoncle/orbit/types"
	"github.com/tomoncle/orbit/uow"
)

// CrudRepository defines basic read and write operations for a generic
// entity type. The session comes first after ctx; reads accept a nil session
// and writes do not.
type CrudRepository[T any] interface {
	// FindByID returns nil, nil when no row has the identifier.
	FindByID(ctx context.Context, s *uow.Session, id any) (*T, error)

	// FindAll returns a lazy sequence; each range issues the query again.
	FindAll(ctx context.Context, s *uow.Session, preds ...query.Predicate) iter.Seq2[*T, error]

	List(ctx context.Context, s *uow.Session, preds ...query.Predicate) ([]*T, error)

	// FindOne returns the first match, or nil, nil.
	FindOne(ctx context.Context, s *uow.Session, preds ...query.Predicate) (*T, error)

	Count(ctx context.Context, s *uow.Session, preds ...query.Predicate) (int, error)

	// Save schedules an insert or update and returns the managed instance.
	Save(ctx context.Context, s *uow.Session, entity *T) (*T, error)

	// Delete schedules a delete. It fails with NotFoundError when no row
	// exists.
	Delete(ctx context.Context, s *uow.Session, entity *T) error
}

// PageQueryRepository defines pagination functionality for listing entities.
type PageQueryRepository[T any] interface {
	Page(ctx context.Context, s *uow.Session, page *types.PageRequest, preds ...query.Predicate) (*types.Pagination[T], error)
}

// RelationRepository loads associations of already loaded entities.
type RelationRepository[T any] interface {
	// LoadRelation fills field on every entity with one secondary query.
	// Dotted paths load nested relationships.
	LoadRelation(ctx context.Context, s *uow.Session, entities []*T, field string) error
}

// Repository combines CRUD, pagination and relationship loading and exposes
// a criteria builder for advanced use cases.
type Repository[T any] interface {
	CrudRepository[T]
	PageQueryRepository[T]
	RelationRepository[T]
	Descriptor() *metadata.EntityDescriptor
	Query(s *uow.Session) *Criteria[T]
}
