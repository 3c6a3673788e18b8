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

package types

import "strings"

// Direction is the sort direction of an ordering term.
type Direction int

const (
	Asc Direction = iota
	Desc
)

func (d Direction) String() string {
	if d == Desc {
		return "DESC"
	}
	return "ASC"
}

// Order is a single ordering term. Field is an entity field name or a dotted
// relationship path.
type Order struct {
	Field     string
	Direction Direction
}

// ParseOrder accepts "Name", "Name ASC" or "Name DESC".
func ParseOrder(s string) Order {
	parts := strings.Fields(s)
	if len(parts) == 0 {
		return Order{}
	}
	o := Order{Field: parts[0]}
	if len(parts) > 1 && strings.EqualFold(parts[1], "desc") {
		o.Direction = Desc
	}
	return o
}

// PageRequest describes pagination and ordering.
type PageRequest struct {
	page     int
	pageSize int
	orders   []Order
}

func (p *PageRequest) GetPageSize() int {
	if p.pageSize < 1 {
		p.pageSize = 10
	}
	return p.pageSize
}

func (p *PageRequest) GetPage() int {
	if p.page < 1 {
		p.page = 1
	}
	return p.page
}

func (p *PageRequest) GetOffset() int {
	return (p.GetPage() - 1) * p.GetPageSize()
}

func (p *PageRequest) GetOrders() []Order {
	return p.orders
}

// NewPageRequest constructs a PageRequest with order settings such as
// "Name DESC".
func NewPageRequest(page int, pageSize int, orders ...string) *PageRequest {
	parsed := make([]Order, 0, len(orders))
	for _, o := range orders {
		if po := ParseOrder(o); po.Field != "" {
			parsed = append(parsed, po)
		}
	}
	return &PageRequest{page: page, pageSize: pageSize, orders: parsed}
}

// Pagination holds paged result items along with pagination metadata.
type Pagination[T any] struct {
	Page     int
	PageSize int
	Total    int
	Items    []*T
}

// TotalPages returns the number of pages needed for Total items.
func (p *Pagination[T]) TotalPages() int {
	if p.PageSize < 1 || p.Total == 0 {
		return 0
	}
	return (p.Total + p.PageSize - 1) / p.PageSize
}

// NewDefaultPagination constructs an empty pagination container.
func NewDefaultPagination[T any](page int, pageSize int) *Pagination[T] {
	return &Pagination[T]{page, pageSize, 0, make([]*T, 0)}
}
