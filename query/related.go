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
	"strings"

	"github.com/tomoncle/orbit/engine"
	"github.com/tomoncle/orbit/metadata"
)

// OwnerKeyColumn names the extra column of a join table fetch that carries
// the owner side key of each row.
const OwnerKeyColumn = "orbit_owner_key"

// BuildRelated renders the secondary query that loads rel for a batch of
// owners. keys are the owners' values of rel.LocalColumn. Targets are
// matched back to owners by rel.TargetColumn, or by OwnerKeyColumn for
// join table relationships.
func BuildRelated(reg *metadata.Registry, dialect engine.Dialect, rel *metadata.RelationshipDescriptor, keys []any) (engine.NativeQuery, error) {
	if len(keys) == 0 {
		return engine.NativeQuery{}, fmt.Errorf("query: no keys to load %s", rel.Name)
	}
	target := reg.Target(rel)
	q := dialect.Quote
	alias := target.Alias

	cols := make([]string, 0, len(target.Fields)+1)
	for _, f := range target.Fields {
		cols = append(cols, q(alias)+"."+q(f.Column))
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(keys)), ", ")
	args := append([]any(nil), keys...)

	switch rel.Join {
	case metadata.JoinForeignKey, metadata.JoinInverse:
		return engine.NativeQuery{
			SQL: fmt.Sprintf("SELECT %s FROM %s AS %s WHERE %s.%s IN (%s)",
				strings.Join(cols, ", "), q(target.Table), q(alias), q(alias), q(rel.TargetColumn), marks),
			Args: args,
		}, nil
	case metadata.JoinTable:
		link := alias + "__link"
		cols = append([]string{q(link) + "." + q(rel.JoinLocal) + " AS " + q(OwnerKeyColumn)}, cols...)
		return engine.NativeQuery{
			SQL: fmt.Sprintf("SELECT %s FROM %s AS %s JOIN %s AS %s ON %s.%s = %s.%s WHERE %s.%s IN (%s)",
				strings.Join(cols, ", "),
				q(target.Table), q(alias),
				q(rel.JoinTableName), q(link),
				q(link), q(rel.JoinTarget), q(alias), q(rel.TargetColumn),
				q(link), q(rel.JoinLocal), marks),
			Args: args,
		}, nil
	default:
		return engine.NativeQuery{}, fmt.Errorf("query: unsupported join %s", rel.Join)
	}
}
