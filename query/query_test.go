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
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomoncle/orbit/engine"
	"github.com/tomoncle/orbit/metadata"
	"github.com/tomoncle/orbit/types"
)

type User struct {
	metadata.BaseEntity `orbit:"table:users,alias:u"`
	ID                  int64  `orbit:"id,pk,autoincrement"`
	Name                string `orbit:"name"`
}

type Author struct {
	metadata.BaseEntity
	ID    int64 `orbit:",pk,autoincrement"`
	Name  string
	Posts []*Post `orbit:",rel:one-to-many,mappedby:Author"`
}

type Post struct {
	metadata.BaseEntity
	ID       int64 `orbit:",pk,autoincrement"`
	Title    string
	Score    float64
	AuthorID int64
	Author   *Author `orbit:",rel:many-to-one,join:author_id=id"`
	Tags     []*Tag  `orbit:",rel:many-to-many,m2m:post_tags,join:post_id=tag_id"`
}

type Tag struct {
	metadata.BaseEntity
	ID    int64 `orbit:",pk"`
	Label string
}

var (
	pg     = engine.Dialect{Name: "pg", IdentQuote: '"', Returning: true}
	mysql  = engine.Dialect{Name: "mysql", IdentQuote: '`'}
	sqlite = engine.Dialect{Name: "sqlite", IdentQuote: '"', Returning: true}
)

func newRegistry(t *testing.T) *metadata.Registry {
	t.Helper()
	b := metadata.NewBuilder()
	for _, e := range []any{&User{}, &Post{}} {
		_, err := b.Register(e)
		require.NoError(t, err)
	}
	reg, err := b.Build()
	require.NoError(t, err)
	return reg
}

func TestSelectTranslatesPredicates(t *testing.T) {
	reg := newRegistry(t)
	const base = `SELECT "u"."id", "u"."name" FROM "users" AS "u"`

	tests := []struct {
		name  string
		where []Predicate
		sql   string
		args  []any
	}{
		{
			name: "no filter",
			sql:  base,
		},
		{
			name:  "equality",
			where: []Predicate{Eq("name", "Ana")},
			sql:   base + ` WHERE "u"."name" = ?`,
			args:  []any{"Ana"},
		},
		{
			name:  "go field name",
			where: []Predicate{Ne("Name", "Bob")},
			sql:   base + ` WHERE "u"."name" <> ?`,
			args:  []any{"Bob"},
		},
		{
			name:  "nesting is preserved",
			where: []Predicate{Or(Eq("Name", "a"), And(Gt("ID", 1), Not(IsNull("name"))))},
			sql:   base + ` WHERE ("u"."name" = ? OR ("u"."id" > ? AND NOT ("u"."name" IS NULL)))`,
			args:  []any{"a", 1},
		},
		{
			name:  "successive where calls are AND-ed in order",
			where: []Predicate{Ge("ID", 2), Or(Like("name", "A%"), IsNotNull("name"))},
			sql:   base + ` WHERE "u"."id" >= ? AND ("u"."name" LIKE ? OR "u"."name" IS NOT NULL)`,
			args:  []any{2, "A%"},
		},
		{
			name:  "in expands placeholders",
			where: []Predicate{In("id", []int64{1, 2, 3})},
			sql:   base + ` WHERE "u"."id" IN (?, ?, ?)`,
			args:  []any{int64(1), int64(2), int64(3)},
		},
		{
			name:  "empty in matches nothing",
			where: []Predicate{In("id", []int{})},
			sql:   base + ` WHERE (1 = 0)`,
		},
		{
			name:  "empty and or",
			where: []Predicate{And(), Or()},
			sql:   base + ` WHERE (1 = 1) AND (1 = 0)`,
		},
		{
			name:  "le lt",
			where: []Predicate{And(Le("id", 9), Lt("id", 10))},
			sql:   base + ` WHERE ("u"."id" <= ? AND "u"."id" < ?)`,
			args:  []any{9, 10},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := SelectOf[User](reg, pg)
			for _, p := range tt.where {
				sb.Where(p)
			}
			q, err := sb.Build()
			require.NoError(t, err)
			assert.Equal(t, tt.sql, q.SQL)
			assert.Equal(t, tt.args, q.Args)
		})
	}
}

func TestSelectJoinsRelationshipPaths(t *testing.T) {
	reg := newRegistry(t)

	q, err := SelectOf[Post](reg, pg).
		Where(Eq("Author.Name", "Ana")).
		Where(Eq("Tags.Label", "go")).
		Where(Like("Author.Name", "A%")).
		OrderBy("Author.Name", types.Desc).
		Build()
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT DISTINCT "post"."id", "post"."title", "post"."score", "post"."author_id" FROM "posts" AS "post"`+
			` LEFT JOIN "authors" AS "author" ON "author"."id" = "post"."author_id"`+
			` LEFT JOIN "post_tags" AS "tags__link" ON "tags__link"."post_id" = "post"."id"`+
			` LEFT JOIN "tags" AS "tags" ON "tags"."id" = "tags__link"."tag_id"`+
			` WHERE "author"."name" = ? AND "tags"."label" = ? AND "author"."name" LIKE ?`+
			` ORDER BY "author"."name" DESC`,
		q.SQL)
	assert.Equal(t, []any{"Ana", "go", "A%"}, q.Args)
}

func TestSelectInverseJoin(t *testing.T) {
	reg := newRegistry(t)

	q, err := SelectOf[Author](reg, pg).Where(Gt("Posts.Score", 3)).Build()
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT DISTINCT "author"."id", "author"."name" FROM "authors" AS "author"`+
			` LEFT JOIN "posts" AS "posts" ON "posts"."author_id" = "author"."id"`+
			` WHERE "posts"."score" > ?`,
		q.SQL)
}

func TestSelectRejectsBadReferences(t *testing.T) {
	reg := newRegistry(t)

	tests := []struct {
		name string
		p    Predicate
		want any
	}{
		{"unknown field", Eq("email", "x"), &types.UnknownFieldError{}},
		{"unknown relationship", Eq("Editor.Name", "x"), &types.UnknownFieldError{}},
		{"unknown field behind relationship", Eq("Author.Email", "x"), &types.UnknownFieldError{}},
		{"relationship is not a column", Eq("Author", "x"), &types.UnknownFieldError{}},
		{"string field with int", Eq("Title", 5), &types.TypeMismatchError{}},
		{"nil literal", Eq("Title", nil), &types.TypeMismatchError{}},
		{"like on float", Like("Score", "1%"), &types.TypeMismatchError{}},
		{"in needs a slice", In("ID", 5), &types.TypeMismatchError{}},
		{"in element kind", In("ID", []string{"a"}), &types.TypeMismatchError{}},
		{"int field with float", Eq("ID", 1.5), &types.TypeMismatchError{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SelectOf[Post](reg, pg).Where(tt.p).Build()
			require.Error(t, err)
			switch tt.want.(type) {
			case *types.UnknownFieldError:
				var target *types.UnknownFieldError
				assert.ErrorAs(t, err, &target)
			case *types.TypeMismatchError:
				var target *types.TypeMismatchError
				assert.ErrorAs(t, err, &target)
			}
		})
	}
}

func TestSelectWidensIntegerLiteralsForFloatFields(t *testing.T) {
	reg := newRegistry(t)
	q, err := SelectOf[Post](reg, pg).Where(Ge("Score", 4)).Build()
	require.NoError(t, err)
	assert.Contains(t, q.SQL, `WHERE "post"."score" >= ?`)
}

func TestSelectUnmappedType(t *testing.T) {
	reg := newRegistry(t)
	_, err := Select(reg, reflect.TypeOf(Tag{}), pg).Build()
	require.NoError(t, err, "Tag is reachable from Post")

	_, err = Select(reg, reflect.TypeOf(struct{ ID int }{}), pg).Build()
	var unmapped *types.UnmappedTypeError
	assert.ErrorAs(t, err, &unmapped)
}

func TestSelectLimitOffset(t *testing.T) {
	reg := newRegistry(t)

	q, err := SelectOf[User](reg, pg).OrderBy("id", types.Asc).Limit(10).Offset(20).Build()
	require.NoError(t, err)
	assert.Equal(t, `SELECT "u"."id", "u"."name" FROM "users" AS "u" ORDER BY "u"."id" ASC LIMIT 10 OFFSET 20`, q.SQL)

	q, err = SelectOf[User](reg, sqlite).Offset(5).Build()
	require.NoError(t, err)
	assert.Equal(t, `SELECT "u"."id", "u"."name" FROM "users" AS "u" LIMIT -1 OFFSET 5`, q.SQL)

	q, err = SelectOf[User](reg, mysql).Distinct().Offset(5).Build()
	require.NoError(t, err)
	assert.Equal(t, "SELECT DISTINCT `u`.`id`, `u`.`name` FROM `users` AS `u` LIMIT 18446744073709551615 OFFSET 5", q.SQL)
}

func TestBuildCount(t *testing.T) {
	reg := newRegistry(t)

	q, err := SelectOf[User](reg, pg).Where(Eq("name", "Ana")).Limit(3).BuildCount()
	require.NoError(t, err)
	assert.Equal(t, `SELECT COUNT(*) FROM "users" AS "u" WHERE "u"."name" = ?`, q.SQL)

	q, err = SelectOf[Author](reg, pg).Where(Eq("Posts.Title", "x")).BuildCount()
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT COUNT(DISTINCT "author"."id") FROM "authors" AS "author" LEFT JOIN "posts" AS "posts" ON "posts"."author_id" = "author"."id" WHERE "posts"."title" = ?`,
		q.SQL)
}

func TestBuildMutations(t *testing.T) {
	reg := newRegistry(t)
	desc, err := metadata.DescribeOf[User](reg)
	require.NoError(t, err)

	u := &User{Name: "Ana"}
	m, err := BuildInsert(desc, pg, reflect.ValueOf(u))
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "users" ("name") VALUES (?) RETURNING "id"`, m.SQL)
	assert.Equal(t, []any{"Ana"}, m.Args)
	assert.True(t, m.UseReturning)
	assert.Equal(t, "id", m.Returning)

	m, err = BuildInsert(desc, mysql, reflect.ValueOf(u))
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO `users` (`name`) VALUES (?)", m.SQL)
	assert.False(t, m.UseReturning)
	assert.Equal(t, "id", m.Returning)

	u.ID = 7
	m, err = BuildInsert(desc, pg, reflect.ValueOf(u))
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "users" ("id", "name") VALUES (?, ?)`, m.SQL)
	assert.Empty(t, m.Returning)

	m, err = BuildUpdate(desc, pg, reflect.ValueOf(u))
	require.NoError(t, err)
	assert.Equal(t, engine.Update, m.Kind)
	assert.Equal(t, `UPDATE "users" SET "name" = ? WHERE "id" = ?`, m.SQL)
	assert.Equal(t, []any{"Ana", int64(7)}, m.Args)

	m, err = BuildDelete(desc, pg, reflect.ValueOf(u))
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "users" WHERE "id" = ?`, m.SQL)
	assert.Equal(t, []any{int64(7)}, m.Args)

	e := BuildExists(desc, mysql, int64(7))
	assert.Equal(t, "SELECT 1 FROM `users` WHERE `id` = ? LIMIT 1", e.SQL)
}

func TestBuildRelated(t *testing.T) {
	reg := newRegistry(t)
	post, _ := metadata.DescribeOf[Post](reg)
	author, _ := metadata.DescribeOf[Author](reg)

	toAuthor, _ := post.Relationship("Author")
	q, err := BuildRelated(reg, pg, toAuthor, []any{int64(1), int64(2)})
	require.NoError(t, err)
	assert.Equal(t, `SELECT "author"."id", "author"."name" FROM "authors" AS "author" WHERE "author"."id" IN (?, ?)`, q.SQL)

	posts, _ := author.Relationship("Posts")
	q, err = BuildRelated(reg, pg, posts, []any{int64(1)})
	require.NoError(t, err)
	assert.Contains(t, q.SQL, `WHERE "post"."author_id" IN (?)`)

	tags, _ := post.Relationship("Tags")
	q, err = BuildRelated(reg, pg, tags, []any{int64(1)})
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT "tag__link"."post_id" AS "orbit_owner_key", "tag"."id", "tag"."label" FROM "tags" AS "tag"`+
			` JOIN "post_tags" AS "tag__link" ON "tag__link"."tag_id" = "tag"."id" WHERE "tag__link"."post_id" IN (?)`,
		q.SQL)

	_, err = BuildRelated(reg, pg, tags, nil)
	assert.Error(t, err)

	link, err := BuildLink(tags, pg, int64(1), int64(2))
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "post_tags" ("post_id", "tag_id") VALUES (?, ?)`, link.SQL)
	_, err = BuildLink(toAuthor, pg, 1, 2)
	assert.Error(t, err)
}

func TestPredicateString(t *testing.T) {
	p := And(Eq("Name", "a"), Not(IsNull("ID")))
	assert.Equal(t, "(Name = a AND NOT (ID IS NULL))", p.String())
}
