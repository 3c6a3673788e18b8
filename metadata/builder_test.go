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

package metadata

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomoncle/orbit/types"
)

type User struct {
	BaseEntity `orbit:"table:users,alias:u"`
	ID         int64  `orbit:"id,pk,autoincrement"`
	Name       string `orbit:"name,notnull"`
}

type Category struct {
	BaseEntity
	ID          int64 `orbit:",pk"`
	DisplayName string
	ParentID    *int64
	internal    string
	Ignored     string `orbit:"-"`
}

type Author struct {
	BaseEntity
	ID    int64 `orbit:",pk,autoincrement"`
	Name  string
	Posts []*Post `orbit:",rel:one-to-many,mappedby:Author"`
}

type Post struct {
	BaseEntity
	ID       int64 `orbit:",pk,autoincrement"`
	Title    string
	AuthorID int64
	Author   *Author `orbit:",rel:many-to-one,join:author_id=id,fetch:eager"`
	Tags     []*Tag  `orbit:",rel:many-to-many,m2m:post_tags,join:post_id=tag_id"`
}

type Tag struct {
	BaseEntity
	ID    int64 `orbit:",pk"`
	Label string
	Posts []Post `orbit:",rel:many-to-many,mappedby:Tags"`
}

type Node struct {
	BaseEntity
	ID       int64 `orbit:",pk"`
	ParentID *int64
	Parent   *Node   `orbit:",rel:many-to-one,join:parent_id=id"`
	Children []*Node `orbit:",rel:one-to-many,mappedby:Parent"`
}

type Timestamps struct {
	CreatedAt int64
	UpdatedAt int64
}

type Audited struct {
	BaseEntity
	Timestamps
	ID string `orbit:",pk"`
}

func TestRegisterUser(t *testing.T) {
	b := NewBuilder()
	d, err := b.Register(&User{})
	require.NoError(t, err)

	assert.Equal(t, "User", d.Name)
	assert.Equal(t, "users", d.Table)
	assert.Equal(t, "u", d.Alias)
	require.NotNil(t, d.ID)
	assert.Equal(t, "id", d.ID.Column)
	assert.True(t, d.ID.AutoIncrement)
	assert.Equal(t, KindInt, d.ID.Kind)
	assert.Equal(t, []string{"id", "name"}, d.Columns())

	f, ok := d.Field("Name")
	require.True(t, ok)
	assert.True(t, f.NotNull)
	f2, ok := d.Field("name")
	require.True(t, ok)
	assert.Same(t, f, f2)
}

func TestRegisterDefaults(t *testing.T) {
	b := NewBuilder()
	d, err := b.Register(Category{})
	require.NoError(t, err)

	assert.Equal(t, "categories", d.Table)
	assert.Equal(t, "category", d.Alias)
	assert.Equal(t, []string{"id", "display_name", "parent_id"}, d.Columns())

	parent, _ := d.Field("ParentID")
	assert.True(t, parent.Nullable)
	assert.Equal(t, KindInt, parent.Kind)
}

func TestRegisterFlattensEmbeddedStructs(t *testing.T) {
	d, err := NewBuilder().Register(&Audited{})
	require.NoError(t, err)
	assert.Equal(t, []string{"created_at", "updated_at", "id"}, d.Columns())

	f, _ := d.Field("UpdatedAt")
	assert.Equal(t, []int{1, 1}, f.Index)
}

func TestRegisterIsIdempotent(t *testing.T) {
	b := NewBuilder()
	d1, err := b.Register(&User{})
	require.NoError(t, err)
	d2, err := b.Register(User{})
	require.NoError(t, err)
	assert.Same(t, d1, d2)

	reg, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())
}

func TestRegisterRejectsInvalidMappings(t *testing.T) {
	type twoKeys struct {
		BaseEntity
		A int64 `orbit:",pk"`
		B int64 `orbit:",pk"`
	}
	type noKey struct {
		BaseEntity
		Name string
	}
	type collision struct {
		BaseEntity
		ID    int64  `orbit:",pk"`
		Name  string `orbit:"label"`
		Label string
	}
	type badAuto struct {
		BaseEntity
		ID string `orbit:",pk,autoincrement"`
	}
	type plain struct {
		ID int64
	}
	type badTarget struct {
		BaseEntity
		ID    int64  `orbit:",pk"`
		Owner *plain `orbit:",rel:many-to-one"`
	}
	type badRel struct {
		BaseEntity
		ID     int64   `orbit:",pk"`
		Author *Author `orbit:",rel:sideways"`
	}
	type missingRel struct {
		BaseEntity
		ID     int64 `orbit:",pk"`
		Author *Author
	}
	type notSlice struct {
		BaseEntity
		ID    int64 `orbit:",pk"`
		Posts *Post `orbit:",rel:one-to-many,mappedby:Author"`
	}

	tests := []struct {
		name  string
		value any
	}{
		{"two identifiers", twoKeys{}},
		{"no identifier", noKey{}},
		{"column collision", collision{}},
		{"autoincrement string", badAuto{}},
		{"target without marker", badTarget{}},
		{"malformed rel", badRel{}},
		{"entity field without rel", missingRel{}},
		{"to-many not a slice", notSlice{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder()
			_, err := b.Register(tt.value)
			var mappingErr *types.InvalidMappingError
			require.Error(t, err)
			assert.True(t, errors.As(err, &mappingErr), "got %T: %v", err, err)
			assert.Empty(t, b.entities, "failed registration must not leave partial descriptors")
		})
	}
}

func TestRegisterUnmappedType(t *testing.T) {
	type plain struct{ ID int64 }

	_, err := NewBuilder().Register(plain{})
	var unmapped *types.UnmappedTypeError
	require.ErrorAs(t, err, &unmapped)

	_, err = NewBuilder().Register(42)
	require.ErrorAs(t, err, &unmapped)

	reg, err := NewBuilder().Build()
	require.NoError(t, err)
	_, err = reg.DescribeValue(&User{})
	require.ErrorAs(t, err, &unmapped)
}

func TestBuildResolvesCyclesAndJoins(t *testing.T) {
	b := NewBuilder()
	_, err := b.Register(&Post{})
	require.NoError(t, err)

	reg, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, 3, reg.Len(), "Post pulls in Author and Tag")

	post, err := DescribeOf[Post](reg)
	require.NoError(t, err)
	author, err := DescribeOf[Author](reg)
	require.NoError(t, err)
	tag, err := DescribeOf[Tag](reg)
	require.NoError(t, err)

	toAuthor, ok := post.Relationship("Author")
	require.True(t, ok)
	assert.Same(t, author, reg.Target(toAuthor))
	assert.Equal(t, JoinForeignKey, toAuthor.Join)
	assert.True(t, toAuthor.Owning)
	assert.Equal(t, FetchEager, toAuthor.Fetch)
	assert.Equal(t, "author_id", toAuthor.LocalColumn)
	assert.Equal(t, "id", toAuthor.TargetColumn)

	posts, ok := author.Relationship("Posts")
	require.True(t, ok)
	assert.Same(t, post, reg.Target(posts))
	assert.False(t, posts.Owning)
	assert.Equal(t, JoinInverse, posts.Join)
	assert.Equal(t, "id", posts.LocalColumn)
	assert.Equal(t, "author_id", posts.TargetColumn)

	tags, _ := post.Relationship("Tags")
	assert.Equal(t, JoinTable, tags.Join)
	assert.Equal(t, "post_tags", tags.JoinTableName)
	assert.Equal(t, "post_id", tags.JoinLocal)
	assert.Equal(t, "tag_id", tags.JoinTarget)

	back, _ := tag.Relationship("Posts")
	assert.False(t, back.Owning)
	assert.False(t, back.ElemIsPtr())
	assert.Equal(t, "post_tags", back.JoinTableName)
	assert.Equal(t, "tag_id", back.JoinLocal)
	assert.Equal(t, "post_id", back.JoinTarget)
}

func TestBuildSelfReference(t *testing.T) {
	b := NewBuilder()
	_, err := b.Register(&Node{})
	require.NoError(t, err)
	reg, err := b.Build()
	require.NoError(t, err)

	node, _ := DescribeOf[Node](reg)
	parent, _ := node.Relationship("Parent")
	children, _ := node.Relationship("Children")
	assert.Equal(t, node.Key(), parent.Target)
	assert.Equal(t, node.Key(), children.Target)
	assert.Equal(t, "parent_id", children.TargetColumn)
}

type Husband struct {
	BaseEntity
	ID     int64 `orbit:",pk"`
	WifeID int64
	Wife   *Wife `orbit:",rel:many-to-one,join:wife_id=id"`
}

type Wife struct {
	BaseEntity
	ID      int64    `orbit:",pk"`
	Husband *Husband `orbit:",rel:one-to-one,mappedby:Wife"`
}

type Left struct {
	BaseEntity
	ID    int64  `orbit:",pk"`
	Right *Right `orbit:",rel:one-to-one,mappedby:Left"`
}

type Right struct {
	BaseEntity
	ID   int64 `orbit:",pk"`
	Left *Left `orbit:",rel:one-to-one,mappedby:Right"`
}

func TestBuildRejectsInconsistentBidirectional(t *testing.T) {
	tests := []struct {
		name  string
		value any
	}{
		{"cardinality not mirrored", &Wife{}},
		{"no owning side", &Left{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder()
			_, err := b.Register(tt.value)
			require.NoError(t, err)
			_, err = b.Build()
			var mappingErr *types.InvalidMappingError
			require.ErrorAs(t, err, &mappingErr)
		})
	}
}

var randomFieldTypes = []reflect.Type{
	reflect.TypeOf(int64(0)),
	reflect.TypeOf(int32(0)),
	reflect.TypeOf(""),
	reflect.TypeOf(false),
	reflect.TypeOf(0.0),
	reflect.TypeOf([]byte(nil)),
	reflect.TypeOf((*string)(nil)),
}

func TestRegisterRandomFieldSets(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		n := 1 + rng.Intn(12)
		pk := rng.Intn(n)
		fields := []reflect.StructField{{
			Name:      "BaseEntity",
			Type:      baseEntityType,
			Tag:       reflect.StructTag(fmt.Sprintf(`orbit:"table:random_%d"`, i)),
			Anonymous: true,
		}}
		for j := 0; j < n; j++ {
			f := reflect.StructField{
				Name: fmt.Sprintf("Field%d", j),
				Type: randomFieldTypes[rng.Intn(len(randomFieldTypes))],
			}
			if j == pk {
				f.Type = reflect.TypeOf(int64(0))
				f.Tag = `orbit:",pk"`
			}
			fields = append(fields, f)
		}
		typ := reflect.StructOf(fields)

		d, err := NewBuilder().Register(typ)
		require.NoError(t, err)
		require.NotNil(t, d.ID)
		assert.Equal(t, fmt.Sprintf("field%d", pk), d.ID.Column)
		assert.Len(t, d.Fields, n)

		seen := map[string]bool{}
		ids := 0
		for _, f := range d.Fields {
			assert.False(t, seen[f.Column], "duplicate column %s", f.Column)
			seen[f.Column] = true
			if f.PK {
				ids++
			}
		}
		assert.Equal(t, 1, ids)
	}
}

func TestDefaultBuilder(t *testing.T) {
	d, err := RegisterEntity(&Category{})
	require.NoError(t, err)
	again, err := DefaultBuilder().Register(Category{})
	require.NoError(t, err)
	assert.Same(t, d, again)
}
