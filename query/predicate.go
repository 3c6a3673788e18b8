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

import "fmt"

// Predicate is a filter over entity fields. The set of predicates is
// closed: Comparison, NullCheck, Conjunction, Disjunction and Negation.
// Predicates are immutable and may be shared between queries.
type Predicate interface {
	fmt.Stringer
	predicate()
}

// Op is a comparison operator.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpLike
	OpIn
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "="
	case OpNe:
		return "<>"
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	case OpLike:
		return "LIKE"
	case OpIn:
		return "IN"
	default:
		return "?"
	}
}

// Comparison compares a field with a literal. Field is a Go field name, a
// column name, or a dotted path through relationships such as "Author.Name".
type Comparison struct {
	Field string
	Op    Op
	Value any
}

// NullCheck tests a field for NULL, or for NOT NULL when Negated is set.
type NullCheck struct {
	Field   string
	Negated bool
}

// Conjunction holds when all terms hold. An empty conjunction is true.
type Conjunction struct {
	terms []Predicate
}

// Disjunction holds when any term holds. An empty disjunction is false.
type Disjunction struct {
	terms []Predicate
}

// Negation inverts its term.
type Negation struct {
	Term Predicate
}

func (Comparison) predicate()  {}
func (NullCheck) predicate()   {}
func (Conjunction) predicate() {}
func (Disjunction) predicate() {}
func (Negation) predicate()    {}

// Terms returns a copy of the conjunction's terms.
func (c Conjunction) Terms() []Predicate { return append([]Predicate(nil), c.terms...) }

// Terms returns a copy of the disjunction's terms.
func (d Disjunction) Terms() []Predicate { return append([]Predicate(nil), d.terms...) }

func (c Comparison) String() string { return fmt.Sprintf("%s %s %v", c.Field, c.Op, c.Value) }

func (n NullCheck) String() string {
	if n.Negated {
		return n.Field + " IS NOT NULL"
	}
	return n.Field + " IS NULL"
}

func (c Conjunction) String() string { return joinStrings(c.terms, " AND ") }

func (d Disjunction) String() string { return joinStrings(d.terms, " OR ") }

func (n Negation) String() string { return fmt.Sprintf("NOT (%v)", n.Term) }

func joinStrings(terms []Predicate, sep string) string {
	s := "("
	for i, t := range terms {
		if i > 0 {
			s += sep
		}
		s += t.String()
	}
	return s + ")"
}

func Eq(field string, value any) Predicate { return Comparison{Field: field, Op: OpEq, Value: value} }

func Ne(field string, value any) Predicate { return Comparison{Field: field, Op: OpNe, Value: value} }

func Lt(field string, value any) Predicate { return Comparison{Field: field, Op: OpLt, Value: value} }

func Le(field string, value any) Predicate { return Comparison{Field: field, Op: OpLe, Value: value} }

func Gt(field string, value any) Predicate { return Comparison{Field: field, Op: OpGt, Value: value} }

func Ge(field string, value any) Predicate { return Comparison{Field: field, Op: OpGe, Value: value} }

// Like matches a string field against an SQL pattern.
func Like(field string, pattern string) Predicate {
	return Comparison{Field: field, Op: OpLike, Value: pattern}
}

// In matches a field against a slice of values. An empty slice matches
// nothing.
func In(field string, values any) Predicate {
	return Comparison{Field: field, Op: OpIn, Value: values}
}

func IsNull(field string) Predicate { return NullCheck{Field: field} }

func IsNotNull(field string) Predicate { return NullCheck{Field: field, Negated: true} }

// And combines terms with AND. The slice is copied.
func And(terms ...Predicate) Predicate {
	return Conjunction{terms: append([]Predicate(nil), terms...)}
}

// Or combines terms with OR. The slice is copied.
func Or(terms ...Predicate) Predicate {
	return Disjunction{terms: append([]Predicate(nil), terms...)}
}

func Not(term Predicate) Predicate { return Negation{Term: term} }
