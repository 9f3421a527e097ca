// Package record defines the fixed, ordered profile schema written to every
// result table.
package record

import (
	"errors"
	"fmt"
	"strconv"
)

// Field names one column of the output schema.
type Field string

// Output schema. Order is significant.
const (
	FieldID              Field = "id"
	FieldRestID          Field = "rest_id"
	FieldVerified        Field = "verified"
	FieldCreatedAt       Field = "created_at"
	FieldBio             Field = "bio"
	FieldFavouritesCount Field = "favourites_count"
	FieldFollowers       Field = "followers"
	FieldFollowing       Field = "following"
	FieldUsersAddedHim   Field = "usersAddedHim"
	FieldLocation        Field = "location"
	FieldMediaCount      Field = "media_count"
	FieldName            Field = "name"
	FieldUserName        Field = "user_name"
	FieldPosts           Field = "posts"
	FieldURL             Field = "url"
)

// Fields is the ordered field set every record carries.
var Fields = [...]Field{
	FieldID,
	FieldRestID,
	FieldVerified,
	FieldCreatedAt,
	FieldBio,
	FieldFavouritesCount,
	FieldFollowers,
	FieldFollowing,
	FieldUsersAddedHim,
	FieldLocation,
	FieldMediaCount,
	FieldName,
	FieldUserName,
	FieldPosts,
	FieldURL,
}

// NumFields is the width of a row.
const NumFields = len(Fields)

var fieldIndex = func() map[Field]int {
	m := make(map[Field]int, NumFields)
	for i, f := range Fields {
		m[f] = i
	}
	return m
}()

var (
	// ErrUnknownField is returned when a value is supplied for a field outside the schema.
	ErrUnknownField = errors.New("unknown record field")

	// ErrRowWidth is returned when a row does not have exactly NumFields cells.
	ErrRowWidth = errors.New("row width does not match schema")
)

// Header returns the column names in schema order.
func Header() []string {
	h := make([]string, NumFields)
	for i, f := range Fields {
		h[i] = string(f)
	}
	return h
}

// IndexOf returns the column position of f, or -1 if f is not in the schema.
func IndexOf(f Field) int {
	if i, ok := fieldIndex[f]; ok {
		return i
	}
	return -1
}

// Kind is the type of a Value.
type Kind int

const (
	// KindEmpty marks a missing or unavailable value.
	KindEmpty Kind = iota
	KindString
	KindInt
	KindBool
)

// Value is one cell of a record.
type Value struct {
	kind Kind
	s    string
	i    int64
	b    bool
}

// Empty returns the explicit empty marker.
func Empty() Value { return Value{} }

// String returns a string value. An empty string is stored as Empty.
func String(s string) Value {
	if s == "" {
		return Value{}
	}
	return Value{kind: KindString, s: s}
}

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// IsEmpty reports whether v is the empty marker.
func (v Value) IsEmpty() bool { return v.kind == KindEmpty }

// String renders the value as a table cell.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindBool:
		if v.b {
			return "True"
		}
		return "False"
	default:
		return ""
	}
}

// Record is a schema-fixed profile. The zero value has every field empty.
// Records are plain values; copies never share state.
type Record struct {
	values [NumFields]Value
}

// New builds a record from named values. Fields not mentioned stay empty.
func New(values map[Field]Value) (Record, error) {
	var r Record
	for f, v := range values {
		i := IndexOf(f)
		if i < 0 {
			return Record{}, fmt.Errorf("%w: %q", ErrUnknownField, f)
		}
		r.values[i] = v
	}
	return r, nil
}

// FromRow rebuilds a record from table cells in schema order. Cells are
// read back as strings; empty cells become Empty.
func FromRow(row []string) (Record, error) {
	if len(row) != NumFields {
		return Record{}, fmt.Errorf("%w: got %d cells, want %d", ErrRowWidth, len(row), NumFields)
	}
	var r Record
	for i, cell := range row {
		r.values[i] = String(cell)
	}
	return r, nil
}

// Get returns the value of f. Unknown fields return Empty.
func (r Record) Get(f Field) Value {
	i := IndexOf(f)
	if i < 0 {
		return Value{}
	}
	return r.values[i]
}

// With returns a copy of r with f set to v.
func (r Record) With(f Field, v Value) (Record, error) {
	i := IndexOf(f)
	if i < 0 {
		return r, fmt.Errorf("%w: %q", ErrUnknownField, f)
	}
	r.values[i] = v
	return r, nil
}

// UserName returns the identifier-bearing column.
func (r Record) UserName() string {
	return r.values[fieldIndex[FieldUserName]].String()
}

// Row renders the record as cells in schema order.
func (r Record) Row() []string {
	row := make([]string, NumFields)
	for i, v := range r.values {
		row[i] = v.String()
	}
	return row
}

// WithIdentity pins user_name to the requested handle and fills url with
// defaultURL when the provider left it empty.
func (r Record) WithIdentity(userName, defaultURL string) Record {
	r.values[fieldIndex[FieldUserName]] = String(userName)
	if r.values[fieldIndex[FieldURL]].IsEmpty() {
		r.values[fieldIndex[FieldURL]] = String(defaultURL)
	}
	return r
}
