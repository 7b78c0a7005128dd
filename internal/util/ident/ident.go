// Package ident provides quoted-identifier formatting for the source
// and target systems this repository talks to, so that schema/table
// and column names are never interpolated into SQL unescaped.
package ident

import "strings"

// Ident is a single identifier, such as a column or table name.
type Ident string

// Raw returns the unquoted identifier text.
func (i Ident) Raw() string { return string(i) }

// String implements fmt.Stringer.
func (i Ident) String() string { return string(i) }

// SourceRef names a single source-side table or collection:
// (schema, name) for relational sources, (database, collection) for
// document sources.
type SourceRef struct {
	Schema Ident
	Name   Ident
}

// NewSourceRef constructs a SourceRef.
func NewSourceRef(schema, name string) SourceRef {
	return SourceRef{Schema: Ident(schema), Name: Ident(name)}
}

// String renders "schema.name" for logging and map keys.
func (r SourceRef) String() string {
	if r.Schema == "" {
		return r.Name.Raw()
	}
	return r.Schema.Raw() + "." + r.Name.Raw()
}

// TargetTable is the destination table name, derived from a
// SourceRef: "<source_schema>_<source_table>" for PostgreSQL,
// "<collection_name>" for MongoDB.
type TargetTable string

// String implements fmt.Stringer.
func (t TargetTable) String() string { return string(t) }

// PostgresTargetTable derives the target table name for a PostgreSQL
// source table.
func PostgresTargetTable(ref SourceRef) TargetTable {
	return TargetTable(ref.Schema.Raw() + "_" + ref.Name.Raw())
}

// MongoTargetTable derives the target table name for a MongoDB
// collection.
func MongoTargetTable(ref SourceRef) TargetTable {
	return TargetTable(ref.Name.Raw())
}

// QuoteClickHouse quotes an identifier for use in a ClickHouse
// statement using backticks, escaping any embedded backtick.
func QuoteClickHouse(name string) string {
	escaped := strings.ReplaceAll(name, "`", "``")
	return "`" + escaped + "`"
}

// QuotePostgres quotes an identifier for use in a PostgreSQL statement
// using double quotes, escaping any embedded quote.
func QuotePostgres(name string) string {
	escaped := strings.ReplaceAll(name, `"`, `""`)
	return `"` + escaped + `"`
}
