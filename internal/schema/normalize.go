package schema

import "strings"

// NormalizeSQLType maps a relational type name onto the normalized enum.
// It understands the spellings used by PostgreSQL, MySQL, SQL Server and
// SQLite, falling back to SQLite's affinity rules for free-form names.
func NormalizeSQLType(native string) DataType {
	t := strings.ToLower(strings.TrimSpace(native))
	if t == "" {
		return TypeOther
	}
	if strings.HasSuffix(t, "[]") || strings.HasPrefix(t, "_") {
		return TypeOther
	}

	base := t
	if i := strings.IndexByte(base, '('); i >= 0 {
		if base == "tinyint(1)" || base == "bit(1)" {
			return TypeBoolean
		}
		base = base[:i]
	}
	base = strings.TrimSpace(strings.TrimSuffix(base, " unsigned"))

	switch base {
	case "bool", "boolean", "bit":
		return TypeBoolean
	case "smallint", "integer", "int", "int2", "int4", "int8", "bigint", "tinyint", "mediumint",
		"serial", "bigserial", "smallserial", "year":
		return TypeInteger
	case "real", "float", "float4", "float8", "double", "double precision", "numeric", "decimal",
		"money", "smallmoney", "dec":
		return TypeFloat
	case "date", "datetime", "datetime2", "smalldatetime", "datetimeoffset", "time", "timetz",
		"timestamp", "timestamptz", "interval",
		"timestamp with time zone", "timestamp without time zone",
		"time with time zone", "time without time zone":
		return TypeDatetime
	case "text", "varchar", "char", "character", "character varying", "nchar", "nvarchar",
		"ntext", "tinytext", "mediumtext", "longtext", "enum", "set", "uuid", "uniqueidentifier",
		"citext", "name", "string", "clob", "xml", "inet", "cidr", "macaddr":
		return TypeText
	case "bytea", "blob", "tinyblob", "mediumblob", "longblob", "binary", "varbinary", "image",
		"rowversion":
		return TypeBinary
	case "json", "jsonb", "point", "geometry", "geography", "polygon", "hstore", "tsvector":
		return TypeOther
	}

	// SQLite type affinity
	switch {
	case strings.Contains(base, "int"):
		return TypeInteger
	case strings.Contains(base, "char"), strings.Contains(base, "clob"), strings.Contains(base, "text"):
		return TypeText
	case strings.Contains(base, "blob"):
		return TypeBinary
	case strings.Contains(base, "real"), strings.Contains(base, "floa"), strings.Contains(base, "doub"):
		return TypeFloat
	case strings.Contains(base, "bool"):
		return TypeBoolean
	case strings.Contains(base, "date"), strings.Contains(base, "time"):
		return TypeDatetime
	}
	return TypeOther
}
