package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Family identifies a class of data store with its own native query language
type Family string

// Supported backend families
const (
	FamilyPostgres      Family = "postgres"
	FamilyMySQL         Family = "mysql"
	FamilyMSSQL         Family = "mssql"
	FamilySQLite        Family = "sqlite"
	FamilyMongoDB       Family = "mongodb"
	FamilyInfluxDB      Family = "influxdb"
	FamilyElasticsearch Family = "elasticsearch"
	FamilySSAS          Family = "ssas"
)

var familyAliases = map[string]Family{
	"postgres":      FamilyPostgres,
	"postgresql":    FamilyPostgres,
	"pg":            FamilyPostgres,
	"mysql":         FamilyMySQL,
	"mariadb":       FamilyMySQL,
	"mssql":         FamilyMSSQL,
	"sqlserver":     FamilyMSSQL,
	"sqlite":        FamilySQLite,
	"sqlite3":       FamilySQLite,
	"mongodb":       FamilyMongoDB,
	"mongo":         FamilyMongoDB,
	"influxdb":      FamilyInfluxDB,
	"influx":        FamilyInfluxDB,
	"elasticsearch": FamilyElasticsearch,
	"elastic":       FamilyElasticsearch,
	"es":            FamilyElasticsearch,
	"ssas":          FamilySSAS,
	"xmla":          FamilySSAS,
}

// ParseFamily resolves a backend family name, accepting common aliases
func ParseFamily(name string) (Family, error) {
	f, ok := familyAliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", fmt.Errorf("unsupported database type: %q", name)
	}
	return f, nil
}

// DataType is the normalized column type shared by every backend
type DataType string

// Normalized column types
const (
	TypeInteger  DataType = "integer"
	TypeFloat    DataType = "float"
	TypeText     DataType = "text"
	TypeBoolean  DataType = "boolean"
	TypeDatetime DataType = "datetime"
	TypeBinary   DataType = "binary"
	TypeOther    DataType = "other"
)

// ColumnRef points at a column in another table
type ColumnRef struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

func (r ColumnRef) String() string {
	return r.Table + "." + r.Column
}

// Column represents a table column
type Column struct {
	Name         string     `json:"name"`
	Type         DataType   `json:"type"`
	NativeType   string     `json:"native_type,omitempty"`
	Nullable     bool       `json:"nullable"`
	IsPrimaryKey bool       `json:"is_primary_key"`
	IsForeignKey bool       `json:"is_foreign_key"`
	References   *ColumnRef `json:"references,omitempty"`
	Comment      string     `json:"comment,omitempty"`
}

// Table represents a table, collection, measurement, index or cube
type Table struct {
	Name        string            `json:"name"`
	Kind        string            `json:"kind,omitempty"`
	Columns     map[string]Column `json:"columns"`
	RowEstimate *int64            `json:"row_estimate,omitempty"`
}

// NewTable creates an empty table of the given kind
func NewTable(name, kind string) Table {
	return Table{
		Name:    name,
		Kind:    kind,
		Columns: make(map[string]Column),
	}
}

// AddColumn adds a column; the first column registered under a name wins
func (t *Table) AddColumn(c Column) bool {
	if t.Columns == nil {
		t.Columns = make(map[string]Column)
	}
	if _, exists := t.Columns[c.Name]; exists {
		return false
	}
	t.Columns[c.Name] = c
	return true
}

// ColumnNames returns column names with primary key columns first, each group sorted
func (t Table) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for name := range t.Columns {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := t.Columns[names[i]].IsPrimaryKey, t.Columns[names[j]].IsPrimaryKey
		if pi != pj {
			return pi
		}
		return names[i] < names[j]
	})
	return names
}

// PrimaryKey returns the sorted primary key column names
func (t Table) PrimaryKey() []string {
	var pk []string
	for name, col := range t.Columns {
		if col.IsPrimaryKey {
			pk = append(pk, name)
		}
	}
	sort.Strings(pk)
	return pk
}

// ForeignKeys returns the columns that reference another table, sorted by name
func (t Table) ForeignKeys() []Column {
	var fks []Column
	for _, name := range t.ColumnNames() {
		col := t.Columns[name]
		if col.IsForeignKey && col.References != nil {
			fks = append(fks, col)
		}
	}
	return fks
}

// Schema represents the normalized structure of one data source
type Schema struct {
	Source      Family           `json:"source"`
	GeneratedAt time.Time        `json:"generated_at"`
	Tables      map[string]Table `json:"tables"`
	Warnings    []string         `json:"warnings,omitempty"`
}

// New creates an empty schema stamped with the current time
func New(source Family) *Schema {
	return &Schema{
		Source:      source,
		GeneratedAt: time.Now().UTC().Truncate(time.Millisecond),
		Tables:      make(map[string]Table),
	}
}

// AddTable adds a table; table names must be unique
func (s *Schema) AddTable(t Table) error {
	if s.Tables == nil {
		s.Tables = make(map[string]Table)
	}
	if _, exists := s.Tables[t.Name]; exists {
		return fmt.Errorf("duplicate table %q", t.Name)
	}
	if t.Columns == nil {
		t.Columns = make(map[string]Column)
	}
	s.Tables[t.Name] = t
	return nil
}

// Warnf records a discovery warning
func (s *Schema) Warnf(format string, args ...any) {
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

// Table looks up a table by name
func (s *Schema) Table(name string) (Table, bool) {
	t, ok := s.Tables[name]
	return t, ok
}

// TableNames returns the sorted table names
func (s *Schema) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveReferences drops foreign keys whose target is not part of the schema.
// Each dropped reference is recorded as a warning.
func (s *Schema) ResolveReferences() {
	for _, tableName := range s.TableNames() {
		table := s.Tables[tableName]
		for _, colName := range table.ColumnNames() {
			col := table.Columns[colName]
			if !col.IsForeignKey && col.References == nil {
				continue
			}
			if col.References != nil && s.resolves(*col.References) {
				col.IsForeignKey = true
				table.Columns[colName] = col
				continue
			}
			if col.References != nil {
				s.Warnf("%s.%s: dropped foreign key to %s (target not found)", tableName, colName, col.References)
			} else {
				s.Warnf("%s.%s: dropped foreign key without target", tableName, colName)
			}
			col.IsForeignKey = false
			col.References = nil
			table.Columns[colName] = col
		}
	}
}

func (s *Schema) resolves(ref ColumnRef) bool {
	target, ok := s.Tables[ref.Table]
	if !ok {
		return false
	}
	_, ok = target.Columns[ref.Column]
	return ok
}

// Filter returns a copy of s holding only the tables named in include (all
// tables when include is empty) minus those named in exclude. Column maps are
// shared with s.
func (s *Schema) Filter(include, exclude []string) *Schema {
	out := *s
	out.Tables = make(map[string]Table, len(s.Tables))
	out.Warnings = append([]string(nil), s.Warnings...)

	if len(include) == 0 {
		for name, t := range s.Tables {
			out.Tables[name] = t
		}
	} else {
		for _, name := range include {
			if t, ok := s.Tables[name]; ok {
				out.Tables[name] = t
			}
		}
	}
	for _, name := range exclude {
		delete(out.Tables, name)
	}
	return &out
}
