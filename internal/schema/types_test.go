package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSchema() *Schema {
	s := New(FamilyPostgres)

	users := NewTable("users", "table")
	users.AddColumn(Column{Name: "id", Type: TypeInteger, NativeType: "integer", IsPrimaryKey: true})
	users.AddColumn(Column{Name: "email", Type: TypeText, NativeType: "varchar(255)"})
	estimate := int64(42)
	users.RowEstimate = &estimate

	orders := NewTable("orders", "table")
	orders.AddColumn(Column{Name: "id", Type: TypeInteger, IsPrimaryKey: true})
	orders.AddColumn(Column{
		Name:         "user_id",
		Type:         TypeInteger,
		IsForeignKey: true,
		References:   &ColumnRef{Table: "users", Column: "id"},
	})
	orders.AddColumn(Column{
		Name:         "coupon_id",
		Type:         TypeInteger,
		Nullable:     true,
		IsForeignKey: true,
		References:   &ColumnRef{Table: "coupons", Column: "id"},
	})

	_ = s.AddTable(users)
	_ = s.AddTable(orders)
	return s
}

func TestParseFamily(t *testing.T) {
	tests := []struct {
		input   string
		want    Family
		wantErr bool
	}{
		{"postgresql", FamilyPostgres, false},
		{"MySQL", FamilyMySQL, false},
		{" sqlserver ", FamilyMSSQL, false},
		{"mongo", FamilyMongoDB, false},
		{"es", FamilyElasticsearch, false},
		{"ssas", FamilySSAS, false},
		{"oracle", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseFamily(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAddTableRejectsDuplicates(t *testing.T) {
	s := New(FamilySQLite)
	require.NoError(t, s.AddTable(NewTable("users", "table")))
	assert.Error(t, s.AddTable(NewTable("users", "table")))
}

func TestAddColumnKeepsFirst(t *testing.T) {
	table := NewTable("users", "table")
	assert.True(t, table.AddColumn(Column{Name: "id", Type: TypeInteger}))
	assert.False(t, table.AddColumn(Column{Name: "id", Type: TypeText}))
	assert.Equal(t, TypeInteger, table.Columns["id"].Type)
}

func TestColumnNamesPrimaryKeyFirst(t *testing.T) {
	s := sampleSchema()
	orders, ok := s.Table("orders")
	require.True(t, ok)
	assert.Equal(t, []string{"id", "coupon_id", "user_id"}, orders.ColumnNames())
	assert.Equal(t, []string{"id"}, orders.PrimaryKey())
}

func TestResolveReferences(t *testing.T) {
	s := sampleSchema()
	s.ResolveReferences()

	orders := s.Tables["orders"]
	userID := orders.Columns["user_id"]
	assert.True(t, userID.IsForeignKey)
	require.NotNil(t, userID.References)
	assert.Equal(t, "users.id", userID.References.String())

	coupon := orders.Columns["coupon_id"]
	assert.False(t, coupon.IsForeignKey)
	assert.Nil(t, coupon.References)

	require.Len(t, s.Warnings, 1)
	assert.Contains(t, s.Warnings[0], "orders.coupon_id")
	assert.Contains(t, s.Warnings[0], "coupons.id")

	fks := orders.ForeignKeys()
	require.Len(t, fks, 1)
	assert.Equal(t, "user_id", fks[0].Name)
}

func TestRoundTrip(t *testing.T) {
	s := sampleSchema()
	s.ResolveReferences()

	data, err := Marshal(s)
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, s, decoded)
}

func TestUnmarshalEmpty(t *testing.T) {
	s, err := Unmarshal([]byte(`{"source":"sqlite","generated_at":"2024-01-02T03:04:05Z","tables":{"t":{"name":"t"}}}`))
	require.NoError(t, err)
	assert.Equal(t, FamilySQLite, s.Source)
	assert.NotNil(t, s.Tables["t"].Columns)

	_, err = Unmarshal([]byte(`{not json`))
	assert.Error(t, err)
}

func TestNormalizeSQLType(t *testing.T) {
	tests := []struct {
		native string
		want   DataType
	}{
		{"integer", TypeInteger},
		{"int(11) unsigned", TypeInteger},
		{"BIGINT", TypeInteger},
		{"tinyint(1)", TypeBoolean},
		{"boolean", TypeBoolean},
		{"numeric(10,2)", TypeFloat},
		{"double precision", TypeFloat},
		{"character varying(255)", TypeText},
		{"nvarchar", TypeText},
		{"uuid", TypeText},
		{"timestamp with time zone", TypeDatetime},
		{"datetime2", TypeDatetime},
		{"bytea", TypeBinary},
		{"jsonb", TypeOther},
		{"point", TypeOther},
		{"integer[]", TypeOther},
		{"VARYING CHARACTER(70)", TypeText},
		{"UNSIGNED BIG INT", TypeInteger},
		{"", TypeOther},
		{"USER-DEFINED", TypeOther},
	}

	for _, tt := range tests {
		t.Run(tt.native, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeSQLType(tt.native))
		})
	}
}

func TestFilter(t *testing.T) {
	tests := []struct {
		name    string
		include []string
		exclude []string
		want    []string
	}{
		{name: "no filter", want: []string{"orders", "users"}},
		{name: "include one", include: []string{"users"}, want: []string{"users"}},
		{name: "include unknown", include: []string{"products"}, want: []string{}},
		{name: "exclude one", exclude: []string{"orders"}, want: []string{"users"}},
		{name: "include then exclude", include: []string{"users", "orders"}, exclude: []string{"users"}, want: []string{"orders"}},
		{name: "exclude all", exclude: []string{"users", "orders"}, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := sampleSchema()
			got := s.Filter(tt.include, tt.exclude)
			assert.Equal(t, tt.want, got.TableNames())
			assert.Len(t, s.TableNames(), 2, "original untouched")
			assert.Equal(t, s.Source, got.Source)
		})
	}
}
