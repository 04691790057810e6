package connector

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tordrt/llmquery/internal/apperr"
	"github.com/tordrt/llmquery/internal/schema"
)

func xmlaRows(rows string) string {
	return `<?xml version="1.0"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Body>
    <DiscoverResponse xmlns="urn:schemas-microsoft-com:xml-analysis">
      <return>
        <root xmlns="urn:schemas-microsoft-com:xml-analysis:rowset">` + rows + `</root>
      </return>
    </DiscoverResponse>
  </soap:Body>
</soap:Envelope>`
}

func newSSASServer(t *testing.T) *SSAS {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		req := string(body)
		w.Header().Set("Content-Type", "text/xml")

		switch {
		case strings.Contains(req, "DBSCHEMA_CATALOGS"):
			_, _ = io.WriteString(w, xmlaRows(`<row><CATALOG_NAME>Sales</CATALOG_NAME></row>`))
		case strings.Contains(req, "MDSCHEMA_CUBES"):
			_, _ = io.WriteString(w, xmlaRows(`
				<row><CUBE_NAME>Revenue</CUBE_NAME><CUBE_TYPE>CUBE</CUBE_TYPE></row>
				<row><CUBE_NAME>$Date</CUBE_NAME><CUBE_TYPE>DIMENSION</CUBE_TYPE></row>`))
		case strings.Contains(req, "MDSCHEMA_DIMENSIONS"):
			_, _ = io.WriteString(w, xmlaRows(`
				<row><DIMENSION_NAME>Measures</DIMENSION_NAME><DIMENSION_UNIQUE_NAME>[Measures]</DIMENSION_UNIQUE_NAME><DIMENSION_TYPE>2</DIMENSION_TYPE></row>
				<row><DIMENSION_NAME>Date</DIMENSION_NAME><DIMENSION_UNIQUE_NAME>[Date]</DIMENSION_UNIQUE_NAME><DIMENSION_TYPE>1</DIMENSION_TYPE></row>`))
		case strings.Contains(req, "MDSCHEMA_MEASURES"):
			_, _ = io.WriteString(w, xmlaRows(`
				<row><MEASURE_NAME>Amount</MEASURE_NAME><MEASURE_UNIQUE_NAME>[Measures].[Amount]</MEASURE_UNIQUE_NAME><DATA_TYPE>5</DATA_TYPE></row>
				<row><MEASURE_NAME>Orders</MEASURE_NAME><MEASURE_UNIQUE_NAME>[Measures].[Orders]</MEASURE_UNIQUE_NAME><DATA_TYPE>20</DATA_TYPE></row>`))
		case strings.Contains(req, "<Execute"):
			if strings.Contains(req, "Broken") {
				_, _ = io.WriteString(w, `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>
					<soap:Fault><faultcode>XMLAnalysisError</faultcode><faultstring>Query (1, 8) The Broken cube either does not exist.</faultstring></soap:Fault>
				</soap:Body></soap:Envelope>`)
				return
			}
			_, _ = io.WriteString(w, xmlaRows(`
				<row><_x005B_Date_x005D_._x005B_Year_x005D_>2024</_x005B_Date_x005D_._x005B_Year_x005D_><_x005B_Measures_x005D_._x005B_Amount_x005D_>10.5</_x005B_Measures_x005D_._x005B_Amount_x005D_></row>
				<row><_x005B_Date_x005D_._x005B_Year_x005D_>2025</_x005B_Date_x005D_._x005B_Year_x005D_></row>`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)

	host, port := hostPort(t, srv.URL)
	c := NewSSAS(Descriptor{Family: schema.FamilySSAS, Host: host, Port: port, Database: "Sales"}, Options{}).(*SSAS)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestSSAS_ConnectUnknownCatalog(t *testing.T) {
	c := newSSASServer(t)
	other := NewSSAS(c.desc, Options{}).(*SSAS)
	other.desc.Database = "Finance"

	err := other.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.KindConnection, apperr.KindOf(err))
}

func TestSSAS_DiscoverSchema(t *testing.T) {
	c := newSSASServer(t)

	s, err := c.DiscoverSchema(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"Revenue"}, s.TableNames())
	cube := s.Tables["Revenue"]
	assert.Equal(t, "cube", cube.Kind)
	assert.NotContains(t, cube.Columns, "Measures")

	date := cube.Columns["Date"]
	assert.Equal(t, schema.TypeText, date.Type)
	assert.Equal(t, "[Date]", date.Comment)

	assert.Equal(t, schema.TypeFloat, cube.Columns["Amount"].Type)
	assert.Equal(t, schema.TypeInteger, cube.Columns["Orders"].Type)
	assert.Equal(t, "[Measures].[Orders]", cube.Columns["Orders"].Comment)
}

func TestSSAS_ExecuteQuery(t *testing.T) {
	c := newSSASServer(t)

	res, err := c.ExecuteQuery(context.Background(), "SELECT [Measures].[Amount] ON 0 FROM [Revenue]")
	require.NoError(t, err)
	assert.Equal(t, []string{"[Date].[Year]", "[Measures].[Amount]"}, res.Columns)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "10.5", res.Rows[0]["[Measures].[Amount]"])
	assert.Equal(t, "2025", res.Rows[1]["[Date].[Year]"])
}

func TestSSAS_ExecuteQueryFault(t *testing.T) {
	c := newSSASServer(t)

	_, err := c.ExecuteQuery(context.Background(), "SELECT FROM [Broken]")
	require.Error(t, err)
	assert.Equal(t, apperr.KindExecution, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "does not exist")
}

func TestDecodeXMLName(t *testing.T) {
	assert.Equal(t, "[Date].[Year]", decodeXMLName("_x005B_Date_x005D_._x005B_Year_x005D_"))
	assert.Equal(t, "plain", decodeXMLName("plain"))
	assert.Equal(t, "a b", decodeXMLName("a_x0020_b"))
}

func TestOLEDBType(t *testing.T) {
	assert.Equal(t, schema.TypeInteger, oleDBType(3))
	assert.Equal(t, schema.TypeFloat, oleDBType(6))
	assert.Equal(t, schema.TypeText, oleDBType(130))
	assert.Equal(t, schema.TypeDatetime, oleDBType(7))
	assert.Equal(t, schema.TypeOther, oleDBType(999))
}
