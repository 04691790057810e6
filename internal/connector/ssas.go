package connector

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/tordrt/llmquery/internal/apperr"
	"github.com/tordrt/llmquery/internal/schema"
	"github.com/tordrt/llmquery/internal/validator"
)

const ssasDefaultPort = 80

func init() {
	Register(schema.FamilySSAS, NewSSAS)
}

// SSAS is the OLAP connector. It speaks XMLA over HTTP to an msmdpump
// endpoint; each cube becomes a table whose columns are its dimensions and measures.
type SSAS struct {
	desc   Descriptor
	opts   Options
	logger *slog.Logger
	url    string

	mu        sync.Mutex
	connected bool
}

// NewSSAS creates an SSAS connector. The descriptor's Database is the catalog;
// the "path" option selects the XMLA endpoint, /olap/msmdpump.dll by default.
func NewSSAS(d Descriptor, opts Options) Connector {
	opts = opts.withDefaults()
	scheme := "http"
	if d.Option("ssl", "") == "true" {
		scheme = "https"
	}
	path := d.Option("path", "/olap/msmdpump.dll")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &SSAS{
		desc:   d,
		opts:   opts,
		logger: opts.Logger.With("connector", "ssas"),
		url:    scheme + "://" + d.Address(ssasDefaultPort) + path,
	}
}

// Descriptor implements Connector
func (s *SSAS) Descriptor() Descriptor { return s.desc }

// Dialect implements Connector
func (s *SSAS) Dialect() validator.Dialect { return validator.DialectMDX }

// Connect implements Connector. The catalog must be discoverable.
func (s *SSAS) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	if s.desc.Database == "" {
		return apperr.Errorf(apperr.KindConnection, "connect", "ssas catalog name is required")
	}

	s.logger.Debug("connecting", slog.String("target", s.desc.String()))

	rows, err := s.discover(ctx, "DBSCHEMA_CATALOGS", nil)
	if err != nil {
		return apperr.New(apperr.KindConnection, "connect", fmt.Errorf("failed to reach server: %w", err))
	}
	found := false
	for _, r := range rows.Rows {
		if strings.EqualFold(asString(r["CATALOG_NAME"]), s.desc.Database) {
			found = true
			break
		}
	}
	if !found {
		return apperr.Errorf(apperr.KindConnection, "connect", "catalog %q not found", s.desc.Database)
	}

	s.connected = true
	return nil
}

// Disconnect implements Connector. XMLA over HTTP is stateless.
func (s *SSAS) Disconnect(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
}

func (s *SSAS) ensureConnected(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return notConnected(op)
	}
	return nil
}

// DiscoverSchema implements Connector
func (s *SSAS) DiscoverSchema(ctx context.Context) (*schema.Schema, error) {
	if err := s.ensureConnected("discover schema"); err != nil {
		return nil, err
	}

	cubes, err := s.discover(ctx, "MDSCHEMA_CUBES", map[string]string{"CATALOG_NAME": s.desc.Database})
	if err != nil {
		return nil, listFailed(fmt.Errorf("failed to list cubes: %w", err))
	}

	var names []string
	for _, r := range cubes.Rows {
		name := asString(r["CUBE_NAME"])
		// dimension cubes are prefixed with $
		if name == "" || strings.HasPrefix(name, "$") || asString(r["CUBE_TYPE"]) == "DIMENSION" {
			continue
		}
		names = append(names, name)
	}

	out := schema.New(schema.FamilySSAS)
	err = discoverTables(ctx, s.logger, out, names, func(ctx context.Context, name string) (schema.Table, error) {
		return s.describeCube(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SSAS) describeCube(ctx context.Context, cube string) (schema.Table, error) {
	restrictions := map[string]string{"CATALOG_NAME": s.desc.Database, "CUBE_NAME": cube}
	table := schema.NewTable(cube, "cube")

	dims, err := s.discover(ctx, "MDSCHEMA_DIMENSIONS", restrictions)
	if err != nil {
		return schema.Table{}, fmt.Errorf("failed to read dimensions: %w", err)
	}
	for _, r := range dims.Rows {
		// type 2 is the measures dimension
		if asString(r["DIMENSION_TYPE"]) == "2" || asString(r["DIMENSION_IS_VISIBLE"]) == "false" {
			continue
		}
		table.AddColumn(schema.Column{
			Name:       asString(r["DIMENSION_NAME"]),
			Type:       schema.TypeText,
			NativeType: "dimension",
			Nullable:   true,
			Comment:    asString(r["DIMENSION_UNIQUE_NAME"]),
		})
	}

	measures, err := s.discover(ctx, "MDSCHEMA_MEASURES", restrictions)
	if err != nil {
		return schema.Table{}, fmt.Errorf("failed to read measures: %w", err)
	}
	for _, r := range measures.Rows {
		if asString(r["MEASURE_IS_VISIBLE"]) == "false" {
			continue
		}
		code, _ := strconv.Atoi(asString(r["DATA_TYPE"]))
		table.AddColumn(schema.Column{
			Name:       asString(r["MEASURE_NAME"]),
			Type:       oleDBType(code),
			NativeType: "measure",
			Nullable:   true,
			Comment:    asString(r["MEASURE_UNIQUE_NAME"]),
		})
	}

	if len(table.Columns) == 0 {
		return schema.Table{}, fmt.Errorf("cube has no visible dimensions or measures")
	}
	return table, nil
}

// oleDBType maps OLE DB DBTYPE codes used by MDSCHEMA_MEASURES
func oleDBType(code int) schema.DataType {
	switch code {
	case 2, 3, 16, 17, 18, 19, 20, 21:
		return schema.TypeInteger
	case 4, 5, 6, 14, 131:
		return schema.TypeFloat
	case 11:
		return schema.TypeBoolean
	case 7, 133, 134, 135:
		return schema.TypeDatetime
	case 8, 129, 130:
		return schema.TypeText
	case 128:
		return schema.TypeBinary
	default:
		return schema.TypeOther
	}
}

// ExecuteQuery implements Connector. Results are requested in tabular format.
func (s *SSAS) ExecuteQuery(ctx context.Context, query string) (*ResultSet, error) {
	if err := s.ensureConnected("execute"); err != nil {
		return nil, err
	}

	var body bytes.Buffer
	body.WriteString(`<Execute xmlns="urn:schemas-microsoft-com:xml-analysis"><Command><Statement>`)
	_ = xml.EscapeText(&body, []byte(query))
	body.WriteString(`</Statement></Command><Properties><PropertyList>`)
	writeElement(&body, "Catalog", s.desc.Database)
	body.WriteString(`<Format>Tabular</Format></PropertyList></Properties></Execute>`)

	rows, err := s.call(ctx, "Execute", body.Bytes(), s.opts.MaxRows)
	if err != nil {
		return nil, apperr.New(apperr.KindExecution, "execute", err)
	}
	return rows, nil
}

func (s *SSAS) discover(ctx context.Context, requestType string, restrictions map[string]string) (*ResultSet, error) {
	var body bytes.Buffer
	body.WriteString(`<Discover xmlns="urn:schemas-microsoft-com:xml-analysis">`)
	writeElement(&body, "RequestType", requestType)
	body.WriteString(`<Restrictions><RestrictionList>`)
	for _, k := range []string{"CATALOG_NAME", "CUBE_NAME"} {
		if v, ok := restrictions[k]; ok {
			writeElement(&body, k, v)
		}
	}
	body.WriteString(`</RestrictionList></Restrictions><Properties><PropertyList>`)
	if s.desc.Database != "" && requestType != "DBSCHEMA_CATALOGS" {
		writeElement(&body, "Catalog", s.desc.Database)
	}
	body.WriteString(`</PropertyList></Properties></Discover>`)
	return s.call(ctx, "Discover", body.Bytes(), 0)
}

func writeElement(buf *bytes.Buffer, name, value string) {
	buf.WriteString("<" + name + ">")
	_ = xml.EscapeText(buf, []byte(value))
	buf.WriteString("</" + name + ">")
}

// call posts one SOAP request and parses the rowset in the response
func (s *SSAS) call(ctx context.Context, action string, payload []byte, maxRows int) (*ResultSet, error) {
	var envelope bytes.Buffer
	envelope.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	envelope.WriteString(`<Envelope xmlns="http://schemas.xmlsoap.org/soap/envelope/"><Body>`)
	envelope.Write(payload)
	envelope.WriteString(`</Body></Envelope>`)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, &envelope)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", "urn:schemas-microsoft-com:xml-analysis:"+action)
	if s.desc.User != "" {
		req.SetBasicAuth(s.desc.User, s.desc.Password)
	}

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("xmla request rejected: %s", resp.Status)
	}

	result, err := parseRowset(resp.Body, maxRows)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("xmla request failed: %s", resp.Status)
	}
	return result, nil
}

// parseRowset extracts <row> elements from an XMLA response. SOAP faults and
// XMLA error elements become errors.
func parseRowset(r io.Reader, maxRows int) (*ResultSet, error) {
	dec := xml.NewDecoder(r)
	result := newResultSet(nil)

	var (
		inRow   bool
		row     Row
		field   string
		text    strings.Builder
		fault   string
		inFault bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid xmla response: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Local == "faultstring":
				inFault = true
				text.Reset()
			case t.Name.Local == "Error" && !inRow:
				for _, a := range t.Attr {
					if a.Name.Local == "Description" && fault == "" {
						fault = a.Value
					}
				}
			case t.Name.Local == "row" && !inRow:
				inRow = true
				row = make(Row)
			case inRow && field == "":
				field = decodeXMLName(t.Name.Local)
				text.Reset()
			}
		case xml.CharData:
			if field != "" || inFault {
				text.Write(t)
			}
		case xml.EndElement:
			switch {
			case inFault && t.Name.Local == "faultstring":
				inFault = false
				if fault == "" {
					fault = strings.TrimSpace(text.String())
				}
			case inRow && field != "" && decodeXMLName(t.Name.Local) == field:
				result.addColumn(field)
				row[field] = text.String()
				field = ""
			case inRow && t.Name.Local == "row":
				inRow = false
				if !result.add(row, maxRows) {
					return result, nil
				}
			}
		}
	}

	if fault != "" {
		return nil, fmt.Errorf("xmla error: %s", fault)
	}
	return result, nil
}

var xmlNameEscape = regexp.MustCompile(`_x([0-9A-Fa-f]{4})_`)

// decodeXMLName reverses the _xHHHH_ escaping of element names
func decodeXMLName(name string) string {
	if !strings.Contains(name, "_x") {
		return name
	}
	return xmlNameEscape.ReplaceAllStringFunc(name, func(m string) string {
		code, err := strconv.ParseUint(m[2:6], 16, 32)
		if err != nil {
			return m
		}
		return string(rune(code))
	})
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
