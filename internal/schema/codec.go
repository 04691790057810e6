package schema

import (
	"encoding/json"
	"fmt"
)

// Marshal encodes a schema as indented JSON
func Marshal(s *Schema) ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a schema produced by Marshal
func Unmarshal(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode schema: %w", err)
	}
	if s.Tables == nil {
		s.Tables = make(map[string]Table)
	}
	for name, t := range s.Tables {
		if t.Columns == nil {
			t.Columns = make(map[string]Column)
			s.Tables[name] = t
		}
	}
	return &s, nil
}
