package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseDefinition decodes a YAML definition document.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	if def.Version == 0 {
		def.Version = 1
	}
	return &def, nil
}

// LoadDefinitionFile reads and decodes a YAML definition file.
func LoadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition file: %w", err)
	}
	return ParseDefinition(data)
}

// EncodeDefinition renders a definition back to YAML, for authoring tools
// and round-trip exports.
func EncodeDefinition(def *Definition) ([]byte, error) {
	return yaml.Marshal(def)
}
