package lifecycle

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultDefinitionYAML []byte

// DefaultYAML returns the bundled lifecycle definition as written to disk by init.
func DefaultYAML() []byte {
	return append([]byte(nil), defaultDefinitionYAML...)
}

// Default parses the bundled eleven-stage lifecycle.
func Default() (Definition, error) {
	return ParseDefinitionYAML(defaultDefinitionYAML)
}

// ParseDefinitionYAML decodes a lifecycle definition from YAML/JSON bytes.
func ParseDefinitionYAML(data []byte) (Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Definition{}, fmt.Errorf("lifecycle: definition payload is empty")
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("lifecycle: decode definition: %w", err)
	}
	return def.Normalized()
}

// LoadDefinitionReader reads lifecycle definition data from an io.Reader.
func LoadDefinitionReader(r io.Reader) (Definition, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return Definition{}, fmt.Errorf("lifecycle: read definition: %w", err)
	}
	return ParseDefinitionYAML(content)
}

// LoadDefinitionFile loads a lifecycle definition from an explicit file path.
func LoadDefinitionFile(path string) (Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("lifecycle: read %s: %w", path, err)
	}
	def, parseErr := ParseDefinitionYAML(content)
	if parseErr != nil {
		return Definition{}, fmt.Errorf("lifecycle: %s: %w", path, parseErr)
	}
	return def, nil
}
