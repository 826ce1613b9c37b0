package tagmap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// LoadFile reads a tag mapping. The format follows the extension: .json5 or
// .json (both read as JSON5, so comments and trailing commas are fine),
// .yaml/.yml or .toml.
func LoadFile(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := decode(filepath.Ext(path), data)
	if err != nil {
		return nil, fmt.Errorf("decode tag mapping %s: %w", path, err)
	}
	mapping, err := Parse(doc)
	if err != nil {
		return nil, fmt.Errorf("tag mapping %s: %w", path, err)
	}
	return mapping, nil
}

func decode(ext string, data []byte) (map[string]any, error) {
	doc := map[string]any{}
	switch strings.ToLower(ext) {
	case ".json5", ".json", "":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported tag mapping format %q", ext)
	}
	return doc, nil
}
