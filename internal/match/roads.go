package match

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrVocabularyLoad wraps every vocabulary loading failure.
var ErrVocabularyLoad = errors.New("vocabulary load failed")

type roadFeature struct {
	Properties struct {
		ID json.RawMessage `json:"id"`
	} `json:"properties"`
}

// LoadRoads reads road identifiers from path. JSON files may hold an array of
// strings, an array of features carrying properties.id, or a FeatureCollection
// object; .yaml/.yml files hold a list of strings. On failure the returned
// vocabulary is empty and the error wraps ErrVocabularyLoad.
func LoadRoads(path string) (Vocabulary, error) {
	empty := NewVocabulary("roads", nil)
	data, err := os.ReadFile(path)
	if err != nil {
		return empty, fmt.Errorf("%w: read %s: %v", ErrVocabularyLoad, path, err)
	}

	var ids []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &ids); err != nil {
			return empty, fmt.Errorf("%w: parse %s: %v", ErrVocabularyLoad, path, err)
		}
	default:
		ids, err = parseRoadJSON(data)
		if err != nil {
			return empty, fmt.Errorf("%w: parse %s: %v", ErrVocabularyLoad, path, err)
		}
	}
	return NewVocabulary("roads", ids), nil
}

func parseRoadJSON(data []byte) ([]string, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		var collection struct {
			Features []json.RawMessage `json:"features"`
		}
		if errObj := json.Unmarshal(data, &collection); errObj != nil || collection.Features == nil {
			return nil, err
		}
		items = collection.Features
	}

	ids := make([]string, 0, len(items))
	for i, raw := range items {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			ids = append(ids, s)
			continue
		}
		var feature roadFeature
		if err := json.Unmarshal(raw, &feature); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		id, err := rawID(feature.Properties.ID)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func rawID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("missing properties.id")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("unsupported id %s", string(raw))
}
