package settings

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/mattvenn/chamber-controller/internal/model"
)

// toMap flattens a document into JSON-typed nested maps so merge and
// verification always compare like with like (numbers as float64 and so on).
func toMap(doc *model.SettingsDocument) (map[string]interface{}, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("settings: marshal: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("settings: remarshal: %w", err)
	}
	return m, nil
}

func fromMap(m map[string]interface{}) (*model.SettingsDocument, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("settings: marshal merged map: %w", err)
	}
	var doc model.SettingsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("settings: decode merged map: %w", err)
	}
	return &doc, nil
}

// deepMerge merges src into dst recursively. Leaf values from src always win;
// keys present only in dst survive. Arrays are leaves.
func deepMerge(dst, src map[string]interface{}) {
	for key, val := range src {
		srcMap, srcIsMap := val.(map[string]interface{})
		dstMap, dstIsMap := dst[key].(map[string]interface{})
		if srcIsMap && dstIsMap {
			deepMerge(dstMap, srcMap)
			continue
		}
		dst[key] = val
	}
}

// mergeDocuments applies priority's leaves over base's.
func mergeDocuments(base, priority *model.SettingsDocument) (*model.SettingsDocument, error) {
	baseMap, err := toMap(base)
	if err != nil {
		return nil, err
	}
	prioMap, err := toMap(priority)
	if err != nil {
		return nil, err
	}
	deepMerge(baseMap, prioMap)
	return fromMap(baseMap)
}

// mergePartial applies an explicit partial's leaves over a document. The
// partial is normalized through a JSON round trip first so its values carry
// JSON types.
func mergePartial(base *model.SettingsDocument, partial Partial) (*model.SettingsDocument, error) {
	data, err := json.Marshal(partial)
	if err != nil {
		return nil, fmt.Errorf("settings: marshal partial: %w", err)
	}
	var norm map[string]interface{}
	if err := json.Unmarshal(data, &norm); err != nil {
		return nil, fmt.Errorf("settings: normalize partial: %w", err)
	}

	baseMap, err := toMap(base)
	if err != nil {
		return nil, err
	}
	deepMerge(baseMap, norm)
	return fromMap(baseMap)
}

// compareLeaves walks want and reports the first leaf whose value differs in
// got.
func compareLeaves(prefix string, want, got map[string]interface{}) error {
	for key, val := range want {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		gotVal, ok := got[key]
		if !ok {
			return fmt.Errorf("missing key %s", path)
		}
		wantMap, wantIsMap := val.(map[string]interface{})
		gotMap, gotIsMap := gotVal.(map[string]interface{})
		if wantIsMap && gotIsMap {
			if err := compareLeaves(path, wantMap, gotMap); err != nil {
				return err
			}
			continue
		}
		if !reflect.DeepEqual(val, gotVal) {
			return fmt.Errorf("value mismatch at %s: wanted %v, found %v", path, val, gotVal)
		}
	}
	return nil
}
