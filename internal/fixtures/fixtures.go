// Package fixtures loads YAML record fixtures into grid tables.
//
// A fixture file maps a grid name to named records:
//
//	teams:
//	  team1:
//	    Name: Team 1
//	    City: Cologne
//	    SortOrder: 1
package fixtures

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"sortgrid/internal/grid"
)

// Entry is one named record in a fixture file.
type Entry struct {
	Identifier string
	Record     grid.Record
}

// Set holds fixture entries per grid in document order.
type Set struct {
	Grids   []string
	Entries map[string][]Entry
}

// Loaded maps fixture identifiers to the IDs they were inserted with.
type Loaded struct {
	ids map[string]map[string]int64
}

// ID returns the record ID of identifier in gridName.
func (l *Loaded) ID(gridName, identifier string) (int64, bool) {
	id, ok := l.ids[gridName][identifier]
	return id, ok
}

// MustID is ID for tests; it panics on unknown identifiers.
func (l *Loaded) MustID(gridName, identifier string) int64 {
	id, ok := l.ID(gridName, identifier)
	if !ok {
		panic(fmt.Sprintf("fixtures: no %s.%s", gridName, identifier))
	}
	return id
}

// LoadFile parses the fixture file at path.
func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	return Parse(data)
}

// Parse decodes fixture YAML, keeping the order records appear in.
func Parse(data []byte) (*Set, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	set := &Set{Entries: make(map[string][]Entry)}
	if len(doc.Content) == 0 {
		return set, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("fixtures: line %d: expected a mapping of grids", root.Line)
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		gridName := root.Content[i].Value
		records := root.Content[i+1]
		if records.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("fixtures: %s: line %d: expected a mapping of records", gridName, records.Line)
		}
		set.Grids = append(set.Grids, gridName)
		for j := 0; j+1 < len(records.Content); j += 2 {
			ident := records.Content[j].Value
			var fields map[string]any
			if err := records.Content[j+1].Decode(&fields); err != nil {
				return nil, fmt.Errorf("fixtures: %s.%s: %w", gridName, ident, err)
			}
			rec, err := toRecord(fields)
			if err != nil {
				return nil, fmt.Errorf("fixtures: %s.%s: %w", gridName, ident, err)
			}
			set.Entries[gridName] = append(set.Entries[gridName], Entry{Identifier: ident, Record: rec})
		}
	}
	return set, nil
}

func toRecord(fields map[string]any) (grid.Record, error) {
	var rec grid.Record
	for k, v := range fields {
		switch strings.ToLower(strings.ReplaceAll(k, "_", "")) {
		case "name":
			rec.Name = fmt.Sprint(v)
		case "city":
			rec.City = fmt.Sprint(v)
		case "sortorder":
			n, ok := v.(int)
			if !ok {
				return rec, fmt.Errorf("SortOrder must be an integer, got %v", v)
			}
			rec.SortOrder = n
		default:
			return rec, fmt.Errorf("unknown field %q", k)
		}
	}
	return rec, nil
}

// Apply inserts set into the registered grids. With publish set, records
// of versioned grids are also copied to Live.
func Apply(ctx context.Context, store *grid.Store, grids *grid.Registry, set *Set, publish bool) (*Loaded, error) {
	loaded := &Loaded{ids: make(map[string]map[string]int64)}
	for _, name := range set.Grids {
		g, err := grids.Get(name)
		if err != nil {
			return nil, fmt.Errorf("fixtures: %w", err)
		}
		loaded.ids[name] = make(map[string]int64)
		for _, e := range set.Entries[name] {
			id, err := store.Insert(ctx, g, e.Record)
			if err != nil {
				return nil, fmt.Errorf("fixtures: insert %s.%s: %w", name, e.Identifier, err)
			}
			loaded.ids[name][e.Identifier] = id
			if publish && g.Versioned {
				if err := store.Publish(ctx, g, id); err != nil {
					return nil, fmt.Errorf("fixtures: publish %s.%s: %w", name, e.Identifier, err)
				}
			}
		}
	}
	return loaded, nil
}
