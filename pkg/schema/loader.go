package schema

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the YAML layout of a schema file.
//
//	genericNodeType: GenericNode
//	types:
//	  - name: Person
//	    properties:
//	      - {name: name, type: string, notBlank: true, syncKey: name}
//	    relations:
//	      - name: location
//	        relType: IS_AT
//	        target: Location
//	        cardinality: ManyToOne
//	relationships:
//	  - {name: PersonLocation, source: Person, relType: IS_AT, target: Location}
type File struct {
	GenericNodeType string         `yaml:"genericNodeType,omitempty"`
	Types           []FileType     `yaml:"types"`
	Relationships   []FileRelClass `yaml:"relationships,omitempty"`
}

// FileType is one node type entry.
type FileType struct {
	Name          string         `yaml:"name"`
	Extends       string         `yaml:"extends,omitempty"`
	Properties    []FileProperty `yaml:"properties,omitempty"`
	Relations     []FileRelation `yaml:"relations,omitempty"`
	Chronological [][2]string    `yaml:"chronological,omitempty"`
	PropagateVia  []string       `yaml:"propagateVia,omitempty"`
}

// FileProperty is one property entry.
type FileProperty struct {
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type,omitempty"`
	NotNull   bool     `yaml:"notNull,omitempty"`
	NotBlank  bool     `yaml:"notBlank,omitempty"`
	MinLength int      `yaml:"minLength,omitempty"`
	Values    []string `yaml:"values,omitempty"`
	Nullable  bool     `yaml:"nullable,omitempty"`
	Fulltext  bool     `yaml:"fulltext,omitempty"`
	ReadOnly  bool     `yaml:"readOnly,omitempty"`
	SyncKey   string   `yaml:"syncKey,omitempty"`
}

// FileRelation is one relation property entry.
type FileRelation struct {
	Name          string `yaml:"name"`
	RelType       string `yaml:"relType"`
	Target        string `yaml:"target"`
	Direction     string `yaml:"direction,omitempty"`
	Cardinality   string `yaml:"cardinality"`
	CascadeDelete string `yaml:"cascadeDelete,omitempty"`
}

// FileRelClass is one relationship class entry. Either CombinedType or the
// Source/RelType/Target triple identifies the schema edge.
type FileRelClass struct {
	Name         string `yaml:"name"`
	Extends      string `yaml:"extends,omitempty"`
	CombinedType string `yaml:"combinedType,omitempty"`
	Source       string `yaml:"source,omitempty"`
	RelType      string `yaml:"relType,omitempty"`
	Target       string `yaml:"target,omitempty"`
}

// Load parses a YAML schema and builds the registry.
func Load(r io.Reader) (*Registry, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}
	return f.Build()
}

// LoadFile reads and builds a schema file.
func LoadFile(path string) (*Registry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening schema: %w", err)
	}
	defer file.Close()
	return Load(file)
}

// Build converts the file definitions and builds the registry.
func (f *File) Build() (*Registry, error) {
	b := NewBuilder().GenericNodeType(f.GenericNodeType)

	for _, ft := range f.Types {
		t := &TypeDef{
			Name:          ft.Name,
			Extends:       ft.Extends,
			Chronological: ft.Chronological,
			PropagateVia:  ft.PropagateVia,
		}
		for _, fp := range ft.Properties {
			t.Properties = append(t.Properties, &PropertyDef{
				Name:      fp.Name,
				Type:      PropertyType(fp.Type),
				NotNull:   fp.NotNull,
				NotBlank:  fp.NotBlank,
				MinLength: fp.MinLength,
				Values:    fp.Values,
				Nullable:  fp.Nullable,
				Fulltext:  fp.Fulltext,
				ReadOnly:  fp.ReadOnly,
				SyncKey:   fp.SyncKey,
			})
		}
		for _, fr := range ft.Relations {
			rel, err := fr.def()
			if err != nil {
				return nil, fmt.Errorf("type %s relation %s: %w", ft.Name, fr.Name, err)
			}
			t.Relations = append(t.Relations, rel)
		}
		b.AddType(t)
	}

	for _, fc := range f.Relationships {
		combined := fc.CombinedType
		if combined == "" && fc.RelType != "" {
			combined = CombinedType(fc.Source, fc.RelType, fc.Target)
		}
		b.AddRelClass(&RelClass{Name: fc.Name, Extends: fc.Extends, CombinedType: combined})
	}

	return b.Build()
}

func (fr FileRelation) def() (*RelationDef, error) {
	dir, err := ParseDirection(fr.Direction)
	if err != nil {
		return nil, err
	}
	card, err := ParseCardinality(fr.Cardinality)
	if err != nil {
		return nil, err
	}
	cascade, err := ParseCascade(fr.CascadeDelete)
	if err != nil {
		return nil, err
	}
	return &RelationDef{
		Name:          fr.Name,
		RelType:       fr.RelType,
		Target:        fr.Target,
		Direction:     dir,
		Cardinality:   card,
		CascadeDelete: cascade,
	}, nil
}
