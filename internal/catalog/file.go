package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileDocument is the on-disk catalog layout:
//
//	tables:
//	  - schema_name: ga4_floorforce
//	    table_name: top_pages
//	    description: ...
//	    fields:
//	      page_views: Sum of pageviews for that page
type fileDocument struct {
	Tables []Entry `yaml:"tables"`
}

// LoadFile reads a YAML catalog document from path.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadFile: %w", err)
	}
	return Parse(data)
}

// Parse builds a Catalog from a YAML document.
func Parse(data []byte) (*Catalog, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("Parse: %w", err)
	}
	if len(doc.Tables) == 0 {
		return nil, fmt.Errorf("Parse: catalog document has no tables")
	}
	return New(doc.Tables)
}
