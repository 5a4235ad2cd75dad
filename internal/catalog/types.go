package catalog

// Entry describes one queryable table.
// Loaded once at startup and never mutated afterwards.
type Entry struct {
	Schema      string            `yaml:"schema_name" json:"schema_name"`
	Table       string            `yaml:"table_name" json:"table_name"`
	Description string            `yaml:"description" json:"description"`
	Columns     map[string]string `yaml:"fields" json:"fields"` // column name → description
}

// Description is one element of the catalog description document used to brief
// the agent about queryable data.
type Description struct {
	SchemaName  string            `json:"schema_name"`
	TableName   string            `json:"table_name"`
	Description string            `json:"description"`
	Fields      map[string]string `json:"fields"`
}
