package erpsync

import (
	"embed"
	"io/fs"

	"github.com/goliatone/go-erpsync/core"
)

// definitionsFS holds the schema documents under definitions/schemas/<system>
// and the mapping documents under definitions/mappings.
//
//go:embed definitions/schemas/*/*.json definitions/mappings/*.json
var definitionsFS embed.FS

const (
	SchemaDocumentsPattern  = "schemas/*/*.json"
	MappingDocumentsPattern = "mappings/*.json"
)

// GetDefinitionsFS returns the embedded definitions tree rooted at definitions/.
func GetDefinitionsFS() fs.FS {
	sub, err := fs.Sub(definitionsFS, "definitions")
	if err != nil {
		return definitionsFS
	}
	return sub
}

// LoadRegistries loads schema and mapping registries from fsys, which must be
// laid out like GetDefinitionsFS. A nil fsys uses the embedded definitions.
func LoadRegistries(fsys fs.FS) (*core.SchemaRegistry, *core.MappingRegistry, error) {
	if fsys == nil {
		fsys = GetDefinitionsFS()
	}
	schemas, err := core.LoadSchemaRegistry(fsys, SchemaDocumentsPattern, "schemas/*/*.yaml", "schemas/*/*.yml")
	if err != nil {
		return nil, nil, err
	}
	mappings, err := core.LoadMappingRegistry(fsys, MappingDocumentsPattern, "mappings/*.yaml", "mappings/*.yml")
	if err != nil {
		return nil, nil, err
	}
	return schemas, mappings, nil
}
