package cache

import (
	"github.com/swarmguard/taskgraph/internal/repository"
	"github.com/swarmguard/taskgraph/internal/schema"
)

// BuildRepositoryConfig returns the repository.Config a Cache's backing
// table needs: primary key fingerprint, value columns output/provenance
// (both opaque blobs from the repository's point of view — the JSON
// marshaling backends already in package repository serialize map[string]any
// columns without any special handling).
func BuildRepositoryConfig(table string) repository.Config {
	s := schema.New(
		[]string{ColumnFingerprint, ColumnOutput, ColumnProvenance},
		map[string]schema.Property{
			ColumnFingerprint: {Type: schema.TypeString},
			ColumnOutput:      {Type: schema.TypeObject},
			ColumnProvenance:  {Type: schema.TypeObject},
		},
		[]string{ColumnFingerprint},
	)
	return repository.Config{
		Table:           table,
		Schema:          s,
		PrimaryKeyNames: []string{ColumnFingerprint},
	}
}
