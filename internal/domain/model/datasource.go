package model

import (
	"fmt"
	"strings"
)

// DataSourceDescriptor describes what an indexer consumes and which
// indexing artifact handles it. It is immutable once the indexer starts.
type DataSourceDescriptor struct {
	ID         string
	Namespace  string
	Network    Network
	Chain      ChainKind
	FilterKeys []string
	StartBlock uint64
	Artifact   string
}

func (d DataSourceDescriptor) Validate() error {
	var missing []string
	if strings.TrimSpace(d.ID) == "" {
		missing = append(missing, "id")
	}
	if d.Network == "" {
		missing = append(missing, "network")
	}
	if d.Chain == "" {
		missing = append(missing, "chain")
	}
	if strings.TrimSpace(d.Artifact) == "" {
		missing = append(missing, "artifact")
	}
	if len(missing) > 0 {
		return fmt.Errorf("data source %q missing %s", d.ID, strings.Join(missing, ","))
	}
	return nil
}

// PrimaryFilterKey returns the first filter key, or "" when unfiltered.
func (d DataSourceDescriptor) PrimaryFilterKey() string {
	if len(d.FilterKeys) == 0 {
		return ""
	}
	return d.FilterKeys[0]
}
