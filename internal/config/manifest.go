package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/emperorhan/block-indexer/internal/domain/model"
)

// indexerIDSpace seeds deterministic ids for manifest entries without one.
var indexerIDSpace = uuid.MustParse("6f1c8a52-3c1e-4b7a-9d0e-2a5f4c8b9e17")

type Manifest struct {
	Indexers []IndexerManifest `yaml:"indexers"`
}

// IndexerManifest is one entry of the manifest. An omitted or zero
// start_block follows the stream head instead of replaying history.
type IndexerManifest struct {
	ID         string   `yaml:"id"`
	Namespace  string   `yaml:"namespace"`
	Network    string   `yaml:"network"`
	Chain      string   `yaml:"chain"`
	FilterKeys []string `yaml:"filter_keys"`
	StartBlock uint64   `yaml:"start_block"`
	Artifact   string   `yaml:"artifact"`
}

// LoadManifest reads the indexer manifest at path.
func LoadManifest(path string) ([]model.DataSourceDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes the manifest and turns every entry into a
// validated descriptor. Entries without an id get one derived from
// namespace and network, so restarts keep the same checkpoint.
func ParseManifest(data []byte) ([]model.DataSourceDescriptor, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if len(m.Indexers) == 0 {
		return nil, fmt.Errorf("manifest declares no indexers")
	}

	out := make([]model.DataSourceDescriptor, 0, len(m.Indexers))
	seen := make(map[string]int, len(m.Indexers))
	for i, entry := range m.Indexers {
		desc, err := entry.descriptor()
		if err != nil {
			return nil, fmt.Errorf("indexers[%d]: %w", i, err)
		}
		if prev, dup := seen[desc.ID]; dup {
			return nil, fmt.Errorf("indexers[%d]: id %q already used by indexers[%d]", i, desc.ID, prev)
		}
		seen[desc.ID] = i
		out = append(out, desc)
	}
	return out, nil
}

func (e IndexerManifest) descriptor() (model.DataSourceDescriptor, error) {
	chain, err := model.ParseChainKind(e.Chain)
	if err != nil {
		return model.DataSourceDescriptor{}, err
	}
	network := model.Network(strings.ToLower(strings.TrimSpace(e.Network)))
	namespace := strings.TrimSpace(e.Namespace)
	if namespace == "" {
		return model.DataSourceDescriptor{}, fmt.Errorf("namespace is required")
	}

	var keys []string
	for _, k := range e.FilterKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}

	id := strings.TrimSpace(e.ID)
	if id == "" {
		id = IndexerID(namespace, network)
	}

	desc := model.DataSourceDescriptor{
		ID:         id,
		Namespace:  namespace,
		Network:    network,
		Chain:      chain,
		FilterKeys: keys,
		StartBlock: e.StartBlock,
		Artifact:   strings.TrimSpace(e.Artifact),
	}
	if err := desc.Validate(); err != nil {
		return model.DataSourceDescriptor{}, err
	}
	return desc, nil
}

// IndexerID is the deterministic id of a namespace on a network.
func IndexerID(namespace string, network model.Network) string {
	return uuid.NewSHA1(indexerIDSpace, []byte(namespace+"/"+network.String())).String()
}
