package oracle

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ruteri/threshold-key-manager/interfaces"
)

// StaticDirectory serves node details from a fixed table. Verifiers
// without an entry of their own fall back to Default.
type StaticDirectory struct {
	Default   *interfaces.NodeDetails            `yaml:"default"`
	Verifiers map[string]*interfaces.NodeDetails `yaml:"verifiers"`
}

var _ interfaces.NodeDirectory = (*StaticDirectory)(nil)

// LoadStaticDirectory reads a directory file such as:
//
//	default:
//	  threshold: 2
//	  endpoints: [http://node1:8080, http://node2:8080, http://node3:8080]
//	  publicKeys: [02ab..., 03cd..., 02ef...]
func LoadStaticDirectory(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: could not read node directory: %v", interfaces.ErrConfiguration, err)
	}
	return ParseStaticDirectory(data)
}

// ParseStaticDirectory decodes and validates a YAML directory.
func ParseStaticDirectory(data []byte) (*StaticDirectory, error) {
	var d StaticDirectory
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: invalid node directory: %v", interfaces.ErrConfiguration, err)
	}
	if d.Default != nil {
		if err := ValidateNodeDetails(d.Default); err != nil {
			return nil, err
		}
	}
	for name, nd := range d.Verifiers {
		if err := ValidateNodeDetails(nd); err != nil {
			return nil, fmt.Errorf("verifier %s: %w", name, err)
		}
	}
	return &d, nil
}

func (d *StaticDirectory) GetNodeDetails(ctx context.Context, verifier, verifierID string) (*interfaces.NodeDetails, error) {
	if nd, ok := d.Verifiers[verifier]; ok && nd != nil {
		return nd, nil
	}
	if d.Default != nil {
		return d.Default, nil
	}
	return nil, fmt.Errorf("%w: no oracle nodes for verifier %q", interfaces.ErrConfiguration, verifier)
}

// ValidateNodeDetails checks that a node set can ever reach its threshold.
func ValidateNodeDetails(nd *interfaces.NodeDetails) error {
	if nd == nil {
		return fmt.Errorf("%w: empty node details", interfaces.ErrConfiguration)
	}
	if len(nd.Endpoints) == 0 {
		return fmt.Errorf("%w: no oracle endpoints", interfaces.ErrConfiguration)
	}
	if len(nd.PublicKeys) != len(nd.Endpoints) {
		return fmt.Errorf("%w: %d endpoints but %d node keys", interfaces.ErrConfiguration, len(nd.Endpoints), len(nd.PublicKeys))
	}
	if nd.Threshold < 1 || nd.Threshold > len(nd.Endpoints) {
		return fmt.Errorf("%w: threshold %d invalid for %d nodes", interfaces.ErrConfiguration, nd.Threshold, len(nd.Endpoints))
	}
	return nil
}
