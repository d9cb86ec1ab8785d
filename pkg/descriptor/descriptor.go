package descriptor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ContractDescriptor identifies one deployed contract instance on one network.
// It is the receipt written by the deployment tooling.
type ContractDescriptor struct {
	Address       string          `json:"address"`
	JsonInterface json.RawMessage `json:"jsonInterface"`
}

// DescriptorPath returns the receipt path for a contract deployed to a network,
// <receiptDir>/<contract>-<network>.json.
func DescriptorPath(receiptDir string, contract string, network string) string {
	return filepath.Join(receiptDir, fmt.Sprintf("%s-%s.json", contract, network))
}

// ReadDescriptor loads a descriptor from disk. Field contents are not interpreted here;
// the trading manager validates them at binding time.
func ReadDescriptor(path string) (*ContractDescriptor, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read contract descriptor %s: %w", absPath, err)
	}
	return ParseDescriptor(data)
}

func ParseDescriptor(data []byte) (*ContractDescriptor, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot parse empty contract descriptor")
	}

	var d ContractDescriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal contract descriptor: %w", err)
	}
	if d.Address == "" {
		return nil, fmt.Errorf("contract descriptor is missing address")
	}
	if len(d.JsonInterface) == 0 || string(d.JsonInterface) == "null" {
		return nil, fmt.Errorf("contract descriptor is missing jsonInterface")
	}
	return &d, nil
}
