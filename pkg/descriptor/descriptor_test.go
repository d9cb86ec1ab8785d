package descriptor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorPath(t *testing.T) {
	assert.Equal(t, filepath.Join("build", "receipts", "CarTrading-ganache.json"),
		DescriptorPath("build/receipts", "CarTrading", "ganache"))
}

func TestReadDescriptor(t *testing.T) {
	dir := t.TempDir()
	path := DescriptorPath(dir, "CarTrading", "ganache")
	body := `{"address":"0x5FbDB2315678afecb367f032d93F642f64180aa3","jsonInterface":[{"type":"function","name":"getCarCount","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"}]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	d, err := ReadDescriptor(path)
	require.NoError(t, err)
	assert.Equal(t, "0x5FbDB2315678afecb367f032d93F642f64180aa3", d.Address)
	assert.Contains(t, string(d.JsonInterface), "getCarCount")
}

func TestParseDescriptor_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty", ``, "empty"},
		{"not json", `{`, "unmarshal"},
		{"no address", `{"jsonInterface":[]}`, "missing address"},
		{"no interface", `{"address":"0x5FbDB2315678afecb367f032d93F642f64180aa3"}`, "missing jsonInterface"},
		{"null interface", `{"address":"0x5FbDB2315678afecb367f032d93F642f64180aa3","jsonInterface":null}`, "missing jsonInterface"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDescriptor([]byte(tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := ReadDescriptor(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
