package keySource

import (
	"context"
	"fmt"
	"strings"
)

// IKeySource yields the hex private key of the signing identity.
type IKeySource interface {
	PrivateKey(ctx context.Context) (string, error)
}

// StaticKeySource returns a key taken from configuration.
type StaticKeySource struct {
	key string
}

func NewStaticKeySource(key string) *StaticKeySource {
	return &StaticKeySource{key: key}
}

func (s *StaticKeySource) PrivateKey(ctx context.Context) (string, error) {
	key := strings.TrimSpace(s.key)
	if key == "" {
		return "", fmt.Errorf("private key is empty")
	}
	return key, nil
}
