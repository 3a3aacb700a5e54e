package security

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeResolver map[string][]string

func (f fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if addrs, ok := f[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

func TestValidateRelayURL(t *testing.T) {
	resolver := fakeResolver{
		"relay.kocbridge.vn": {"203.0.113.10"},
		"sneaky.example":     {"203.0.113.11", "10.0.0.5"},
	}
	tests := []struct {
		url string
		ok  bool
	}{
		{"https://relay.kocbridge.vn/hooks", true},
		{"https://203.0.113.20/hooks", true},
		{"http://relay.kocbridge.vn/hooks", false},
		{"https://localhost/hooks", false},
		{"https://127.0.0.1/hooks", false},
		{"https://192.168.1.4/hooks", false},
		{"https://169.254.169.254/latest", false},
		{"https://sneaky.example/hooks", false},
		{"https://unknown.example/hooks", false},
		{"https:///nohost", false},
	}
	for _, tc := range tests {
		t.Run(tc.url, func(t *testing.T) {
			err := ValidateRelayURL(context.Background(), tc.url, resolver)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
