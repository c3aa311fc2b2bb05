package discovery

import (
	"crypto/sha1"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfoHashStable(t *testing.T) {
	h := InfoHash()
	require.Len(t, h[:], sha1.Size)
	assert.Equal(t, InfoHash(), h)
	assert.Equal(t, sha1.Sum([]byte("haimesh-community-map-v1")), h)
}

func TestNextBackoff(t *testing.T) {
	tests := []struct {
		current time.Duration
		want    time.Duration
	}{
		{30 * time.Second, time.Minute},
		{time.Minute, 2 * time.Minute},
		{4 * time.Minute, 8 * time.Minute},
		{8 * time.Minute, 10 * time.Minute},
		{10 * time.Minute, 10 * time.Minute},
		{time.Second, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nextBackoff(tt.current), "from %s", tt.current)
	}
}
