package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfo_Short(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want string
	}{
		{name: "full sha", info: Info{Version: "1.2.0", Commit: "abc1234def5678"}, want: "1.2.0 (abc1234)"},
		{name: "short sha", info: Info{Version: "1.2.0", Commit: "abc"}, want: "1.2.0 (abc)"},
		{name: "unknown", info: Get(), want: Version + " (unknown)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.info.Short())
		})
	}
}
