package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	info := Get()

	assert.Equal(t, Version, info.Version)
	assert.Equal(t, Commit, info.Commit)
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.Platform, "/")
}

func TestString(t *testing.T) {
	s := Info{Version: "v1.4.0", Commit: "abc1234", BuildTime: "2026-08-01"}.String()

	assert.Equal(t, "post v1.4.0 (commit abc1234, built 2026-08-01)", s)
}

func TestUserAgent(t *testing.T) {
	assert.True(t, strings.HasPrefix(UserAgent(), "mwmbl-post/"))
}
