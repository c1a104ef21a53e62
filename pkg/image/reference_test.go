package image

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDigest = "sha256:" + strings.Repeat("f", 64)

func TestReference_CacheKey(t *testing.T) {
	tests := []struct {
		ref  string
		want string
	}{
		{"busybox", "docker.io_library_busybox_latest"},
		{"quay.io/busybox", "quay.io_busybox_latest"},
		{"docker.io/test:tag", "docker.io_library_test_tag"},
		{"index.docker.io/library/busybox:1.36", "docker.io_library_busybox_1.36"},
		{"quay.io/test:5000", "quay.io_test_5000"},
		{"test.com/repo:tag", "test.com_repo_tag"},
		{"test.com/repo@" + testDigest, "test.com_repo_" + testDigest},
		{"quay.io/bpfman-bytecode/xdp_pass:latest", "quay.io_bpfman-bytecode_xdp_pass_latest"},
		{"localhost:5000/org/prog:v1", "localhost:5000_org_prog_v1"},
		{"quay.io/org/prog:v2@" + testDigest, "quay.io_org_prog_v2"},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			ref, err := ParseReference(tt.ref)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ref.CacheKey())
		})
	}
}

func TestParseReference(t *testing.T) {
	ref, err := ParseReference("busybox")
	require.NoError(t, err)
	assert.Equal(t, "busybox", ref.String())
	assert.Equal(t, "docker.io", ref.Registry())
	assert.Equal(t, "library/busybox", ref.Repository())
	assert.Equal(t, "latest", ref.Tag())
	assert.Empty(t, ref.Digest())

	ref, err = ParseReference("quay.io/org/prog:v2@" + testDigest)
	require.NoError(t, err)
	assert.Equal(t, "quay.io", ref.Registry())
	assert.Equal(t, "org/prog", ref.Repository())
	assert.Equal(t, "v2", ref.Tag())
	assert.Equal(t, testDigest, ref.Digest())

	ref, err = ParseReference("localhost:5000/repo@" + testDigest)
	require.NoError(t, err)
	assert.Equal(t, "localhost:5000", ref.Registry())
	assert.Empty(t, ref.Tag())
	assert.Equal(t, testDigest, ref.Digest())
}

func TestParseReference_Invalid(t *testing.T) {
	for _, s := range []string{"", "Not A Reference", "quay.io/UPPER/case:tag", "repo@sha256:short"} {
		_, err := ParseReference(s)
		assert.Error(t, err, s)
	}
}
