package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/google/go-containerregistry/pkg/authn"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bytecache/internal/testutil"
)

func newTestClient() *RemoteClient {
	return NewRemoteClient(logrus.NewEntry(logrus.New()))
}

func TestRemoteClient_PullManifestAndConfig(t *testing.T) {
	reg := testutil.NewRegistry(t)
	ref := reg.Ref("bytecode/xdp_pass:latest")
	img := testutil.BytecodeImage(t, testutil.Tarball(t, testutil.File{Name: "prog.o", Content: []byte("elf")}), testutil.DefaultLabels())
	reg.Push(t, ref, img)

	got, err := newTestClient().PullManifestAndConfig(context.Background(), ref, authn.Anonymous)
	require.NoError(t, err)

	wantManifest, err := img.RawManifest()
	require.NoError(t, err)
	assert.Equal(t, wantManifest, got.RawManifest)
	require.Len(t, got.Manifest.Layers, 1)

	var cfg struct {
		Config struct {
			Labels map[string]string `json:"Labels"`
		} `json:"config"`
	}
	require.NoError(t, json.Unmarshal(got.RawConfig, &cfg))
	assert.Equal(t, "pass", cfg.Config.Labels["io.ebpf.bpf_function_name"])
}

func TestRemoteClient_PullLayers(t *testing.T) {
	reg := testutil.NewRegistry(t)
	ref := reg.Ref("bytecode/mixed:v1")
	img := testutil.ImageWithLayerTypes(t, testutil.DefaultLabels(), types.OCIUncompressedLayer, types.OCILayer, types.DockerLayer)
	reg.Push(t, ref, img)

	layers, err := newTestClient().PullLayers(context.Background(), ref, nil, LayerMediaTypes)
	require.NoError(t, err)
	require.Len(t, layers, 2)
	assert.Equal(t, types.OCILayer, layers[0].MediaType)
	assert.Equal(t, types.DockerLayer, layers[1].MediaType)

	want, err := img.Manifest()
	require.NoError(t, err)
	assert.Equal(t, want.Layers[1].Digest, layers[0].Digest)
	assert.NotEmpty(t, layers[0].Data)
}

func TestRemoteClient_MissingImage(t *testing.T) {
	reg := testutil.NewRegistry(t)

	_, err := newTestClient().PullManifestAndConfig(context.Background(), reg.Ref("bytecode/absent:latest"), nil)
	assert.Error(t, err)
}

func TestRemoteClient_InvalidReference(t *testing.T) {
	_, err := newTestClient().PullLayers(context.Background(), "Not A Reference", nil, LayerMediaTypes)
	assert.Error(t, err)
}

func TestRemoteClient_WithPlatform(t *testing.T) {
	reg := testutil.NewRegistry(t)
	ref := reg.Ref("bytecode/multiarch:latest")
	amd64 := testutil.BytecodeImage(t, testutil.Tarball(t, testutil.File{Name: "prog.o", Content: []byte("amd64")}), testutil.DefaultLabels())
	arm64 := testutil.BytecodeImage(t, testutil.Tarball(t, testutil.File{Name: "prog.o", Content: []byte("arm64")}), testutil.DefaultLabels())
	reg.PushIndex(t, ref,
		testutil.PlatformImage{Platform: v1.Platform{OS: "linux", Architecture: "amd64"}, Image: amd64},
		testutil.PlatformImage{Platform: v1.Platform{OS: "linux", Architecture: "arm64"}, Image: arm64},
	)

	tests := []struct {
		arch string
		want v1.Image
	}{
		{arch: "amd64", want: amd64},
		{arch: "arm64", want: arm64},
	}
	for _, tt := range tests {
		t.Run(tt.arch, func(t *testing.T) {
			client := NewRemoteClient(logrus.NewEntry(logrus.New()), WithPlatform(v1.Platform{OS: "linux", Architecture: tt.arch}))

			got, err := client.PullManifestAndConfig(context.Background(), ref, nil)
			require.NoError(t, err)
			wantManifest, err := tt.want.RawManifest()
			require.NoError(t, err)
			assert.Equal(t, wantManifest, got.RawManifest)

			layers, err := client.PullLayers(context.Background(), ref, nil, LayerMediaTypes)
			require.NoError(t, err)
			require.Len(t, layers, 1)
			wantLayers, err := tt.want.Layers()
			require.NoError(t, err)
			wantDigest, err := wantLayers[0].Digest()
			require.NoError(t, err)
			assert.Equal(t, wantDigest, layers[0].Digest)
		})
	}

	_, err := NewRemoteClient(logrus.NewEntry(logrus.New()), WithPlatform(v1.Platform{OS: "linux", Architecture: "s390x"})).
		PullManifestAndConfig(context.Background(), ref, nil)
	assert.Error(t, err)
}

type countingTransport struct {
	requests atomic.Int32
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.requests.Add(1)
	return http.DefaultTransport.RoundTrip(req)
}

func TestRemoteClient_WithTransport(t *testing.T) {
	reg := testutil.NewRegistry(t)
	ref := reg.Ref("bytecode/xdp_pass:latest")
	reg.Push(t, ref, testutil.BytecodeImage(t, testutil.Tarball(t, testutil.File{Name: "prog.o", Content: []byte("elf")}), testutil.DefaultLabels()))

	transport := &countingTransport{}
	client := NewRemoteClient(logrus.NewEntry(logrus.New()), WithTransport(transport))

	_, err := client.PullManifestAndConfig(context.Background(), ref, nil)
	require.NoError(t, err)
	afterManifest := transport.requests.Load()
	assert.Positive(t, afterManifest)

	_, err = client.PullLayers(context.Background(), ref, nil, LayerMediaTypes)
	require.NoError(t, err)
	assert.Greater(t, transport.requests.Load(), afterManifest)
}

func TestRemoteClient_WithInsecure(t *testing.T) {
	ref, err := newTestClient().reference("registry.example.com/bytecode/xdp_pass:latest")
	require.NoError(t, err)
	assert.Equal(t, "https", ref.Context().Registry.Scheme())

	ref, err = NewRemoteClient(logrus.NewEntry(logrus.New()), WithInsecure()).reference("registry.example.com/bytecode/xdp_pass:latest")
	require.NoError(t, err)
	assert.Equal(t, "http", ref.Context().Registry.Scheme())
}
