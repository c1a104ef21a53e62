// Package testutil builds bytecode images and serves them from an in-process
// OCI registry for tests.
package testutil

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	ggcrregistry "github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/stretchr/testify/require"
)

// Registry is an in-process OCI distribution registry.
type Registry struct {
	server *httptest.Server
	// Host is "127.0.0.1:port", usable as the registry part of a locator.
	Host string
}

// NewRegistry starts a registry that is shut down when the test ends.
func NewRegistry(t *testing.T) *Registry {
	t.Helper()
	srv := httptest.NewServer(ggcrregistry.New(ggcrregistry.Logger(log.New(io.Discard, "", 0))))
	t.Cleanup(srv.Close)
	return &Registry{
		server: srv,
		Host:   strings.TrimPrefix(srv.URL, "http://"),
	}
}

// Ref returns a locator for repo (e.g. "bytecode/xdp_pass:latest") on this registry.
func (r *Registry) Ref(repo string) string {
	return r.Host + "/" + repo
}

// Push uploads img under ref.
func (r *Registry) Push(t *testing.T, ref string, img v1.Image) {
	t.Helper()
	parsed, err := name.ParseReference(ref)
	require.NoError(t, err)
	require.NoError(t, remote.Write(parsed, img))
}

// PlatformImage is one entry of a multi-platform index.
type PlatformImage struct {
	Platform v1.Platform
	Image    v1.Image
}

// PushIndex uploads a multi-platform index under ref.
func (r *Registry) PushIndex(t *testing.T, ref string, images ...PlatformImage) {
	t.Helper()
	parsed, err := name.ParseReference(ref)
	require.NoError(t, err)

	idx := mutate.IndexMediaType(empty.Index, types.OCIImageIndex)
	for _, pi := range images {
		platform := pi.Platform
		idx = mutate.AppendManifests(idx, mutate.IndexAddendum{
			Add:        pi.Image,
			Descriptor: v1.Descriptor{Platform: &platform},
		})
	}
	require.NoError(t, remote.WriteIndex(parsed, idx))
}

// DefaultLabels are the program labels a valid bytecode image carries.
func DefaultLabels() map[string]string {
	return map[string]string{
		"io.ebpf.program_name":      "xdp_pass",
		"io.ebpf.bpf_function_name": "pass",
		"io.ebpf.program_type":      "xdp",
		"io.ebpf.filename":          "bpf_bpfel.o",
	}
}

// File is one entry of a layer tarball.
type File struct {
	Name    string
	Content []byte
}

// Tarball returns a gzip-compressed tar archive holding files in order.
func Tarball(t *testing.T, files ...File) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, f := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     f.Name,
			Mode:     0644,
			Size:     int64(len(f.Content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write(f.Content)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// BytecodeImage builds a single-layer OCI image whose layer is exactly
// layerData and whose config carries labels.
func BytecodeImage(t *testing.T, layerData []byte, labels map[string]string) v1.Image {
	t.Helper()
	return imageWithLayers(t, labels, static.NewLayer(layerData, types.OCILayer))
}

// ImageWithLayerTypes builds an image with one layer per media type, each
// holding a tarball with a single file.
func ImageWithLayerTypes(t *testing.T, labels map[string]string, mediaTypes ...types.MediaType) v1.Image {
	t.Helper()
	var layers []v1.Layer
	for i, mt := range mediaTypes {
		data := Tarball(t, File{Name: "layer.o", Content: []byte{byte(i + 1)}})
		layers = append(layers, static.NewLayer(data, mt))
	}
	return imageWithLayers(t, labels, layers...)
}

func imageWithLayers(t *testing.T, labels map[string]string, layers ...v1.Layer) v1.Image {
	t.Helper()
	img := mutate.MediaType(empty.Image, types.OCIManifestSchema1)
	img = mutate.ConfigMediaType(img, types.OCIConfigJSON)

	img, err := mutate.AppendLayers(img, layers...)
	require.NoError(t, err)

	img, err = mutate.Config(img, v1.Config{Labels: labels})
	require.NoError(t, err)
	return img
}
