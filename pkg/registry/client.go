// Package registry fetches bytecode images from an OCI distribution registry.
package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/sirupsen/logrus"
)

const userAgent = "bytecache"

// LayerMediaTypes are the compressed tarball layer types a bytecode image may use.
var LayerMediaTypes = []types.MediaType{
	types.OCILayer,
	types.DockerLayer,
}

// ManifestAndConfig is an image manifest with its config document.
type ManifestAndConfig struct {
	// RawManifest is the manifest exactly as served by the registry.
	RawManifest []byte
	Manifest    *v1.Manifest
	RawConfig   []byte
}

// Layer is a fetched layer blob in its compressed form.
type Layer struct {
	Digest    v1.Hash
	MediaType types.MediaType
	Data      []byte
}

// Client is the registry capability the image manager depends on.
type Client interface {
	// PullManifestAndConfig fetches the manifest and config of ref.
	PullManifestAndConfig(ctx context.Context, ref string, auth authn.Authenticator) (*ManifestAndConfig, error)
	// PullLayers fetches the layers of ref whose media type is one of
	// mediaTypes, in manifest order.
	PullLayers(ctx context.Context, ref string, auth authn.Authenticator, mediaTypes []types.MediaType) ([]Layer, error)
}

// RemoteClient implements Client with go-containerregistry.
type RemoteClient struct {
	nameOptions []name.Option
	transport   http.RoundTripper
	platform    v1.Platform
	log         *logrus.Entry
}

// Option configures a RemoteClient.
type Option func(*RemoteClient)

// WithInsecure allows plain HTTP registries.
func WithInsecure() Option {
	return func(c *RemoteClient) {
		c.nameOptions = append(c.nameOptions, name.Insecure)
	}
}

// WithTransport sets the HTTP transport used for registry calls.
func WithTransport(t http.RoundTripper) Option {
	return func(c *RemoteClient) {
		c.transport = t
	}
}

// WithPlatform selects which image of a multi-platform index is pulled.
func WithPlatform(p v1.Platform) Option {
	return func(c *RemoteClient) {
		c.platform = p
	}
}

// NewRemoteClient creates a registry client. By default the image matching
// the host platform is chosen from multi-platform indexes.
func NewRemoteClient(log *logrus.Entry, opts ...Option) *RemoteClient {
	c := &RemoteClient{
		platform: v1.Platform{OS: runtime.GOOS, Architecture: runtime.GOARCH},
		log:      log.WithField("component", "registry-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RemoteClient) remoteOptions(ctx context.Context, auth authn.Authenticator) []remote.Option {
	if auth == nil {
		auth = authn.Anonymous
	}
	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithUserAgent(userAgent),
		remote.WithAuth(auth),
		remote.WithPlatform(c.platform),
	}
	if c.transport != nil {
		opts = append(opts, remote.WithTransport(c.transport))
	}
	return opts
}

func (c *RemoteClient) reference(refString string) (name.Reference, error) {
	ref, err := name.ParseReference(refString, c.nameOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse image reference %s: %w", refString, err)
	}
	return ref, nil
}

func (c *RemoteClient) image(ctx context.Context, refString string, auth authn.Authenticator) (v1.Image, error) {
	ref, err := c.reference(refString)
	if err != nil {
		return nil, err
	}

	desc, err := remote.Get(ref, c.remoteOptions(ctx, auth)...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest for %s: %w", refString, err)
	}
	if desc.MediaType.IsIndex() {
		c.log.WithField("ref", refString).Debugf("Resolving multi-platform index for %s/%s", c.platform.OS, c.platform.Architecture)
	}

	img, err := desc.Image()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve image %s: %w", refString, err)
	}
	return img, nil
}

// PullManifestAndConfig implements Client.
func (c *RemoteClient) PullManifestAndConfig(ctx context.Context, ref string, auth authn.Authenticator) (*ManifestAndConfig, error) {
	img, err := c.image(ctx, ref, auth)
	if err != nil {
		return nil, err
	}

	rawManifest, err := img.RawManifest()
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	manifest, err := img.Manifest()
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	rawConfig, err := img.RawConfigFile()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch config %s: %w", manifest.Config.Digest, err)
	}

	return &ManifestAndConfig{
		RawManifest: rawManifest,
		Manifest:    manifest,
		RawConfig:   rawConfig,
	}, nil
}

// PullLayers implements Client.
func (c *RemoteClient) PullLayers(ctx context.Context, ref string, auth authn.Authenticator, mediaTypes []types.MediaType) ([]Layer, error) {
	img, err := c.image(ctx, ref, auth)
	if err != nil {
		return nil, err
	}

	manifest, err := img.Manifest()
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	var layers []Layer
	for _, desc := range manifest.Layers {
		if !accepted(desc.MediaType, mediaTypes) {
			c.log.WithField("ref", ref).Debugf("Skipping layer %s with media type %s", desc.Digest, desc.MediaType)
			continue
		}

		data, err := c.readLayer(img, desc.Digest)
		if err != nil {
			return nil, err
		}
		layers = append(layers, Layer{
			Digest:    desc.Digest,
			MediaType: desc.MediaType,
			Data:      data,
		})
	}

	return layers, nil
}

// readLayer reads the compressed blob. The remote reader checks the digest
// once the blob is fully read.
func (c *RemoteClient) readLayer(img v1.Image, digest v1.Hash) ([]byte, error) {
	layer, err := img.LayerByDigest(digest)
	if err != nil {
		return nil, fmt.Errorf("failed to get layer %s: %w", digest, err)
	}

	rc, err := layer.Compressed()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch layer %s: %w", digest, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read layer %s: %w", digest, err)
	}
	return data, nil
}

func accepted(mt types.MediaType, mediaTypes []types.MediaType) bool {
	for _, want := range mediaTypes {
		if mt == want {
			return true
		}
	}
	return false
}
