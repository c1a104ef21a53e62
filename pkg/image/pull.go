package image

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"bytecache/pkg/registry"
)

const manifestKey = "manifest.json"

var errIncompleteEntry = errors.New("incomplete cache entry")

type entryState int

const (
	entryAbsent entryState = iota
	entryPartial
	entryComplete
)

// getImage verifies the image, then serves it from the store or the registry
// as the pull policy requires.
func (m *Manager) getImage(log *logrus.Entry, cmd *PullCommand) (PullResult, string, error) {
	ref, err := ParseReference(cmd.Image)
	if err != nil {
		return PullResult{}, outcomeFor(err, false), newError(KindInvalidLocator, "parse locator", cmd.Image, err)
	}

	if err := m.verifier.Verify(m.ctx, cmd.Image, cmd.Username, cmd.Password); err != nil {
		return PullResult{}, outcomeFor(err, false), newError(KindVerificationFailure, "verify signature", cmd.Image, err)
	}

	prefix := ref.CacheKey()
	log = log.WithField("prefix", prefix)

	entry, err := m.cacheState(log, prefix)
	if err != nil {
		return PullResult{}, outcomeFor(err, false), err
	}

	var (
		meta   *ContainerImageMetadata
		cached bool
	)
	switch cmd.PullPolicy {
	case PullAlways:
		meta, err = m.pullImage(log, cmd, prefix)
	case PullIfNotPresent:
		if entry == entryComplete {
			meta, err = m.loadImageMeta(prefix)
			cached = true
		} else {
			if entry == entryPartial {
				log.Warn("Re-pulling incomplete cache entry")
			}
			meta, err = m.pullImage(log, cmd, prefix)
		}
	case PullNever:
		switch entry {
		case entryComplete:
			meta, err = m.loadImageMeta(prefix)
			cached = true
		case entryPartial:
			err = newError(KindNotFound, "pull policy Never", cmd.Image, errIncompleteEntry)
		default:
			err = newError(KindNotFound, "pull policy Never", cmd.Image, nil)
		}
	default:
		err = newError(KindInvalidLocator, "pull policy", cmd.Image, fmt.Errorf("unknown pull policy %d", int(cmd.PullPolicy)))
	}
	if err != nil {
		return PullResult{}, outcomeFor(err, cached), err
	}

	return PullResult{Prefix: prefix, FunctionName: meta.FunctionName}, outcomeFor(nil, cached), nil
}

// cacheState reports whether prefix holds a parsable manifest together with
// its config and first layer.
func (m *Manager) cacheState(log *logrus.Entry, prefix string) (entryState, error) {
	raw, found, err := m.store.Get(prefix + manifestKey)
	if err != nil {
		return entryAbsent, newError(KindStoreError, "read manifest", prefix, err)
	}
	if !found {
		return entryAbsent, nil
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		log.WithError(err).Warn("Cached manifest is unreadable")
		return entryPartial, nil
	}
	if len(manifest.Layers) == 0 {
		log.Warn("Cached manifest has no layers")
		return entryPartial, nil
	}

	for _, d := range []digest.Digest{manifest.Config.Digest, manifest.Layers[0].Digest} {
		if err := d.Validate(); err != nil {
			log.WithError(err).Warn("Cached manifest has an invalid digest")
			return entryPartial, nil
		}
		key := d.Encoded()
		ok, err := m.store.ContainsKey(prefix + key)
		if err != nil {
			return entryAbsent, newError(KindStoreError, "check cache entry", prefix, err)
		}
		if !ok {
			log.WithField("missing", key).Warn("Cache entry is incomplete")
			return entryPartial, nil
		}
	}
	return entryComplete, nil
}

// pullImage fetches manifest, config and the first bytecode layer and writes
// each to the store as soon as it is available.
func (m *Manager) pullImage(log *logrus.Entry, cmd *PullCommand, prefix string) (*ContainerImageMetadata, error) {
	auth := authenticator(cmd.Username, cmd.Password)

	mc, err := m.client.PullManifestAndConfig(m.ctx, cmd.Image, auth)
	if err != nil {
		return nil, newError(KindRegistryPullFailure, "pull manifest and config", cmd.Image, err)
	}
	log.Tracef("Raw manifest: %s", mc.RawManifest)
	log.Tracef("Raw config: %s", mc.RawConfig)

	if err := m.put(prefix+manifestKey, mc.RawManifest); err != nil {
		return nil, newError(KindStoreError, "write manifest", prefix, err)
	}

	if len(mc.Manifest.Layers) == 0 {
		return nil, newError(KindExtractionFailure, "read manifest", cmd.Image, errors.New("image has no layers"))
	}
	configHex := mc.Manifest.Config.Digest.Hex
	layerDigest := mc.Manifest.Layers[0].Digest

	meta, err := ParseMetadata(mc.RawConfig)
	if err != nil {
		return nil, newError(KindExtractionFailure, "decode labels", cmd.Image, err)
	}

	if err := m.put(prefix+configHex, mc.RawConfig); err != nil {
		return nil, newError(KindStoreError, "write config", prefix, err)
	}

	layers, err := m.client.PullLayers(m.ctx, cmd.Image, auth, registry.LayerMediaTypes)
	if err != nil {
		return nil, newError(KindLayerPullFailure, "pull layers", cmd.Image, err)
	}
	if len(layers) == 0 {
		return nil, newError(KindExtractionFailure, "select layer", cmd.Image, errors.New("image has no gzip tar layer"))
	}
	if layers[0].Digest != layerDigest {
		return nil, newError(KindExtractionFailure, "select layer", cmd.Image,
			fmt.Errorf("first layer %s is not a gzip tar layer", layerDigest))
	}

	if err := m.put(prefix+layerDigest.Hex, layers[0].Data); err != nil {
		return nil, newError(KindStoreError, "write layer", prefix, err)
	}

	log.WithFields(logrus.Fields{
		"program":  meta.Name,
		"type":     meta.ProgramType,
		"filename": meta.Filename,
	}).Debug("Cached bytecode image")
	return meta, nil
}

// loadImageMeta decodes the program labels of a cached image. The caller must
// have checked that the entry is complete.
func (m *Manager) loadImageMeta(prefix string) (*ContainerImageMetadata, error) {
	raw, found, err := m.store.Get(prefix + manifestKey)
	if err != nil {
		return nil, newError(KindStoreError, "read manifest", prefix, err)
	}
	if !found {
		return nil, newError(KindStoreError, "read manifest", prefix, errors.New("manifest missing"))
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, newError(KindStoreError, "parse manifest", prefix, err)
	}

	if err := manifest.Config.Digest.Validate(); err != nil {
		return nil, newError(KindStoreError, "parse manifest", prefix, err)
	}
	rawConfig, found, err := m.store.Get(prefix + manifest.Config.Digest.Encoded())
	if err != nil {
		return nil, newError(KindStoreError, "read config", prefix, err)
	}
	if !found {
		return nil, newError(KindStoreError, "read config", prefix, errors.New("config missing"))
	}

	meta, err := ParseMetadata(rawConfig)
	if err != nil {
		return nil, newError(KindStoreError, "decode labels", prefix, err)
	}
	return meta, nil
}

// put inserts value and flushes the store.
func (m *Manager) put(key string, value []byte) error {
	if err := m.store.Insert(key, value); err != nil {
		return err
	}
	return m.store.Flush()
}

func authenticator(username, password *string) authn.Authenticator {
	if username != nil && password != nil {
		return &authn.Basic{Username: *username, Password: *password}
	}
	return authn.Anonymous
}
