package image

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
)

// getBytecode returns the first file of the cached first layer after checking
// the layer still matches the digest recorded in the manifest. It never
// writes to the store.
func (m *Manager) getBytecode(log *logrus.Entry, prefix string) ([]byte, error) {
	raw, found, err := m.store.Get(prefix + manifestKey)
	if err != nil {
		return nil, newError(KindStoreError, "read manifest", prefix, err)
	}
	if !found {
		return nil, newError(KindNotFound, "read manifest", prefix, nil)
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, newError(KindStoreError, "parse manifest", prefix, err)
	}
	if len(manifest.Layers) == 0 {
		return nil, newError(KindExtractionFailure, "read manifest", prefix, errors.New("image has no layers"))
	}

	expected := manifest.Layers[0].Digest
	if err := expected.Validate(); err != nil {
		return nil, newError(KindStoreError, "parse layer digest", prefix, err)
	}

	blob, found, err := m.store.Get(prefix + expected.Encoded())
	if err != nil {
		return nil, newError(KindStoreError, "read layer", prefix, err)
	}
	if !found {
		return nil, newError(KindStoreError, "read layer", prefix, fmt.Errorf("layer %s missing", expected))
	}

	actual := expected.Algorithm().FromBytes(blob)
	if actual != expected {
		log.WithFields(logrus.Fields{
			"expected": expected.String(),
			"actual":   actual.String(),
		}).Error("Cached layer does not match its manifest digest")
		return nil, newError(KindIntegrityViolation, "verify layer", prefix,
			fmt.Errorf("expected %s, got %s", expected, actual))
	}

	data, err := firstFile(blob)
	if err != nil {
		return nil, newError(KindExtractionFailure, "unpack layer", prefix, err)
	}
	return data, nil
}

// firstFile returns the content of the first regular file in a gzip
// compressed tar archive.
func firstFile(blob []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil, errors.New("layer archive contains no files")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar header: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", header.Name, err)
		}
		return data, nil
	}
}
