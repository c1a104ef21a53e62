package image

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

const (
	dockerHubRegistry = "docker.io"
	defaultTag        = "latest"
)

// Reference is a parsed image locator.
type Reference struct {
	raw        string
	registry   string
	repository string
	tag        string
	digest     string
}

// ParseReference parses an image locator such as "quay.io/org/prog:v1" or
// "busybox". Docker Hub defaults are applied for short names.
func ParseReference(refString string) (*Reference, error) {
	ref, err := name.ParseReference(refString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse image reference %s: %w", refString, err)
	}

	r := &Reference{
		raw:        refString,
		registry:   normalizeRegistry(ref.Context().RegistryStr()),
		repository: ref.Context().RepositoryStr(),
	}

	switch v := ref.(type) {
	case name.Tag:
		r.tag = v.TagStr()
	case name.Digest:
		r.digest = v.DigestStr()
		r.tag = explicitTag(refString)
	}

	return r, nil
}

// normalizeRegistry reports Docker Hub under its short name.
func normalizeRegistry(registry string) string {
	if registry == name.DefaultRegistry {
		return dockerHubRegistry
	}
	return registry
}

// explicitTag returns the tag written before "@" in a locator that carries
// both a tag and a digest, or "" if there is none.
func explicitTag(refString string) string {
	base, _, ok := strings.Cut(refString, "@")
	if !ok {
		return ""
	}
	lastSlash := strings.LastIndex(base, "/")
	if i := strings.LastIndex(base, ":"); i > lastSlash {
		return base[i+1:]
	}
	return ""
}

func (r *Reference) String() string { return r.raw }

// Registry returns the registry host, e.g. "docker.io".
func (r *Reference) Registry() string { return r.registry }

// Repository returns the repository path, e.g. "library/busybox".
func (r *Reference) Repository() string { return r.repository }

// Tag returns the tag, or "" for digest-only references.
func (r *Reference) Tag() string { return r.tag }

// Digest returns the "algorithm:hex" digest, or "" for tag references.
func (r *Reference) Digest() string { return r.digest }

// CacheKey returns the store key prefix under which every artifact of this
// image is kept: {registry}_{repository}_{tag-or-digest}, with "/" in the
// repository replaced by "_". It is derived from the locator, not from content,
// so a re-pull of the same tag overwrites the previous entries.
func (r *Reference) CacheKey() string {
	suffix := r.tag
	if suffix == "" {
		suffix = r.digest
	}
	if suffix == "" {
		suffix = defaultTag
	}
	return fmt.Sprintf("%s_%s_%s", r.registry, strings.ReplaceAll(r.repository, "/", "_"), suffix)
}
