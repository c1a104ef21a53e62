// Package verify checks image signatures with Sigstore/Cosign before an image
// is admitted to the cache.
package verify

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/sigstore/cosign/v2/cmd/cosign/cli/fulcio"
	"github.com/sigstore/cosign/v2/pkg/cosign"
	ociremote "github.com/sigstore/cosign/v2/pkg/oci/remote"
	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"github.com/sigstore/sigstore/pkg/signature"
	"github.com/sirupsen/logrus"
)

var (
	// ErrSignatureNotFound means the image carries no signature at all.
	ErrSignatureNotFound = errors.New("no signature found")
	// ErrSignatureInvalid means signatures exist but none satisfy the policy.
	ErrSignatureInvalid = errors.New("signature verification failed")
)

// Verifier decides whether an image may be pulled. Username and password are
// nil when the registry is accessed anonymously.
type Verifier interface {
	Verify(ctx context.Context, image string, username, password *string) error
}

// Func adapts a function to the Verifier interface.
type Func func(ctx context.Context, image string, username, password *string) error

// Verify implements Verifier.
func (f Func) Verify(ctx context.Context, image string, username, password *string) error {
	return f(ctx, image, username, password)
}

// Options configures a CosignVerifier.
type Options struct {
	// AllowUnsigned lets images without any signature through. An image
	// whose signatures fail verification is always rejected.
	AllowUnsigned bool
	// PublicKeyPath selects public key mode. When empty, keyless
	// verification against the public Sigstore instance is used.
	PublicKeyPath string
	// IdentityRegexp and IssuerRegexp restrict keyless signer identities.
	IdentityRegexp string
	IssuerRegexp   string
}

// CosignVerifier verifies image signatures with Cosign.
type CosignVerifier struct {
	allowUnsigned bool
	checkOpts     cosign.CheckOpts
	log           *logrus.Entry
}

// NewCosignVerifier prepares the trust material for verification. In keyless
// mode this fetches the Sigstore roots, so it may perform network I/O.
func NewCosignVerifier(ctx context.Context, opts Options, log *logrus.Entry) (*CosignVerifier, error) {
	v := &CosignVerifier{
		allowUnsigned: opts.AllowUnsigned,
		checkOpts: cosign.CheckOpts{
			ClaimVerifier: cosign.SimpleClaimVerifier,
		},
		log: log.WithField("component", "cosign-verifier"),
	}

	var err error
	if opts.PublicKeyPath != "" {
		err = v.configurePublicKey(opts.PublicKeyPath)
	} else {
		err = v.configureKeyless(ctx, opts)
	}
	if err != nil {
		return nil, err
	}

	if opts.AllowUnsigned {
		v.log.Info("Unsigned images are allowed")
	}
	return v, nil
}

func (v *CosignVerifier) configurePublicKey(path string) error {
	pem, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read public key %s: %w", path, err)
	}
	pubKey, err := cryptoutils.UnmarshalPEMToPublicKey(pem)
	if err != nil {
		return fmt.Errorf("failed to parse public key %s: %w", path, err)
	}
	sv, err := signature.LoadVerifier(pubKey, crypto.SHA256)
	if err != nil {
		return fmt.Errorf("failed to load signature verifier: %w", err)
	}

	v.checkOpts.SigVerifier = sv
	v.checkOpts.IgnoreSCT = true
	v.checkOpts.IgnoreTlog = true
	return nil
}

func (v *CosignVerifier) configureKeyless(ctx context.Context, opts Options) error {
	roots, err := fulcio.GetRoots()
	if err != nil {
		return fmt.Errorf("failed to get Fulcio roots: %w", err)
	}
	intermediates, err := fulcio.GetIntermediates()
	if err != nil {
		return fmt.Errorf("failed to get Fulcio intermediates: %w", err)
	}
	rekorPubs, err := cosign.GetRekorPubs(ctx)
	if err != nil {
		return fmt.Errorf("failed to get Rekor public keys: %w", err)
	}
	ctLogPubs, err := cosign.GetCTLogPubs(ctx)
	if err != nil {
		return fmt.Errorf("failed to get CT log public keys: %w", err)
	}

	v.checkOpts.RootCerts = roots
	v.checkOpts.IntermediateCerts = intermediates
	v.checkOpts.RekorPubKeys = rekorPubs
	v.checkOpts.CTLogPubKeys = ctLogPubs
	v.checkOpts.Identities = []cosign.Identity{{
		SubjectRegExp: orMatchAll(opts.IdentityRegexp),
		IssuerRegExp:  orMatchAll(opts.IssuerRegexp),
	}}
	return nil
}

func orMatchAll(re string) string {
	if re == "" {
		return ".*"
	}
	return re
}

// Verify implements Verifier.
func (v *CosignVerifier) Verify(ctx context.Context, image string, username, password *string) error {
	ref, err := name.ParseReference(image)
	if err != nil {
		return fmt.Errorf("failed to parse image reference %s: %w", image, err)
	}

	co := v.checkOpts
	co.RegistryClientOpts = []ociremote.Option{
		ociremote.WithRemoteOptions(
			remote.WithContext(ctx),
			remote.WithAuth(authenticator(username, password)),
		),
	}

	log := v.log.WithField("ref", image)
	sigs, bundleVerified, err := cosign.VerifyImageSignatures(ctx, ref, &co)
	if err != nil {
		if isUnsigned(err) {
			if v.allowUnsigned {
				log.Warn("Image is not signed, continuing because unsigned images are allowed")
				return nil
			}
			return fmt.Errorf("%w for %s: %v", ErrSignatureNotFound, image, err)
		}
		return fmt.Errorf("%w for %s: %v", ErrSignatureInvalid, image, err)
	}

	log.WithField("signatures", len(sigs)).Debugf("Signature verified (bundle verified: %t)", bundleVerified)
	return nil
}

func authenticator(username, password *string) authn.Authenticator {
	if username != nil && password != nil {
		return &authn.Basic{Username: *username, Password: *password}
	}
	return authn.Anonymous
}

// isUnsigned reports whether err means no signature exists, as opposed to a
// signature that failed to verify.
func isUnsigned(err error) bool {
	var terr *transport.Error
	if errors.As(err, &terr) && terr.StatusCode == http.StatusNotFound {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "no signatures found")
}
