package resolver

import (
	"fmt"
	"io"

	"golang.org/x/crypto/openpgp"

	"github.com/future-io/sw/internal/depdata"
)

// Verifier checks an archive's authenticity beyond its content hash (e.g. a
// detached cryptographic signature). It runs on every fresh download;
// Settings.VerifyAll makes cache hits be downloaded again so they pass
// through it too. NoVerifier
// accepts everything; OpenPGPVerifier is the concrete signature-checking
// implementation.
type Verifier interface {
	Verify(archive io.Reader, meta depdata.DownloadDependency) error
}

// NoVerifier is the default Verifier: every archive passes.
type NoVerifier struct{}

// Verify always succeeds.
func (NoVerifier) Verify(io.Reader, depdata.DownloadDependency) error { return nil }

// OpenPGPVerifier checks an archive against a detached OpenPGP signature,
// grounded on the teacher's update.verifySignature
// (thought-machine-please/src/update/verify.go): load an armored public
// keyring once, then check each archive against the signature SignatureFor
// locates for it.
type OpenPGPVerifier struct {
	KeyRing openpgp.EntityList

	// SignatureFor returns the detached, armored signature for meta's
	// archive.
	SignatureFor func(meta depdata.DownloadDependency) (io.Reader, error)
}

// NewOpenPGPVerifier parses an armored public keyring and builds an
// OpenPGPVerifier around it.
func NewOpenPGPVerifier(armoredKeyRing io.Reader, signatureFor func(depdata.DownloadDependency) (io.Reader, error)) (*OpenPGPVerifier, error) {
	entities, err := openpgp.ReadArmoredKeyRing(armoredKeyRing)
	if err != nil {
		return nil, fmt.Errorf("resolver: reading verifier keyring: %w", err)
	}
	return &OpenPGPVerifier{KeyRing: entities, SignatureFor: signatureFor}, nil
}

// Verify reports whether archive carries a signature from v.KeyRing
// matching the content read from it exactly.
func (v *OpenPGPVerifier) Verify(archive io.Reader, meta depdata.DownloadDependency) error {
	sig, err := v.SignatureFor(meta)
	if err != nil {
		return fmt.Errorf("fetching signature for %s: %w", meta.PackageId, err)
	}
	signer, err := openpgp.CheckArmoredDetachedSignature(v.KeyRing, archive, sig)
	if err != nil {
		return fmt.Errorf("signature check for %s: %w", meta.PackageId, err)
	}
	if signer == nil {
		return fmt.Errorf("signature check for %s: no matching signer in keyring", meta.PackageId)
	}
	return nil
}
