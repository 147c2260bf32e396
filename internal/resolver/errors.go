package resolver

import "errors"

// ErrDependencyNotResolved is returned when every configured remote failed
// to resolve a requested package, and also wraps a failed archive download.
var ErrDependencyNotResolved = errors.New("resolver: dependency could not be resolved against any remote")

// ErrIntegrity is returned when a downloaded archive's sha256 doesn't match
// the hash the resolving source predicted, and that source wasn't the local
// database (which gets one free retry-from-remote instead, see
// internal/localdb.ErrLocalDbHash), or when the Session's Verifier rejects
// the archive.
var ErrIntegrity = errors.New("resolver: archive failed integrity verification")

// ErrUnpack is returned when a downloaded archive can't be extracted.
var ErrUnpack = errors.New("resolver: failed to unpack archive")

// ErrConfig is returned when a package's config file can't be read after
// unpacking.
var ErrConfig = errors.New("resolver: failed to read package config")
