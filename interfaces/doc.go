// Package interfaces defines the types, collaborator interfaces and
// sentinel errors shared by every package of the key manager, separating
// contracts from their implementations.
//
// # Shares and metadata
//
// Share is a point on a secp256k1 scalar-field polynomial. MetadataRecord is
// the public description of a key: threshold, generation, commitments and one
// ShareDescription per enrolled factor. Records travel inside signed
// RecordEnvelopes and are stored by a RecordBackend.
//
// # Collaborators
//
//   - MetadataTransport: reads envelopes and applies signed write batches
//   - KeyOracle and NodeDirectory: identity-gated key shares from oracle nodes
//   - DeviceStorage: per-device share persistence
//   - Authenticator: WebAuthn ceremonies for the passkey factor
//   - ProviderFactory: hand-off of the reconstructed key to a chain provider
//
// # Errors
//
// Every failure wraps one of the sentinel errors in errors.go; KindOf maps an
// error to its ErrorKind for callers that branch on classification.
package interfaces
