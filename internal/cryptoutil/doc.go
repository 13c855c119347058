// Package cryptoutil holds the hashing and signature primitives used to
// check the integrity of fetched denylists and published versions.
//
//   - [KMSVerifier] verifies detached signatures locally against a public key
//     fetched once from AWS KMS (ECDSA P-256/P-384, RSA-PSS).
//   - [SHA256Hex] and [HashEqual] compute and compare list digests.
package cryptoutil
