// Package keys manages the rotating symmetric keystore that seals tokens.
//
// A Manager holds one current key and a bounded set of superseded keys.
// Rotation publishes the new current key with a single compare-and-swap, so
// concurrent readers see either the old key or the new one. Superseded keys
// stay available for decryption until every token they could have sealed
// has expired; after that they are pruned by count and age.
//
// Each key carries two HKDF-derived subkeys: one for token encryption and
// one for signing service assertions.
package keys
