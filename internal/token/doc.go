// Package token issues and validates envelope-encrypted tokens.
//
// Wire format: the token is URL-safe unpadded base64 of the standard
// base64 encoding of IV(16) || AES-256-CBC(PKCS#7(JSON payload)). The
// payload carries its own key ID. Validation tries the current key first,
// then retained keys newest to oldest, and accepts a trial decryption only
// when the payload parses and its key ID names the key that opened it.
//
// Enterprise tokens are session credentials; invitation tokens are
// single- or multi-use credentials for joining a company. Service
// assertions are short-lived HS256 JWTs signed with the current key's
// signing subkey.
package token
