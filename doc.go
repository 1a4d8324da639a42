// Package authcore implements the authentication and session-security subsystem
// of the stayloop booking marketplace: credential login with brute-force lockout,
// TOTP two-factor challenges with single-use backup codes, stateless JWT access
// tokens, and rotating opaque refresh tokens with exactly-once redemption.
//
// The package is designed for concurrent server workloads: Engine methods are safe
// to call from multiple goroutines after initialization through [Builder.Build].
//
// # Architecture boundaries
//
// authcore is the public surface. It exposes [Engine], [Builder], [Config], the
// [AccountStore] integration interface, and value types (LoginResult, Identity,
// MetricsSnapshot). Flow orchestration, lockout and rate counters, and challenge
// storage live under internal/ and are never exported. Pluggable account storage
// lives under stores/, the HTTP transport under httpapi/, and request-time
// verification middleware under middleware/.
//
// # Trust root
//
// Access tokens are only as trustworthy as the signing key. [jwt.NewManager]
// rejects missing or malformed key material, and [Builder.Build] propagates that
// error; a process must treat it as fatal rather than serve requests with an
// undefined trust root.
//
// # Performance contract
//
// VerifyAccess is the hot path: pure signature and expiry checking with no store
// round-trips. Login, CompleteTwoFactor, and Refresh are allowed a bounded number
// of Redis and account-store round-trips per call, each under the configured
// store timeout.
package authcore
