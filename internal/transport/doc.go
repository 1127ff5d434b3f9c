// Package transport owns the single authenticated SSH session a deployment
// runs over.
//
// Ownership boundary:
// - connect / authenticate / disconnect
// - session channels and their event streams
// - the sftp file-transfer sub-session
//
// Lifecycle order:
// - Dial (connected) -> Authenticate (authenticated) -> Close (closed)
//
// - channels and file transfers require the authenticated state.
package transport
