// Package session owns message construction, serialization and signing.
//
// Ownership boundary:
// - header construction (msg_id, date, session id, username)
// - packing of the four core frames through a pluggable Packer
// - HMAC signing and verification
// - replay detection through a bounded digest history
//
// A Session never touches sockets, channels or processes. Front-ends and
// kernels each own their own Session and share only the key and session id.
package session
