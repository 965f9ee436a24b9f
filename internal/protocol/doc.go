// Package protocol owns the kernel message model shared by front-ends and
// kernels.
//
// Ownership boundary:
// - header / message shapes
// - msg_type enumeration and reply naming
// - protocol error taxonomy
//
// Framing and signing live in protocol/frame and protocol/session.
package protocol
