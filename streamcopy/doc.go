// Package streamcopy bridges an HTTP byte stream and the Postgres COPY
// sub-protocol.
//
// An export ([To]) runs COPY ... TO STDOUT and writes the output to a
// client. When the client goes away, or the caller's context ends, the
// connection is still blocked inside the copy, so the interrupt is sent
// from outside it: a protocol cancel request on a side connection. The
// remaining output is discarded until the server aborts, and the session
// goes back to its pool with the interruption as the release reason.
//
// An import ([From]) runs COPY ... FROM STDIN fed by a client body. A
// failing or abandoned body is reported to the server with CopyFail on
// the same connection, which leaves the connection usable.
//
// Either way, an interrupted copy that does not unwind within the drain
// timeout has its connection closed rather than returned.
package streamcopy
