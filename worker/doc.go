/*
Package worker owns the stdio of the long-lived worker process that the bridge fans out.

The worker reads newline-delimited commands on stdin and writes newline-delimited event
payloads on stdout. Payloads are opaque: every stdout line is published as-is, and every
command is written verbatim with a trailing newline.

Reading stdout is blocking, so ReadLoop is meant to run in its own goroutine. Writes to
stdin are serialized by a mutex so that concurrent senders never interleave bytes.
Write failures are logged and dropped; delivery to the worker is best-effort.
*/
package worker
