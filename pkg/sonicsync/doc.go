// ABOUTME: Embedding API package
// ABOUTME: Flat handle-based surface for platform glue layers
// Package sonicsync exposes the engine and server behind one explicit
// handle, for embedding into platform glue (mobile bridges, CLIs).
//
// There are no package-level singletons: the embedder owns the Handle
// and passes it to every entry point. Inbound commands surface on a
// polled event queue rather than callbacks.
//
// Example:
//
//	h := sonicsync.New()
//	h.StartServer(sonicsync.ServerOptions{Port: 3000})
//	h.HostFile("/music/track.mp3")
//	h.Play(0, 500)
package sonicsync
