// Package friends keeps named *channels* of messages in sync between peers,
// without any central server.
//
// Each channel is backed by an append-only log (see `pkg/hyperlog`). Every
// entry records the *heads* of the log at the time it was written, so
// concurrent writers produce a DAG instead of losing entries. Peers of a
// channel find each other through a `discovery.Discovery` and replicate
// their logs both ways, forever, as long as the channel is open.
//
// ## How it works
//
// A `Swarm` is the registry of open channels. `Swarm.AddChannel` opens the
// log of a channel and joins the rendezvous topic `"friends-" + name`. Every
// peer found there gets its own live replication.
//
// `Swarm.Send` encodes a `wire.Message`, signs the encoded bytes if you
// installed a `SignFunc`, and appends the result to the log. Your peers get
// it through replication.
//
// Install a `ProcessorFunc` with `Swarm.SetProcessor` to receive messages.
// Delivery starts with the last 500 entries of each channel (the *replay
// window*) and then follows the log. Entries are delivered one at a time,
// in the order of the local log, and flagged `Valid` when your `VerifyFunc`
// accepted their signature.
//
// ## Discovery
//
// Without `WithDiscovery`, a swarm only knows itself. The `pkg/fabric`
// package provides a gossip-based discovery over QUIC, which is what the
// `friends` command uses. The `pkg/discovery/memhub` package connects swarms
// living in the same process, mostly for tests.
package friends
