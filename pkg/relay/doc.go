// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay moves bytes between the two sides of a forwarded
// connection without looking at them.
//
// A Pair runs two pumps per session:
//
//	Upstream:   client  → backend
//	Downstream: backend → client
//
// Each pump reads one chunk from its source and writes it to its sink until
// the source reports end of stream. The sink is then half-closed so the peer
// observes EOF, which usually ends the opposite pump on its next read. A
// full downstream write blocks the pump, which is the only backpressure.
//
// Copy buffers come from a sync.Pool owned by the Pair, so a busy proxy
// allocates one buffer per concurrently running pump rather than one per
// session.
package relay
