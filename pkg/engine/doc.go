// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package engine is the top-level owner of the front port listeners.
//
// Start binds every configured front port (minus the backend port) and
// starts its accept loop; a port that fails to bind is logged and left out.
// Stop closes the listeners and clears the port tables but leaves running
// relays alone, so a restart never cuts an established session. Drain waits
// for those relays to end.
//
// The remaining methods are the control plane used by the admin API and
// CLI: port list, block status, block and unblock, connection snapshots and
// load.
package engine
