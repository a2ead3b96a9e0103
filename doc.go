// Package shmswitch is a multi-process packet switch whose processes
// communicate only through regions in shared memory.
//
// A single [Server] owns the ethernet ports. It creates the shared state
// inside the directory of an [Env] (by default, /dev/shm), namely:
//
// - the [PortInfo] table, containing the active ports and the statistics;
//
// - the [Pool] of fixed-size frame buffers, addressed by [Handle];
//
// - a single-producer, single-consumer [Ring] for each client;
//
// - a [NotifyChannel] for each client, to wake it when it is idle.
//
// The server reads bursts of frames from each [Port], copies each frame
// into a buffer, uses a [DistributionPolicy] to choose a client, and
// enqueues the handle into the client's ring. After each cycle, it wakes the
// clients that received handles and that announced they were going idle.
//
// Each [Client] runs in its own process, attaches to the shared state, and
// dequeues handles in batches. Clients with an even identifier forward
// frames on the output port chosen by their [ForwardingTable], using the
// transmit queue named after their identifier. Clients with an odd identifier
// drop frames (see [Disposition]). Forwarded frames are staged per output port
// and transmitted when a batch is full or when the client becomes idle.
//
// The notify mechanisms are busy-polling, named pipes, futex-based
// semaphores, and polled flags (see [NotifyMode]). They all share the
// same protocol: the client announces it is about to block, checks its ring
// once more, and then waits; the server claims the announcement and sends
// a wakeup. Therefore, a client never sleeps with frames in its ring.
//
// Ports are abstract. A [MemPort] keeps frames in memory and is useful
// for tests and for the [LocalTopology], which runs the server and the
// clients inside a single process. A [PCAPPort] reads and writes capture
// files and is what the mpserver and mpclient commands use.
//
// The [StatsReporter] periodically samples the statistics and emits
// the receive, transmit, and drop rates.
package shmswitch
