/*
Package sandbox runs contract programs in isolation and reports their lifecycle
through interfaces.Instance.

Handle is the per-instance state machine shared by every runtime:

	Starting --Advertise(port)--> Listening --Exit--> Exited
	Starting --Exit--> Exited

Each virtual port has a single-resolution future: the first Advertise for a port
registers the listener and wakes every waiter of that port; later Advertise calls
for the same port fail with ErrListenerRegistered. Exit fires exactly once and
fails all pending waiters with ErrInstanceExited.

Two runtimes are provided:

  - ProcessRuntime starts a configured command per instance. The program
    advertises virtual port N by creating the unix socket N.sock in the directory
    named by $CONTRACT_SOCKET_DIR.
  - WasmRuntime runs WASI contract modules with wazero. The module opens virtual
    ports and serves streams through the contract_host host module.

Contract code is obtained from a StorageBackend through ContractLoader.
*/
package sandbox
