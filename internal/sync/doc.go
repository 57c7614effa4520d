/*
Package sync implements the watch -> debounce -> transfer engine.

A SyncManager runs generations forever. Each generation reads the config,
and a SyncEngine fans every rule out into one SyncItem per destination plus
one item watching the config file itself. Every item runs in its own
goroutine and owns its watch subscription and its last-synced time.

All items of a generation share one cancellable context. A change to the
config file cancels it with ErrConfigChanged; every item returns at its next
suspension point (a running rsync is left to finish) and the manager starts
the next generation from a freshly read config.
*/
package sync
