// Package storage provides the durable key-value layer shared by the
// automation loop and its operator surfaces.
//
// It holds:
//   - the work queue and the run/settings snapshots
//   - the bounded history log
//   - the last timeline snapshot (so a fresh UI can show current status)
//
// Writers of one Set call are committed together; every successful write is
// announced to subscribers as a Change.
package storage
