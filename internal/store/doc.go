// Package store persists the router's audit trail using SQLite.
//
// # Architecture
//
// SQLiteStore implements two narrow interfaces:
//
//   - AuditStore: approval decisions and agent spawn attempts
//   - NoteStore: per-agent key/value notes backing the notes toolbox
//
// The audit trail is write-mostly and is never consulted when deciding
// whether an agent may perform an operation; permission grants live only in
// process memory.
//
// # Schema
//
//	approval_decisions  one row per resolved approval request
//	agent_spawns        one row per StartAgentByType attempt
//	agent_notes         (agent_id, key) unique
//
// # Usage
//
//	s, err := store.NewSQLiteStore(path, logger)
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
// Use ":memory:" for tests.
package store
