// Package conversation turns stateless chat requests into resumable,
// persisted conversations.
//
// # Overview
//
// Two types live here:
//
//   - Service: thread CRUD over a store. Appends to one thread are serialized
//     by a keyed lock; writes to different threads never contend.
//   - Manager: the caller-facing API used by the HTTP gateway and the CLI.
//     It resolves which thread a message belongs to, runs the agent through
//     the resilient invoker, saves the exchange and updates the session.
//
// # Thread Resolution
//
// Chat picks the target thread in this order:
//
//  1. An explicit ThreadID. A missing thread is store.ErrNotFound; a thread
//     owned by another agent is ErrInvalidArgument.
//  2. ForceNew starts a new thread.
//  3. The agent's active session thread. If it was deleted meanwhile, the
//     pointer is dropped and resolution continues.
//  4. A new thread.
//
// # Saving
//
// By default the user message and the reply are appended together after the
// agent replies, using a context detached from the caller and bounded by
// DefaultSaveTimeout. With Ephemeral set nothing is written: an existing
// thread keeps its message count and updated_at, and a new thread exists only
// for the duration of the call.
//
// # Errors
//
//   - store.ErrNotFound: the thread does not exist
//   - ErrInvalidArgument (also agent.ErrUnknownType): bad input
//   - agent.ErrUpstreamUnavailable: the agent failed on every attempt
//   - *PersistenceError: the store failed; reads are retried once, writes never
//
// Delete is idempotent unless WithStrictDelete(true) is set.
package conversation
