// Package session tracks the active conversation thread per agent.
//
// A Tracker is a process-wide map from agent type to thread id. It is not
// persisted: a restart starts with no active threads, while the threads
// themselves survive in the store. Concurrent SetActive calls for the same
// agent are last-writer-wins.
package session
