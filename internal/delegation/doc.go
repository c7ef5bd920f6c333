// Package delegation implements how the supervisor hands work to the
// research and writer specialists.
//
// # Overview
//
// A Delegator sends a task to one specialist through the resilient invoker.
// Each specialist works in its own namespace: a thread id derived from the
// parent thread and the specialist with a name-based UUID, so repeated
// delegations under one conversation share context without touching the
// parent's history.
//
// Delegate never fails outright. When the invoker gives up, the returned
// SubReply has Failed set and text such as
//
//	Unable to complete the research step: the Research Agent is unavailable after 3 attempts.
//
// which the supervisor can present instead of losing the whole reply.
//
// # Modes
//
//   - Direct: the supervisor answers without delegating
//   - Single: one or more specialist calls, each independent of the others
//   - Chained: research output handed to the writer (Chain)
//
// Chain marks its steps, so two separate research calls in one reply still
// classify as Single.
//
// Compose folds the supervisor text and the ordered sub-replies into the
// final text; it is a pure function.
package delegation
