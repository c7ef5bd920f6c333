// Package llm implements the three agents on an OpenAI-compatible chat model.
//
// # Overview
//
// Each agent is an agent.Client. The Specialist serves the research and
// writer roles; the Supervisor is offered delegation tools
// (delegate_to_research_agent, delegate_to_writer_agent, research_then_write)
// whose results are recorded as sub-replies on the final reply.
//
// A run is a loop over a small state machine:
//
//	call_model --tool_calls--> run_tools --tools_done--> call_model
//	call_model --content--> done
//	call_model / run_tools --fail--> failed
//
// Upstream errors are classified into agent.Error kinds (429 is rate_limit,
// 5xx and network errors are transient, other 4xx are invalid_request) so
// the resilient invoker can decide whether to retry.
//
// History is trimmed from the oldest end to the configured token budget
// using tiktoken, or a character heuristic when encodings are unavailable.
package llm
