// Package gateway serves the coven-crew conversation API over HTTP.
//
// # Overview
//
// A Gateway wraps one crew.Crew (store, agents, delegation and conversation
// manager) in an http.Server. It owns the crew once created and closes it on
// Shutdown. Run listens on server.http_addr, starts the retention janitor and
// shuts down gracefully when its context ends.
//
// # HTTP API
//
//   - POST /api/chat - Send a message to an agent (supervisor by default)
//   - GET /api/threads - List threads (?agent=&limit=&offset=)
//   - POST /api/threads - Create a thread, optionally activating it
//   - GET /api/threads/search - Search threads (?q=&agent=&limit=)
//   - GET /api/threads/{id} - Thread with its messages
//   - DELETE /api/threads/{id} - Delete a thread
//   - POST /api/threads/{id}/activate - Make a thread its agent's active thread
//   - GET /api/threads/{id}/export - Transcript (?format=markdown|html|json)
//   - GET /api/session - Active thread per agent
//   - DELETE /api/session[/{agent}] - Start over without deleting threads
//   - GET /health, GET /health/ready - Liveness and readiness
//
// # Request Replay
//
// A chat request carrying request_id is run once per caller within a ten
// minute window. Repeats, including ones that arrive while the first is still
// running, receive the first response with "replayed": true. Failed requests
// are not remembered, so a client may retry them with the same id.
//
// # Errors
//
// Errors are JSON objects of the form {"error": "..."}:
//
//	400  invalid argument or unknown agent type
//	401  missing or invalid bearer token (when auth is enabled)
//	404  thread not found
//	502  the agent rejected the request or replied with nothing usable
//	503  the agent stayed unavailable after every retry
//	504  the request ran out of time
//	500  storage failure
package gateway
