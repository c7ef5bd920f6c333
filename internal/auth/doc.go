// Package auth provides bearer-token authentication for the coven-crew HTTP API.
//
// # JWT Tokens
//
// Tokens are HS256 JWTs signed with the configured jwt_secret (at least 32
// bytes). Every token carries:
//
//   - iss: "coven-crew"
//   - sub: the caller's name, recorded in request logs
//   - iat, exp: expiry is required
//
// Tokens are minted with `coven-crew token --subject NAME`.
//
// # Middleware
//
// HTTPAuthMiddleware checks the Authorization header and stores the subject in
// the request context, where handlers read it with FromContext or Subject.
// Health checks stay public. When no secret is configured the API runs without
// authentication and Subject reports "anonymous".
package auth
