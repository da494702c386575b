// Package session carries the authenticated identity that the chat and call
// engines operate under. The context is handed to each engine at construction
// so no component reads user state from ambient globals.
package session

// Context identifies the local user for the lifetime of the client.
type Context struct {
	UserID string // stable user identifier, used as senderId / peerId
	Token  string // bearer token for the REST backend
}
