// Package session mirrors live chat connections into Redis: which user owns a
// connection, which node holds it, and which loan rooms it has joined. Any
// node can answer where a user is connected without asking the others.
package session
