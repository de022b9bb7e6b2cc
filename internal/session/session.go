// Package session mirrors live connections into Redis: one hash per
// connection plus a user -> connection pointer once the user has announced.
// The in-process presence registry stays authoritative for routing; the
// mirror lets operators and other services see who is online where.
package session
