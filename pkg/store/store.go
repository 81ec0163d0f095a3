// Package store provides durable user records for the relaychat server:
// credentials, contact sets, and the per-user pending-message queue used for
// offline delivery. The server core never caches a mutable copy of a record
// across requests; every operation goes through a UserStore.
package store

import "errors"

var (
	// ErrNoSuchUser indicates the referenced login does not exist.
	ErrNoSuchUser = errors.New("no such user")
	// ErrLoginTaken indicates the login is already registered.
	ErrLoginTaken = errors.New("login is already taken")
	// ErrAlreadyContact indicates the target is already in the contact set.
	ErrAlreadyContact = errors.New("already in contacts")
	// ErrNotContact indicates the target is not in the contact set.
	ErrNotContact = errors.New("not in contacts")
)

// PendingMessage is one entry in a user's offline queue.
type PendingMessage struct {
	From     string
	Body     string
	QueuedAt int64 // Unix timestamp in milliseconds
}

// UserStore is the durable record store backing the session engine.
//
// Implementations must serialize contact-set and pending-queue mutations per
// login so concurrent requests never interleave into a lost update. Mutations
// for different logins need no ordering relative to each other.
type UserStore interface {
	// CreateUser registers a new login with the given password hash.
	// Returns ErrLoginTaken if the login already exists.
	CreateUser(login, passwordHash string) error

	// UserExists reports whether the login is registered.
	UserExists(login string) (bool, error)

	// PasswordHash returns the stored password hash for the login.
	// Returns ErrNoSuchUser if the login does not exist.
	PasswordHash(login string) (string, error)

	// Contacts returns the contact set for a login. Returns ErrNoSuchUser
	// if the login does not exist.
	Contacts(login string) ([]string, error)

	// AddContact inserts contact into login's contact set. Returns
	// ErrNoSuchUser if contact does not exist, ErrAlreadyContact if it is
	// already present.
	AddContact(login, contact string) error

	// RemoveContact removes contact from login's contact set. Returns
	// ErrNoSuchUser if contact does not exist, ErrNotContact if it is not
	// present.
	RemoveContact(login, contact string) error

	// AppendPending appends one message to the recipient's offline queue.
	// Returns ErrNoSuchUser if the recipient does not exist.
	AppendPending(recipient string, msg PendingMessage) error

	// DrainPending atomically reads and clears the recipient's offline
	// queue, preserving insertion order. A crash after the drain commits
	// loses nothing server-side; a client that drains and then crashes
	// owns the loss. Returns ErrNoSuchUser if the recipient does not exist.
	DrainPending(recipient string) ([]PendingMessage, error)

	// Close releases store resources.
	Close() error
}
