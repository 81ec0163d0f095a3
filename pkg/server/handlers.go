package server

import (
	"errors"
	"fmt"
	"log"
	"regexp"

	"golang.org/x/crypto/bcrypt"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/aeolun/relaychat/pkg/store"
)

var (
	loginRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,20}$`)

	// ErrUnknownAction is returned for unrecognized request actions.
	// It is fatal to the session: the stream is assumed corrupted.
	ErrUnknownAction = errors.New("unknown action")
)

const accessDenied = "Access denied"

// handleRequest dispatches a request to the appropriate operation.
//
// Every operation evaluates its preconditions in a fixed order and the first
// failing one determines the response: authorization failures (403) always
// win over existence checks (400). Returned errors are unrecoverable for the
// session; recoverable failures come back as response records.
func (s *Server) handleRequest(sess *Session, req *protocol.Request) (encodable, error) {
	switch req.Action {
	case protocol.ActionRegister:
		return s.handleRegister(sess, req)
	case protocol.ActionAuthorize:
		return s.handleAuthorize(sess, req)
	case protocol.ActionCheckOnline:
		return s.handleCheckOnline(sess, req)
	case protocol.ActionAddContact:
		return s.handleAddContact(sess, req)
	case protocol.ActionDelContact:
		return s.handleDelContact(sess, req)
	case protocol.ActionGetContacts:
		return s.handleGetContacts(sess, req)
	case protocol.ActionSendMessage:
		return s.handleSendMessage(sess, req)
	case protocol.ActionGetMessages:
		return s.handleGetMessages(sess, req)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
}

// actingAs reports whether the session is authenticated as login.
// Unauthenticated sessions and acting-as mismatches both fail.
func actingAs(sess *Session, login string) bool {
	bound := sess.Login()
	return bound != "" && bound == login
}

// handleRegister creates a new user with an empty contact set and queue.
func (s *Server) handleRegister(sess *Session, req *protocol.Request) (encodable, error) {
	login := req.User.AccountName
	digest := req.User.Password

	if !loginRegex.MatchString(login) {
		resp := protocol.NewResponse(protocol.StatusError, fmt.Sprintf("Invalid login: %s", login))
		return &resp, nil
	}

	// The stored credential is bcrypt over the client-supplied digest, so a
	// database leak exposes neither passwords nor replayable digests.
	hashed, err := bcrypt.GenerateFromPassword([]byte(digest), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("bcrypt failed: %w", err)
	}

	if err := s.store.CreateUser(login, string(hashed)); err != nil {
		if errors.Is(err, store.ErrLoginTaken) {
			resp := protocol.NewResponse(protocol.StatusError, fmt.Sprintf("Login is already taken: %s", login))
			return &resp, nil
		}
		return nil, err
	}

	log.Printf("Session %d: registered login %s", sess.ID, login)
	resp := protocol.NewResponse(protocol.StatusOK, "")
	return &resp, nil
}

// handleAuthorize verifies credentials and binds the session to the login in
// the presence table. If the login is already bound to another connection,
// the new connection takes over and the old one is closed.
func (s *Server) handleAuthorize(sess *Session, req *protocol.Request) (encodable, error) {
	login := req.User.AccountName
	digest := req.User.Password

	hash, err := s.store.PasswordHash(login)
	if err != nil {
		if errors.Is(err, store.ErrNoSuchUser) {
			resp := protocol.NewResponse(protocol.StatusError, fmt.Sprintf("No such client: %s", login))
			return &resp, nil
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(digest)); err != nil {
		resp := protocol.NewResponse(protocol.StatusDenied, accessDenied)
		return &resp, nil
	}

	if evicted := s.sessions.Bind(sess, login); evicted != nil {
		log.Printf("Session %d: login %s taken over from session %d", sess.ID, login, evicted.ID)
		s.removeSession(evicted.ID)
	}

	log.Printf("Session %d: authorized as %s", sess.ID, login)
	resp := protocol.NewResponse(protocol.StatusOK, "")
	return &resp, nil
}

// handleCheckOnline reports whether the target login has a live session.
func (s *Server) handleCheckOnline(sess *Session, req *protocol.Request) (encodable, error) {
	login := req.User.AccountName
	target := req.UserID

	resp := &protocol.OnlineResponse{Response: protocol.NewResponse(protocol.StatusOK, "")}

	if !actingAs(sess, login) {
		resp.Response = protocol.NewResponse(protocol.StatusDenied, accessDenied)
		return resp, nil
	}

	exists, err := s.store.UserExists(target)
	if err != nil {
		return nil, err
	}
	if !exists {
		resp.Response = protocol.NewResponse(protocol.StatusError, fmt.Sprintf("No such client: %s", target))
		return resp, nil
	}

	online := s.sessions.IsOnline(target)
	resp.Online = &online
	return resp, nil
}

// handleAddContact inserts the target into the caller's contact set.
func (s *Server) handleAddContact(sess *Session, req *protocol.Request) (encodable, error) {
	login := req.User.AccountName
	target := req.UserID

	if !actingAs(sess, login) {
		resp := protocol.NewResponse(protocol.StatusDenied, accessDenied)
		return &resp, nil
	}

	switch err := s.store.AddContact(login, target); {
	case err == nil:
		resp := protocol.NewResponse(protocol.StatusOK, "")
		return &resp, nil
	case errors.Is(err, store.ErrNoSuchUser):
		resp := protocol.NewResponse(protocol.StatusError, fmt.Sprintf("No such client: %s", target))
		return &resp, nil
	case errors.Is(err, store.ErrAlreadyContact):
		resp := protocol.NewResponse(protocol.StatusError, fmt.Sprintf("Client already in contacts: %s", target))
		return &resp, nil
	default:
		return nil, err
	}
}

// handleDelContact removes the target from the caller's contact set.
func (s *Server) handleDelContact(sess *Session, req *protocol.Request) (encodable, error) {
	login := req.User.AccountName
	target := req.UserID

	if !actingAs(sess, login) {
		resp := protocol.NewResponse(protocol.StatusDenied, accessDenied)
		return &resp, nil
	}

	switch err := s.store.RemoveContact(login, target); {
	case err == nil:
		resp := protocol.NewResponse(protocol.StatusOK, "")
		return &resp, nil
	case errors.Is(err, store.ErrNoSuchUser):
		resp := protocol.NewResponse(protocol.StatusError, fmt.Sprintf("No such client: %s", target))
		return &resp, nil
	case errors.Is(err, store.ErrNotContact):
		resp := protocol.NewResponse(protocol.StatusError, fmt.Sprintf("Client not in contacts: %s", target))
		return &resp, nil
	default:
		return nil, err
	}
}

// handleGetContacts returns the caller's contact set as a list.
func (s *Server) handleGetContacts(sess *Session, req *protocol.Request) (encodable, error) {
	login := req.User.AccountName

	resp := &protocol.ContactsResponse{
		Response: protocol.NewResponse(protocol.StatusOK, ""),
		Contacts: []string{},
	}

	if !actingAs(sess, login) {
		resp.Response = protocol.NewResponse(protocol.StatusDenied, accessDenied)
		return resp, nil
	}

	contacts, err := s.store.Contacts(login)
	if err != nil {
		if errors.Is(err, store.ErrNoSuchUser) {
			resp.Response = protocol.NewResponse(protocol.StatusError, fmt.Sprintf("No such client: %s", login))
			return resp, nil
		}
		return nil, err
	}

	resp.Contacts = contacts
	return resp, nil
}

// handleSendMessage validates a message and hands it to the message router.
func (s *Server) handleSendMessage(sess *Session, req *protocol.Request) (encodable, error) {
	login := req.User.AccountName
	to := req.To

	if !actingAs(sess, login) {
		resp := protocol.NewResponse(protocol.StatusDenied, accessDenied)
		return &resp, nil
	}

	exists, err := s.store.UserExists(to)
	if err != nil {
		return nil, err
	}
	if !exists {
		resp := protocol.NewResponse(protocol.StatusError, fmt.Sprintf("No such client: %s", to))
		return &resp, nil
	}

	if s.config.MaxMessageLength > 0 && uint32(len(req.Message)) > s.config.MaxMessageLength {
		resp := protocol.NewResponse(protocol.StatusError, "Message too long")
		return &resp, nil
	}

	if err := s.routeMessage(login, to, req.Message); err != nil {
		return nil, err
	}

	resp := protocol.NewResponse(protocol.StatusOK, "")
	return &resp, nil
}

// routeMessage delivers a message to an online recipient or persists it for
// an offline one. The recipient is known to exist.
//
// If the recipient disconnects between the presence lookup and the push, the
// write fails, the dead session is reclaimed, and the message falls through
// to the offline queue: it is never dropped, and at most one copy is
// persisted per send.
func (s *Server) routeMessage(from, to, body string) error {
	if target, ok := s.sessions.FindByLogin(to); ok {
		push := protocol.NewPushMessage(from, body)
		if err := s.sendPush(target, &push); err == nil {
			if s.metrics != nil {
				s.metrics.RecordDirectDelivery()
			}
			return nil
		}
		debugLog.Printf("Push to %s (session %d) failed, queuing instead", to, target.ID)
		s.removeSession(target.ID)
	}

	if s.metrics != nil {
		s.metrics.RecordOfflineQueue()
	}
	return s.store.AppendPending(to, store.PendingMessage{From: from, Body: body})
}

// handleGetMessages atomically drains the caller's offline queue.
func (s *Server) handleGetMessages(sess *Session, req *protocol.Request) (encodable, error) {
	login := req.User.AccountName

	resp := &protocol.MessagesResponse{
		Response: protocol.NewResponse(protocol.StatusOK, ""),
		Messages: []protocol.PushMessage{},
	}

	if !actingAs(sess, login) {
		resp.Response = protocol.NewResponse(protocol.StatusDenied, accessDenied)
		return resp, nil
	}

	pending, err := s.store.DrainPending(login)
	if err != nil {
		if errors.Is(err, store.ErrNoSuchUser) {
			resp.Response = protocol.NewResponse(protocol.StatusError, fmt.Sprintf("No such client: %s", login))
			return resp, nil
		}
		return nil, err
	}

	for _, msg := range pending {
		resp.Messages = append(resp.Messages, protocol.NewPushMessage(msg.From, msg.Body))
	}
	return resp, nil
}
