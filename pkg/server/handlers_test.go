package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/aeolun/relaychat/pkg/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	srv, err := NewServer(store.NewMemoryStore(), DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.sessions.CloseAll()
		srv.store.Close()
	})
	return srv
}

// testClient pairs a session with the client end of its pipe so tests can
// read pushed records.
type testClient struct {
	sess *Session
	conn net.Conn
}

func newClient(t *testing.T, srv *Server) *testClient {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	t.Cleanup(func() {
		clientEnd.Close()
		serverEnd.Close()
	})
	sess := srv.sessions.CreateSession(serverEnd, time.Now().UnixMilli())
	return &testClient{sess: sess, conn: clientEnd}
}

// readPush decodes one pushed record from the client end of the pipe.
func (c *testClient) readPush(t *testing.T) *protocol.PushMessage {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := protocol.DecodeFrame(c.conn)
	require.NoError(t, err)
	push, err := protocol.DecodePush(frame.Payload)
	require.NoError(t, err)
	return push
}

func registerUser(t *testing.T, srv *Server, login, digest string) {
	t.Helper()
	client := newClient(t, srv)
	resp := mustHandle(t, srv, client.sess, &protocol.Request{
		Action: protocol.ActionRegister,
		User:   protocol.Credentials{AccountName: login, Password: digest},
	})
	require.Equal(t, protocol.StatusOK, envelope(t, resp).Status)
}

func authorize(t *testing.T, srv *Server, client *testClient, login, digest string) *protocol.Response {
	t.Helper()
	resp := mustHandle(t, srv, client.sess, &protocol.Request{
		Action: protocol.ActionAuthorize,
		User:   protocol.Credentials{AccountName: login, Password: digest},
	})
	return envelope(t, resp)
}

func mustHandle(t *testing.T, srv *Server, sess *Session, req *protocol.Request) encodable {
	t.Helper()
	resp, err := srv.handleRequest(sess, req)
	require.NoError(t, err)
	return resp
}

// envelope extracts the shared response fields via a wire round-trip, the
// same way a client sees them.
func envelope(t *testing.T, resp encodable) *protocol.Response {
	t.Helper()
	payload, err := resp.Encode()
	require.NoError(t, err)
	env, err := protocol.DecodeResponseEnvelope(payload)
	require.NoError(t, err)
	return env
}

func TestRegister(t *testing.T) {
	srv := newTestServer(t)

	t.Run("success", func(t *testing.T) {
		registerUser(t, srv, "alice", "digest-a")
	})

	t.Run("duplicate login", func(t *testing.T) {
		client := newClient(t, srv)
		resp := mustHandle(t, srv, client.sess, &protocol.Request{
			Action: protocol.ActionRegister,
			User:   protocol.Credentials{AccountName: "alice", Password: "other"},
		})
		env := envelope(t, resp)
		assert.Equal(t, protocol.StatusError, env.Status)
		require.NotNil(t, env.Error)
		assert.Equal(t, "Login is already taken: alice", *env.Error)
	})

	t.Run("invalid login rejected", func(t *testing.T) {
		for _, bad := range []string{"", "ab", "has space", "way-too-long-login-name-x", "semi;colon"} {
			client := newClient(t, srv)
			resp := mustHandle(t, srv, client.sess, &protocol.Request{
				Action: protocol.ActionRegister,
				User:   protocol.Credentials{AccountName: bad, Password: "d"},
			})
			assert.Equal(t, protocol.StatusError, envelope(t, resp).Status, "login %q", bad)
		}
	})
}

func TestAuthorize(t *testing.T) {
	srv := newTestServer(t)
	registerUser(t, srv, "alice", "digest-a")

	t.Run("unknown login", func(t *testing.T) {
		client := newClient(t, srv)
		env := authorize(t, srv, client, "ghost", "whatever")
		assert.Equal(t, protocol.StatusError, env.Status)
		require.NotNil(t, env.Error)
		assert.Equal(t, "No such client: ghost", *env.Error)
	})

	t.Run("wrong digest", func(t *testing.T) {
		client := newClient(t, srv)
		env := authorize(t, srv, client, "alice", "wrong")
		assert.Equal(t, protocol.StatusDenied, env.Status)
		require.NotNil(t, env.Error)
		assert.Equal(t, "Access denied", *env.Error)
		// Failed authorization leaves the session connected and unbound
		assert.Equal(t, "", client.sess.Login())
		_, ok := srv.sessions.GetSession(client.sess.ID)
		assert.True(t, ok)
	})

	t.Run("success binds presence", func(t *testing.T) {
		client := newClient(t, srv)
		env := authorize(t, srv, client, "alice", "digest-a")
		assert.Equal(t, protocol.StatusOK, env.Status)
		assert.Nil(t, env.Error)
		assert.Equal(t, "alice", client.sess.Login())
		assert.True(t, srv.sessions.IsOnline("alice"))
	})

	t.Run("second authorize evicts first session", func(t *testing.T) {
		first := newClient(t, srv)
		require.Equal(t, protocol.StatusOK, authorize(t, srv, first, "alice", "digest-a").Status)

		second := newClient(t, srv)
		require.Equal(t, protocol.StatusOK, authorize(t, srv, second, "alice", "digest-a").Status)

		// Old session is gone; the login now belongs to the new connection
		_, ok := srv.sessions.GetSession(first.sess.ID)
		assert.False(t, ok)
		found, ok := srv.sessions.FindByLogin("alice")
		require.True(t, ok)
		assert.Same(t, second.sess, found)
	})
}

func TestAuthorizationPrecedesExistence(t *testing.T) {
	srv := newTestServer(t)
	registerUser(t, srv, "alice", "digest-a")

	// An unauthenticated caller asking about a nonexistent user gets 403,
	// never 400: authorization is checked before anything else.
	for _, action := range []string{
		protocol.ActionCheckOnline,
		protocol.ActionAddContact,
		protocol.ActionDelContact,
		protocol.ActionGetContacts,
		protocol.ActionGetMessages,
	} {
		client := newClient(t, srv)
		resp := mustHandle(t, srv, client.sess, &protocol.Request{
			Action: action,
			User:   protocol.Credentials{AccountName: "alice", Password: "digest-a"},
			UserID: "ghost",
		})
		env := envelope(t, resp)
		assert.Equal(t, protocol.StatusDenied, env.Status, "action %s", action)
		require.NotNil(t, env.Error)
		assert.Equal(t, "Access denied", *env.Error)
	}
}

func TestActingAsMismatch(t *testing.T) {
	srv := newTestServer(t)
	registerUser(t, srv, "alice", "digest-a")
	registerUser(t, srv, "bob", "digest-b")

	client := newClient(t, srv)
	require.Equal(t, protocol.StatusOK, authorize(t, srv, client, "alice", "digest-a").Status)

	// Authenticated as alice but claiming to act as bob
	resp := mustHandle(t, srv, client.sess, &protocol.Request{
		Action: protocol.ActionGetContacts,
		User:   protocol.Credentials{AccountName: "bob", Password: "digest-b"},
	})
	assert.Equal(t, protocol.StatusDenied, envelope(t, resp).Status)
}

func TestCheckOnline(t *testing.T) {
	srv := newTestServer(t)
	registerUser(t, srv, "alice", "digest-a")
	registerUser(t, srv, "bob", "digest-b")

	alice := newClient(t, srv)
	require.Equal(t, protocol.StatusOK, authorize(t, srv, alice, "alice", "digest-a").Status)

	t.Run("offline user", func(t *testing.T) {
		resp := mustHandle(t, srv, alice.sess, &protocol.Request{
			Action: protocol.ActionCheckOnline,
			User:   protocol.Credentials{AccountName: "alice"},
			UserID: "bob",
		})
		online, ok := resp.(*protocol.OnlineResponse)
		require.True(t, ok)
		assert.Equal(t, protocol.StatusOK, online.Status)
		require.NotNil(t, online.Online)
		assert.False(t, *online.Online)
	})

	t.Run("online user", func(t *testing.T) {
		bob := newClient(t, srv)
		require.Equal(t, protocol.StatusOK, authorize(t, srv, bob, "bob", "digest-b").Status)

		resp := mustHandle(t, srv, alice.sess, &protocol.Request{
			Action: protocol.ActionCheckOnline,
			User:   protocol.Credentials{AccountName: "alice"},
			UserID: "bob",
		})
		online := resp.(*protocol.OnlineResponse)
		require.NotNil(t, online.Online)
		assert.True(t, *online.Online)
	})

	t.Run("nonexistent target", func(t *testing.T) {
		resp := mustHandle(t, srv, alice.sess, &protocol.Request{
			Action: protocol.ActionCheckOnline,
			User:   protocol.Credentials{AccountName: "alice"},
			UserID: "ghost",
		})
		online := resp.(*protocol.OnlineResponse)
		assert.Equal(t, protocol.StatusError, online.Status)
		assert.Nil(t, online.Online, "online is null when the request failed")
	})
}

func TestContactManagement(t *testing.T) {
	srv := newTestServer(t)
	registerUser(t, srv, "alice", "digest-a")
	registerUser(t, srv, "bob", "digest-b")

	alice := newClient(t, srv)
	require.Equal(t, protocol.StatusOK, authorize(t, srv, alice, "alice", "digest-a").Status)

	addContact := func(target string) *protocol.Response {
		resp := mustHandle(t, srv, alice.sess, &protocol.Request{
			Action: protocol.ActionAddContact,
			User:   protocol.Credentials{AccountName: "alice"},
			UserID: target,
		})
		return envelope(t, resp)
	}
	delContact := func(target string) *protocol.Response {
		resp := mustHandle(t, srv, alice.sess, &protocol.Request{
			Action: protocol.ActionDelContact,
			User:   protocol.Credentials{AccountName: "alice"},
			UserID: target,
		})
		return envelope(t, resp)
	}
	getContacts := func() *protocol.ContactsResponse {
		resp := mustHandle(t, srv, alice.sess, &protocol.Request{
			Action: protocol.ActionGetContacts,
			User:   protocol.Credentials{AccountName: "alice"},
		})
		return resp.(*protocol.ContactsResponse)
	}

	// Empty to start
	contacts := getContacts()
	assert.Equal(t, protocol.StatusOK, contacts.Status)
	assert.Empty(t, contacts.Contacts)

	// Add unknown user
	env := addContact("ghost")
	assert.Equal(t, protocol.StatusError, env.Status)
	assert.Equal(t, "No such client: ghost", *env.Error)

	// Add, then duplicate add
	assert.Equal(t, protocol.StatusOK, addContact("bob").Status)
	env = addContact("bob")
	assert.Equal(t, protocol.StatusError, env.Status)
	assert.Equal(t, "Client already in contacts: bob", *env.Error)

	assert.Equal(t, []string{"bob"}, getContacts().Contacts)

	// Remove, then remove again
	assert.Equal(t, protocol.StatusOK, delContact("bob").Status)
	env = delContact("bob")
	assert.Equal(t, protocol.StatusError, env.Status)
	assert.Equal(t, "Client not in contacts: bob", *env.Error)

	assert.Empty(t, getContacts().Contacts)
}

func TestSendMessageOffline(t *testing.T) {
	srv := newTestServer(t)
	registerUser(t, srv, "alice", "digest-a")
	registerUser(t, srv, "bob", "digest-b")

	alice := newClient(t, srv)
	require.Equal(t, protocol.StatusOK, authorize(t, srv, alice, "alice", "digest-a").Status)

	t.Run("unknown recipient", func(t *testing.T) {
		resp := mustHandle(t, srv, alice.sess, &protocol.Request{
			Action:  protocol.ActionSendMessage,
			User:    protocol.Credentials{AccountName: "alice"},
			To:      "ghost",
			Message: "hi",
		})
		env := envelope(t, resp)
		assert.Equal(t, protocol.StatusError, env.Status)
		assert.Equal(t, "No such client: ghost", *env.Error)
	})

	t.Run("queued for offline recipient", func(t *testing.T) {
		resp := mustHandle(t, srv, alice.sess, &protocol.Request{
			Action:  protocol.ActionSendMessage,
			User:    protocol.Credentials{AccountName: "alice"},
			To:      "bob",
			Message: "hello bob",
		})
		require.Equal(t, protocol.StatusOK, envelope(t, resp).Status)

		// Bob authorizes later and drains the queue exactly once
		bob := newClient(t, srv)
		require.Equal(t, protocol.StatusOK, authorize(t, srv, bob, "bob", "digest-b").Status)

		drain := mustHandle(t, srv, bob.sess, &protocol.Request{
			Action: protocol.ActionGetMessages,
			User:   protocol.Credentials{AccountName: "bob"},
		})
		msgs := drain.(*protocol.MessagesResponse)
		require.Len(t, msgs.Messages, 1)
		assert.Equal(t, "alice", msgs.Messages[0].From)
		assert.Equal(t, "hello bob", msgs.Messages[0].Message)

		drain = mustHandle(t, srv, bob.sess, &protocol.Request{
			Action: protocol.ActionGetMessages,
			User:   protocol.Credentials{AccountName: "bob"},
		})
		assert.Empty(t, drain.(*protocol.MessagesResponse).Messages)
	})

	t.Run("message too long", func(t *testing.T) {
		body := make([]byte, srv.config.MaxMessageLength+1)
		for i := range body {
			body[i] = 'x'
		}
		resp := mustHandle(t, srv, alice.sess, &protocol.Request{
			Action:  protocol.ActionSendMessage,
			User:    protocol.Credentials{AccountName: "alice"},
			To:      "bob",
			Message: string(body),
		})
		assert.Equal(t, protocol.StatusError, envelope(t, resp).Status)
	})
}

func TestSendMessageOnline(t *testing.T) {
	srv := newTestServer(t)
	registerUser(t, srv, "alice", "digest-a")
	registerUser(t, srv, "bob", "digest-b")

	alice := newClient(t, srv)
	require.Equal(t, protocol.StatusOK, authorize(t, srv, alice, "alice", "digest-a").Status)
	bob := newClient(t, srv)
	require.Equal(t, protocol.StatusOK, authorize(t, srv, bob, "bob", "digest-b").Status)

	// Pushes over net.Pipe block until read, so receive concurrently
	pushCh := make(chan *protocol.PushMessage, 1)
	go func() {
		pushCh <- bob.readPush(t)
	}()

	resp := mustHandle(t, srv, alice.sess, &protocol.Request{
		Action:  protocol.ActionSendMessage,
		User:    protocol.Credentials{AccountName: "alice"},
		To:      "bob",
		Message: "direct hello",
	})
	require.Equal(t, protocol.StatusOK, envelope(t, resp).Status)

	select {
	case push := <-pushCh:
		assert.Equal(t, protocol.ActionMessage, push.Action)
		assert.Equal(t, "alice", push.From)
		assert.Equal(t, "direct hello", push.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("push not received")
	}

	// Direct delivery bypasses the offline queue
	drain := mustHandle(t, srv, bob.sess, &protocol.Request{
		Action: protocol.ActionGetMessages,
		User:   protocol.Credentials{AccountName: "bob"},
	})
	assert.Empty(t, drain.(*protocol.MessagesResponse).Messages)
}

func TestSendMessageDeadRecipientFallsBackToQueue(t *testing.T) {
	srv := newTestServer(t)
	registerUser(t, srv, "alice", "digest-a")
	registerUser(t, srv, "bob", "digest-b")

	alice := newClient(t, srv)
	require.Equal(t, protocol.StatusOK, authorize(t, srv, alice, "alice", "digest-a").Status)
	bob := newClient(t, srv)
	require.Equal(t, protocol.StatusOK, authorize(t, srv, bob, "bob", "digest-b").Status)

	// Bob's transport dies without the server noticing yet
	bob.conn.Close()

	resp := mustHandle(t, srv, alice.sess, &protocol.Request{
		Action:  protocol.ActionSendMessage,
		User:    protocol.Credentials{AccountName: "alice"},
		To:      "bob",
		Message: "where did you go",
	})
	require.Equal(t, protocol.StatusOK, envelope(t, resp).Status)

	// The dead session was reclaimed and the message landed in the queue
	_, ok := srv.sessions.GetSession(bob.sess.ID)
	assert.False(t, ok)
	assert.False(t, srv.sessions.IsOnline("bob"))

	pending, err := srv.store.DrainPending("bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "where did you go", pending[0].Body)
}

func TestUnknownAction(t *testing.T) {
	srv := newTestServer(t)
	client := newClient(t, srv)

	_, err := srv.handleRequest(client.sess, &protocol.Request{Action: "self_destruct"})
	assert.ErrorIs(t, err, ErrUnknownAction)
}
