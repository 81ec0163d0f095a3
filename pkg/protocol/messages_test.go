package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest(t *testing.T) {
	t.Run("full send_message request", func(t *testing.T) {
		payload := []byte(`{
			"action": "send_message",
			"user": {"account_name": "alice", "password": "digest123"},
			"to": "bob",
			"message": "hello"
		}`)

		req, err := DecodeRequest(payload)
		require.NoError(t, err)

		assert.Equal(t, ActionSendMessage, req.Action)
		assert.Equal(t, "alice", req.User.AccountName)
		assert.Equal(t, "digest123", req.User.Password)
		assert.Equal(t, "bob", req.To)
		assert.Equal(t, "hello", req.Message)
	})

	t.Run("contact request with user_id", func(t *testing.T) {
		payload := []byte(`{
			"action": "add_contact",
			"user": {"account_name": "alice", "password": "digest123"},
			"user_id": "bob"
		}`)

		req, err := DecodeRequest(payload)
		require.NoError(t, err)

		assert.Equal(t, ActionAddContact, req.Action)
		assert.Equal(t, "bob", req.UserID)
	})

	t.Run("missing action", func(t *testing.T) {
		payload := []byte(`{"user": {"account_name": "alice"}}`)

		_, err := DecodeRequest(payload)
		assert.ErrorIs(t, err, ErrEmptyAction)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		_, err := DecodeRequest([]byte(`{not json`))
		assert.ErrorIs(t, err, ErrMalformedInput)
	})

	t.Run("wrong type for field", func(t *testing.T) {
		_, err := DecodeRequest([]byte(`{"action": 42}`))
		assert.ErrorIs(t, err, ErrMalformedInput)
	})
}

func TestResponseEncoding(t *testing.T) {
	t.Run("success has null error", func(t *testing.T) {
		resp := NewResponse(StatusOK, "")
		payload, err := resp.Encode()
		require.NoError(t, err)

		// The error key is present on the wire even when null
		var raw map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(payload, &raw))
		assert.Contains(t, raw, "error")
		assert.Equal(t, "null", string(raw["error"]))
		assert.Equal(t, "200", string(raw["response"]))
		assert.Equal(t, `"response"`, string(raw["action"]))
	})

	t.Run("failure carries error string", func(t *testing.T) {
		resp := NewResponse(StatusError, "No such client: bob")
		payload, err := resp.Encode()
		require.NoError(t, err)

		decoded, err := DecodeResponseEnvelope(payload)
		require.NoError(t, err)
		assert.Equal(t, StatusError, decoded.Status)
		require.NotNil(t, decoded.Error)
		assert.Equal(t, "No such client: bob", *decoded.Error)
	})

	t.Run("denied status", func(t *testing.T) {
		resp := NewResponse(StatusDenied, "Access denied")
		payload, err := resp.Encode()
		require.NoError(t, err)

		decoded, err := DecodeResponseEnvelope(payload)
		require.NoError(t, err)
		assert.Equal(t, StatusDenied, decoded.Status)
	})
}

func TestOnlineResponse(t *testing.T) {
	t.Run("online true", func(t *testing.T) {
		online := true
		resp := &OnlineResponse{
			Response: NewResponse(StatusOK, ""),
			Online:   &online,
		}
		payload, err := resp.Encode()
		require.NoError(t, err)

		var raw map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(payload, &raw))
		assert.Equal(t, "true", string(raw["online"]))
	})

	t.Run("online null when request failed", func(t *testing.T) {
		resp := &OnlineResponse{Response: NewResponse(StatusDenied, "Access denied")}
		payload, err := resp.Encode()
		require.NoError(t, err)

		var raw map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(payload, &raw))
		assert.Equal(t, "null", string(raw["online"]))
	})
}

func TestContactsResponse(t *testing.T) {
	t.Run("empty contact set encodes as []", func(t *testing.T) {
		resp := &ContactsResponse{Response: NewResponse(StatusOK, "")}
		payload, err := resp.Encode()
		require.NoError(t, err)

		var raw map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(payload, &raw))
		assert.Equal(t, "[]", string(raw["contacts"]))
	})

	t.Run("contacts round-trip", func(t *testing.T) {
		resp := &ContactsResponse{
			Response: NewResponse(StatusOK, ""),
			Contacts: []string{"bob", "carol"},
		}
		payload, err := resp.Encode()
		require.NoError(t, err)

		var decoded ContactsResponse
		require.NoError(t, json.Unmarshal(payload, &decoded))
		assert.Equal(t, []string{"bob", "carol"}, decoded.Contacts)
	})
}

func TestMessagesResponse(t *testing.T) {
	t.Run("empty queue encodes as []", func(t *testing.T) {
		resp := &MessagesResponse{Response: NewResponse(StatusOK, "")}
		payload, err := resp.Encode()
		require.NoError(t, err)

		var raw map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(payload, &raw))
		assert.Equal(t, "[]", string(raw["messages"]))
	})

	t.Run("drained messages have push shape", func(t *testing.T) {
		resp := &MessagesResponse{
			Response: NewResponse(StatusOK, ""),
			Messages: []PushMessage{
				NewPushMessage("bob", "hi"),
				NewPushMessage("carol", "hey"),
			},
		}
		payload, err := resp.Encode()
		require.NoError(t, err)

		var decoded MessagesResponse
		require.NoError(t, json.Unmarshal(payload, &decoded))
		require.Len(t, decoded.Messages, 2)
		assert.Equal(t, ActionMessage, decoded.Messages[0].Action)
		assert.Equal(t, "bob", decoded.Messages[0].From)
		assert.Equal(t, "hi", decoded.Messages[0].Message)
	})
}

func TestPushMessage(t *testing.T) {
	push := NewPushMessage("alice", "hello bob")
	assert.Equal(t, ActionMessage, push.Action)

	payload, err := push.Encode()
	require.NoError(t, err)

	decoded, err := DecodePush(payload)
	require.NoError(t, err)
	assert.Equal(t, "alice", decoded.From)
	assert.Equal(t, "hello bob", decoded.Message)

	_, err = DecodePush([]byte(`garbage`))
	assert.ErrorIs(t, err, ErrMalformedInput)
}

func TestDecodeResponseEnvelopeIgnoresExtras(t *testing.T) {
	// Envelope parsing tolerates action-specific fields it does not model
	payload := []byte(`{"action":"response","response":200,"error":null,"contacts":["bob"]}`)
	resp, err := DecodeResponseEnvelope(payload)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Status)
	assert.Nil(t, resp.Error)
}
