// Package protocol implements the wire format for the relaychat server:
// length-framed JSON records, one record per frame. Clients send Request
// records and receive Response records; the server may also send unsolicited
// Push records when a message is delivered to an online recipient.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Action names (Client → Server)
const (
	ActionRegister    = "register"
	ActionAuthorize   = "authorize"
	ActionCheckOnline = "check_online"
	ActionAddContact  = "add_contact"
	ActionDelContact  = "del_contact"
	ActionGetContacts = "get_contacts"
	ActionSendMessage = "send_message"
	ActionGetMessages = "get_messages"
)

// Action names (Server → Client)
const (
	ActionResponse = "response"
	ActionMessage  = "message"
)

// Status codes carried in the "response" field
const (
	StatusOK     = 200 // success
	StatusError  = 400 // validation/existence failure
	StatusDenied = 403 // authorization failure
)

var (
	ErrEmptyAction    = errors.New("request has no action")
	ErrMalformedInput = errors.New("malformed request record")
)

// Credentials identifies the caller on every request.
type Credentials struct {
	AccountName string `json:"account_name"`
	Password    string `json:"password"`
}

// Request is the client request record. UserID, To and Message are
// action-specific: check_online/add_contact/del_contact use UserID,
// send_message uses To and Message; the rest need only User.
type Request struct {
	Action  string      `json:"action"`
	User    Credentials `json:"user"`
	UserID  string      `json:"user_id,omitempty"`
	To      string      `json:"to,omitempty"`
	Message string      `json:"message,omitempty"`
}

// DecodeRequest parses a request record from a frame payload.
func DecodeRequest(payload []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if req.Action == "" {
		return nil, ErrEmptyAction
	}
	return &req, nil
}

// Encode serializes the request to a frame payload.
func (r *Request) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Response is the base response envelope returned for every request.
// Error is null on success (the field is always present on the wire).
type Response struct {
	Action string  `json:"action"`
	Status int     `json:"response"`
	Error  *string `json:"error"`
}

// NewResponse builds a response envelope. An empty errMsg yields a null
// error field.
func NewResponse(status int, errMsg string) Response {
	resp := Response{Action: ActionResponse, Status: status}
	if errMsg != "" {
		resp.Error = &errMsg
	}
	return resp
}

// Encode serializes the response to a frame payload.
func (r *Response) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// OnlineResponse answers check_online. Online is null when the request
// failed before the presence lookup.
type OnlineResponse struct {
	Response
	Online *bool `json:"online"`
}

// Encode serializes the response to a frame payload.
func (r *OnlineResponse) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// ContactsResponse answers get_contacts.
type ContactsResponse struct {
	Response
	Contacts []string `json:"contacts"`
}

// Encode serializes the response to a frame payload.
func (r *ContactsResponse) Encode() ([]byte, error) {
	if r.Contacts == nil {
		r.Contacts = []string{}
	}
	return json.Marshal(r)
}

// MessagesResponse answers get_messages. Each entry is the push record that
// would have been delivered had the recipient been online.
type MessagesResponse struct {
	Response
	Messages []PushMessage `json:"messages"`
}

// Encode serializes the response to a frame payload.
func (r *MessagesResponse) Encode() ([]byte, error) {
	if r.Messages == nil {
		r.Messages = []PushMessage{}
	}
	return json.Marshal(r)
}

// PushMessage is the unsolicited server-to-client record delivered outside
// the request/response cycle, and the shape persisted in the pending queue.
type PushMessage struct {
	Action  string `json:"action"`
	From    string `json:"from"`
	Message string `json:"message"`
}

// NewPushMessage builds a push record for a direct delivery.
func NewPushMessage(from, body string) PushMessage {
	return PushMessage{Action: ActionMessage, From: from, Message: body}
}

// Encode serializes the push record to a frame payload.
func (m *PushMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodePush parses a push record from a frame payload.
func DecodePush(payload []byte) (*PushMessage, error) {
	var msg PushMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return &msg, nil
}

// DecodeResponseEnvelope parses just the response envelope fields from a
// frame payload, ignoring action-specific extras. Used by clients and tests
// that only care about status and error.
func DecodeResponseEnvelope(payload []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return &resp, nil
}
