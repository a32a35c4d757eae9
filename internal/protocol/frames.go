// Package protocol implements the Nexus wire format (spec.md §6):
// newline-delimited UTF-8 JSON frames, each carrying a discriminator
// field identifying its type.
package protocol

import (
	"bufio"
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/zquestz/nexus/internal/nexuserr"
)

// Frame type discriminators.
const (
	TypeHandshake   = "handshake"
	TypeHandshakeOk = "handshake_ok"
	TypeLogin       = "login"
	TypeLoginOk     = "login_ok"
	TypeError       = "error"
	TypeOk          = "ok"

	TypeChatSend     = "chat_send"
	TypeChatDirect   = "chat_direct"
	TypeBroadcast    = "broadcast"
	TypeChatMessage  = "chat_message"
	TypeDirectMessage = "direct_message"
	TypeBroadcastMessage = "broadcast_message"

	TypeTopicSet     = "topic_set"
	TypeTopicClear   = "topic_clear"
	TypeTopicGet     = "topic_get"
	TypeTopicChanged = "topic_changed"

	TypeUserList       = "user_list"
	TypeUserListResult = "user_list_result"
	TypeUserInfo       = "user_info"
	TypeUserInfoResult = "user_info_result"

	TypeUserCreate = "user_create"
	TypeUserEdit   = "user_edit"
	TypeUserDelete = "user_delete"
	TypeUserKick   = "user_kick"

	TypeServerUpdate = "server_update"

	TypeUserConnected      = "user_connected"
	TypeUserDisconnected   = "user_disconnected"
	TypePermissionsUpdated = "permissions_updated"
	TypeKicked             = "kicked"
	TypeDisconnected       = "disconnected"
)

// Envelope is the minimal shape needed to read a frame's discriminator
// before dispatching to its concrete type.
type Envelope struct {
	Type string `json:"type"`
}

// HandshakeRequest is the client's Handshake frame (spec.md §6).
type HandshakeRequest struct {
	Type          string   `json:"type"`
	ClientVersion string   `json:"client_version"`
	Features      []string `json:"features"`
	Locale        string   `json:"locale"`
}

// HandshakeOkFrame is the server's response to a successful Handshake.
type HandshakeOkFrame struct {
	Type           string   `json:"type"`
	ServerVersion  string   `json:"server_version"`
	ServerFeatures []string `json:"server_features"`
	ServerMajor    int      `json:"server_major"`
	ServerMinor    int      `json:"server_minor"`
}

// LoginRequest is the client's Login frame.
type LoginRequest struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginOkFrame is the server's response to a successful Login.
type LoginOkFrame struct {
	Type        string   `json:"type"`
	SessionID   string   `json:"session_id"`
	UserID      int64    `json:"user_id"`
	Username    string   `json:"username"`
	IsAdmin     bool     `json:"is_admin"`
	Permissions []string `json:"permissions"`
}

// ErrorFrame carries a wire-level error kind, its placeholder parameters,
// and a server-localized display string (spec.md §6 "Error frames").
type ErrorFrame struct {
	Type    string            `json:"type"`
	Kind    string            `json:"kind"`
	Params  map[string]string `json:"params,omitempty"`
	Message string            `json:"message"`
}

// NewErrorFrame builds an ErrorFrame from a nexuserr.Error and its
// localized rendering.
func NewErrorFrame(e *nexuserr.Error, message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Kind: string(e.Kind), Params: e.Params, Message: message}
}

// OkFrame is a generic success acknowledgment for requests that have no
// dedicated result frame (UserCreate, UserEdit, UserDelete, UserKick,
// ServerUpdate, TopicSet, TopicClear).
type OkFrame struct {
	Type string `json:"type"`
}

// ChatSendRequest is the client's channel-chat request.
type ChatSendRequest struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ChatDirectRequest is the client's direct-message request.
type ChatDirectRequest struct {
	Type           string `json:"type"`
	TargetUsername string `json:"target_username"`
	Text           string `json:"text"`
}

// BroadcastRequest is the client's broadcast request.
type BroadcastRequest struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ChatMessageFrame is delivered for ServerChat (spec.md §4.5).
type ChatMessageFrame struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// DirectMessageFrame is delivered for DirectMessage.
type DirectMessageFrame struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// BroadcastMessageFrame is delivered for Broadcast.
type BroadcastMessageFrame struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// TopicSetRequest is the client's TopicSet request.
type TopicSetRequest struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TopicClearRequest is the client's TopicClear request (no fields).
type TopicClearRequest struct {
	Type string `json:"type"`
}

// TopicGetRequest is the client's TopicGet request (no fields).
type TopicGetRequest struct {
	Type string `json:"type"`
}

// TopicChangedFrame is delivered on TopicSet/TopicClear (spec.md S5), and
// is also the response to TopicGet.
type TopicChangedFrame struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	SetBy string `json:"set_by"`
}

// UserListRequest is the client's UserList request (no fields).
type UserListRequest struct {
	Type string `json:"type"`
}

// UserSummary is one entry of a UserListResultFrame.
type UserSummary struct {
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

// UserListResultFrame answers UserList.
type UserListResultFrame struct {
	Type  string        `json:"type"`
	Users []UserSummary `json:"users"`
}

// UserInfoRequest is the client's UserInfo request.
type UserInfoRequest struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

// UserInfoResultFrame answers UserInfo (spec.md §4.2).
type UserInfoResultFrame struct {
	Type              string   `json:"type"`
	Username          string   `json:"username"`
	IsAdmin           bool     `json:"is_admin"`
	Features          []string `json:"features"`
	Locale            string   `json:"locale"`
	Addresses         []string `json:"addresses"`
	ConnectedSeconds  int64    `json:"connected_seconds"`
	SessionCount      int      `json:"session_count"`
}

// UserCreateRequest is the client's UserCreate request.
type UserCreateRequest struct {
	Type        string   `json:"type"`
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Permissions []string `json:"permissions"`
	IsAdmin     bool     `json:"is_admin"`
	Enabled     bool     `json:"enabled"`
}

// UserEditRequest is the client's UserEdit request. Pointer fields are
// nil when the client did not include them, meaning "leave unchanged".
type UserEditRequest struct {
	Type        string    `json:"type"`
	Username    string    `json:"username"`
	Password    *string   `json:"password,omitempty"`
	Permissions *[]string `json:"permissions,omitempty"`
	IsAdmin     *bool     `json:"is_admin,omitempty"`
	Enabled     *bool     `json:"enabled,omitempty"`
}

// UserDeleteRequest is the client's UserDelete request.
type UserDeleteRequest struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

// UserKickRequest is the client's UserKick request.
type UserKickRequest struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

// ServerUpdateRequest is the client's ServerUpdate request. Pointer
// fields are nil when the client did not include them.
type ServerUpdateRequest struct {
	Type                string  `json:"type"`
	ServerName          *string `json:"server_name,omitempty"`
	ServerDescription   *string `json:"server_description,omitempty"`
	ServerImage         *string `json:"server_image,omitempty"`
	MaxConnectionsPerIP *int    `json:"max_connections_per_ip,omitempty"`
	ChatEnabled         *bool   `json:"chat_enabled,omitempty"`
}

// UserConnectedFrame is published when the first session for a user joins.
type UserConnectedFrame struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

// UserDisconnectedFrame is published when the last session for a user leaves.
type UserDisconnectedFrame struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

// PermissionsUpdatedFrame is pushed to a session whose permissions an
// admin just changed (spec.md §4.2).
type PermissionsUpdatedFrame struct {
	Type        string   `json:"type"`
	Permissions []string `json:"permissions"`
}

// KickedFrame is sent to a session just before it is closed by UserKick.
type KickedFrame struct {
	Type string `json:"type"`
	By   string `json:"by"`
}

// DisconnectedFrame is broadcast to every session during a graceful
// server shutdown (spec.md §5 "Server shutdown"), just ahead of the
// listener closing every connection.
type DisconnectedFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Encode marshals v and appends the frame's trailing newline delimiter.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return append(b, '\n'), nil
}

// ReadFrame reads one newline-delimited JSON line from r, rejecting lines
// longer than MaxFrameLength (spec.md §4.1) without consuming the rest of
// the oversized line's continuation.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		if err == bufio.ErrBufferFull {
			return nil, nexuserr.New(nexuserr.KindInvalidMessageFormat, nil)
		}
		return nil, err
	}
	if len(line) > MaxFrameLength {
		return nil, nexuserr.New(nexuserr.KindInvalidMessageFormat, nil)
	}
	return line, nil
}

// DecodeEnvelope extracts the discriminator from a raw frame line.
func DecodeEnvelope(line []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(line, &e); err != nil {
		return Envelope{}, nexuserr.New(nexuserr.KindInvalidMessageFormat, nil)
	}
	if e.Type == "" {
		return Envelope{}, nexuserr.New(nexuserr.KindInvalidMessageFormat, nil)
	}
	return e, nil
}
