package presence

import (
	"encoding/json"
	"time"
)

// Inbound frame kinds.
const (
	kindLogin             = "login"
	kindStatusUpdate      = "statusUpdate"
	kindUpdatePreferences = "updatePreferences"
	kindCreateInvite      = "createInvite"
	kindAcceptInvite      = "acceptInvite"
	kindRemoveConnection  = "removeConnection"
	kindCreateAlias       = "createAlias"
	kindChatSend          = "chat.send"
	kindChatHistory       = "chat.history"
	kindChatMarkRead      = "chat.markRead"
	kindHeartbeat         = "hb"
)

// envelope extracts the frame kind. Full frames use "type"; compact frames
// (hb and the delta family) use "t". Payload decoding happens per kind from
// the raw bytes.
type envelope struct {
	Type string `json:"type"`
	T    string `json:"t"`
}

func (e envelope) kind() string {
	if e.Type != "" {
		return e.Type
	}
	return e.T
}

type loginFrame struct {
	Handle         string `json:"handle"`
	Token          string `json:"token"`
	VisibilityMode string `json:"visibilityMode"`
	SessionID      string `json:"sessionId"`
	ResumeToken    string `json:"resumeToken"`
}

type statusUpdateFrame struct {
	Status   *string `json:"status"`
	Activity *string `json:"activity"`
	Project  *string `json:"project"`
	Language *string `json:"language"`
}

type preferencesPayload struct {
	Visibility    string   `json:"visibility"`
	ShareProject  *bool    `json:"shareProject"`
	ShareLanguage *bool    `json:"shareLanguage"`
	ShareActivity *bool    `json:"shareActivity"`
	CloseFriends  *[]int64 `json:"closeFriends"`
}

type updatePreferencesFrame struct {
	Preferences preferencesPayload `json:"preferences"`
}

type createInviteFrame struct {
	TTLHours *int `json:"ttlHours"`
}

type acceptInviteFrame struct {
	Code string `json:"code"`
}

type removeConnectionFrame struct {
	Username string `json:"username"`
}

type createAliasFrame struct {
	GithubUsername string `json:"githubUsername"`
	GuestUsername  string `json:"guestUsername"`
	GithubID       int64  `json:"githubId"`
}

type chatSendFrame struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type chatHistoryFrame struct {
	Peer  string `json:"peer"`
	Limit int    `json:"limit"`
}

type chatMarkReadFrame struct {
	Peer string `json:"peer"`
}

type heartbeatFrame struct {
	Ts int64 `json:"ts"`
}

// PublicUser is one viewer-facing presence entry after visibility filtering
// and preference masking.
type PublicUser struct {
	Handle   string `json:"handle"`
	Avatar   string `json:"avatar,omitempty"`
	Status   string `json:"status"`
	Activity string `json:"activity,omitempty"`
	Project  string `json:"project,omitempty"`
	Language string `json:"language,omitempty"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

// StatusOffline is the status carried by offline contact entries.
const StatusOffline = "Offline"

// StatusOnline is the default status for a freshly admitted session.
const StatusOnline = "Online"

func marshalFrame(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","message":"Internal server error"}`)
	}
	return data
}

func errorFrame(message string) []byte {
	return marshalFrame(map[string]string{"type": "error", "message": message})
}

func userListFrame(users []PublicUser) []byte {
	return marshalFrame(map[string]interface{}{"type": "userList", "users": users})
}

func tokenFrame(token string) []byte {
	return marshalFrame(map[string]string{"t": "token", "token": token})
}

func heartbeatPing(ts time.Time) []byte {
	return marshalFrame(map[string]interface{}{"t": "hb", "ts": ts.UnixMilli()})
}

func heartbeatAck(ts int64) []byte {
	return marshalFrame(map[string]interface{}{"t": "hb", "ts": ts, "ack": true})
}

func syncFrame(users []PublicUser) []byte {
	return marshalFrame(map[string]interface{}{"t": "sync", "users": users})
}

func deltaUpdateFrame(u PublicUser, ts time.Time) []byte {
	return marshalFrame(map[string]interface{}{
		"t": "u", "id": u.Handle, "s": u.Status, "a": u.Activity,
		"p": u.Project, "l": u.Language, "ts": ts.UnixMilli(),
	})
}

func deltaOnlineFrame(u PublicUser, ts time.Time) []byte {
	return marshalFrame(map[string]interface{}{
		"t": "o", "id": u.Handle, "s": u.Status, "a": u.Activity,
		"p": u.Project, "l": u.Language, "avatar": u.Avatar, "ts": ts.UnixMilli(),
	})
}

func deltaOfflineFrame(handle string, ts time.Time) []byte {
	return marshalFrame(map[string]interface{}{"t": "x", "id": handle, "ts": ts.UnixMilli()})
}

func unreadFrame(counts map[string]int64) []byte {
	if counts == nil {
		counts = map[string]int64{}
	}
	return marshalFrame(map[string]interface{}{"type": "chat.unread", "counts": counts})
}

func inviteCreatedFrame(code string, expiresAt time.Time) []byte {
	return marshalFrame(map[string]interface{}{
		"type": "inviteCreated", "code": code,
		"expiresIn": int64(time.Until(expiresAt).Seconds()),
	})
}

func inviteAcceptedFrame(friend string) []byte {
	return marshalFrame(map[string]interface{}{
		"type": "inviteAccepted", "success": true, "friendUsername": friend,
	})
}

func inviteRejectedFrame(message string) []byte {
	return marshalFrame(map[string]interface{}{
		"type": "inviteAccepted", "success": false, "error": message,
	})
}

func friendJoinedFrame(user string) []byte {
	return marshalFrame(map[string]string{"type": "friendJoined", "user": user, "via": "invite"})
}

func connectionRemovedFrame(peer string) []byte {
	return marshalFrame(map[string]interface{}{
		"type": "connectionRemoved", "success": true, "username": peer,
	})
}

func preferencesUpdatedFrame() []byte {
	return marshalFrame(map[string]string{"type": "preferencesUpdated"})
}

func aliasCreatedFrame(login, guest string) []byte {
	return marshalFrame(map[string]string{
		"type": "aliasCreated", "githubUsername": login, "guestUsername": guest,
	})
}

func chatMessageFrame(id uint, from, to, body string, at time.Time) []byte {
	return marshalFrame(map[string]interface{}{
		"type": "chat.msg", "id": id, "from": from, "to": to,
		"body": body, "ts": at.UnixMilli(),
	})
}

func chatHistoryFrameOut(peer string, messages []chatHistoryEntry) []byte {
	if messages == nil {
		messages = []chatHistoryEntry{}
	}
	return marshalFrame(map[string]interface{}{
		"type": "chat.history", "peer": peer, "messages": messages,
	})
}

// chatHistoryEntry mirrors the stored row: read_at is null until the
// recipient marks the conversation read.
type chatHistoryEntry struct {
	ID     uint   `json:"id"`
	From   string `json:"from"`
	To     string `json:"to"`
	Body   string `json:"body"`
	Ts     int64  `json:"ts"`
	ReadAt *int64 `json:"read_at"`
}

func chatReadFrame(peer string, count int64) []byte {
	return marshalFrame(map[string]interface{}{"type": "chat.read", "peer": peer, "count": count})
}
