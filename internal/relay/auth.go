// Package relay implements the relay transport: one WebSocket per room to a
// relay service that fans sync frames out to every other client in the room.
// The same transport, with KindBridge, talks to a local host-process bridge.
package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
)

// CloseAuthRejected is the WebSocket close code a relay uses to refuse a
// room token. A transport that sees it does not reconnect.
const CloseAuthRejected = 4401

const authContext = "room-auth:"

// AuthToken derives the room token: base64(HMAC-SHA256(key, "room-auth:"+roomID)).
// Every client holding the room key derives the same token; the key itself
// never leaves the client in the socket URL.
func AuthToken(key []byte, roomID string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(authContext + roomID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SocketURL builds {relayURL}/{roomID}?auth={token}. The query is omitted
// when token is empty.
func SocketURL(relayURL, roomID, token string) string {
	u := strings.TrimRight(relayURL, "/") + "/" + url.PathEscape(roomID)
	if token != "" {
		u += "?auth=" + url.QueryEscape(token)
	}
	return u
}

// TokenEqual compares two tokens in constant time.
func TokenEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
