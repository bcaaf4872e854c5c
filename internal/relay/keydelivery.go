package relay

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/1ureka/roomsync/internal/transport"
	"github.com/1ureka/roomsync/internal/util"
)

// KeyDelivery is the body of POST /api/rooms/{roomId}/key. Binary fields are
// standard base64; Timestamp is Unix milliseconds.
type KeyDelivery struct {
	PublicKey string `json:"publicKey"`
	KeyBase64 string `json:"keyBase64"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// KeyDeliveryMessage is the byte string a key delivery signs:
// "key-delivery:"+roomID+":"+keyBase64+":"+timestamp.
func KeyDeliveryMessage(roomID, keyBase64 string, timestamp int64) []byte {
	return []byte("key-delivery:" + roomID + ":" + keyBase64 + ":" + strconv.FormatInt(timestamp, 10))
}

// SignKeyDelivery builds a signed delivery of key for roomID.
func SignKeyDelivery(priv ed25519.PrivateKey, roomID string, key []byte, at time.Time) KeyDelivery {
	keyB64 := base64.StdEncoding.EncodeToString(key)
	ts := at.UnixMilli()
	sig := ed25519.Sign(priv, KeyDeliveryMessage(roomID, keyB64, ts))
	return KeyDelivery{
		PublicKey: base64.StdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey)),
		KeyBase64: keyB64,
		Timestamp: ts,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
}

var errBadDelivery = errors.New("malformed key delivery")

// Verify checks the signature and returns the signer and the delivered key.
func (d KeyDelivery) Verify(roomID string) (ed25519.PublicKey, []byte, error) {
	pub, err := base64.StdEncoding.DecodeString(d.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("%w: public key", errBadDelivery)
	}
	key, err := base64.StdEncoding.DecodeString(d.KeyBase64)
	if err != nil || len(key) == 0 {
		return nil, nil, fmt.Errorf("%w: key", errBadDelivery)
	}
	sig, err := base64.StdEncoding.DecodeString(d.Signature)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: signature", errBadDelivery)
	}
	if !ed25519.Verify(pub, KeyDeliveryMessage(roomID, d.KeyBase64, d.Timestamp), sig) {
		return nil, nil, fmt.Errorf("%w: bad signature", errBadDelivery)
	}
	return pub, key, nil
}

// KeyURL maps a relay socket endpoint (ws:// or wss://) to its key delivery
// endpoint on the same host.
func KeyURL(relayURL, roomID string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	return u.Scheme + "://" + u.Host + "/api/rooms/" + url.PathEscape(roomID) + "/key", nil
}

// DeliverKey posts a signed copy of the room key to the relay so it can keep
// an encrypted copy of the room. A relay with persistence disabled answers
// 404, which is not an error. Any other refusal wraps
// transport.ErrKeyDeliveryFailure.
func DeliverKey(ctx context.Context, client *http.Client, relayURL, roomID string, key []byte, signer ed25519.PrivateKey, at time.Time) error {
	if client == nil {
		client = http.DefaultClient
	}
	endpoint, err := KeyURL(relayURL, roomID)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrKeyDeliveryFailure, err)
	}

	body, err := json.Marshal(SignKeyDelivery(signer, roomID, key, at))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrKeyDeliveryFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrKeyDeliveryFailure, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		util.LogDebug("relay: %s has persistence disabled for %s", endpoint, roomID)
		return nil
	case http.StatusForbidden:
		return fmt.Errorf("%w: relay refused key for %s (signer or key mismatch)", transport.ErrKeyDeliveryFailure, roomID)
	default:
		return fmt.Errorf("%w: unexpected status %s", transport.ErrKeyDeliveryFailure, resp.Status)
	}
}
