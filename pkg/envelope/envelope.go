// Package envelope implements the signed outer frame every application
// message travels in: framing, ed25519 signing/verification, and
// bounded-LRU message deduplication.
package envelope

import (
	"bytes"
	"container/list"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/meshcore/meshcore/pkg/identity"
)

// MaxMessageAge bounds how far in the past or future a message's
// timestamp may sit before it is rejected as stale or clock-skewed.
const MaxMessageAge = 10 * time.Minute

// Envelope is the signed outer frame. Field order matches the canonical
// JSON encoding used for signing: messageId, fromPeerId, toPeerId,
// timestamp, payload, signature. Signed bytes are this same object with
// the signature field absent.
type Envelope struct {
	MessageID   string          `json:"messageId"`
	FromPeerID  identity.PeerId `json:"fromPeerId"`
	ToPeerID    identity.PeerId `json:"toPeerId,omitempty"`
	Timestamp   int64           `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
	Signature   string          `json:"signature,omitempty"`
}

// canonical returns the bytes that are signed: the envelope with the
// signature field omitted, serialized with a fixed key order so that
// sign and verify always operate on identical bytes.
func (e Envelope) canonical() []byte {
	type signedFields struct {
		MessageID  string          `json:"messageId"`
		FromPeerID identity.PeerId `json:"fromPeerId"`
		ToPeerID   identity.PeerId `json:"toPeerId,omitempty"`
		Timestamp  int64           `json:"timestamp"`
		Payload    json.RawMessage `json:"payload"`
	}
	data, _ := json.Marshal(signedFields{
		MessageID:  e.MessageID,
		FromPeerID: e.FromPeerID,
		ToPeerID:   e.ToPeerID,
		Timestamp:  e.Timestamp,
		Payload:    e.Payload,
	})
	return data
}

// Sign builds a fresh envelope around payload, assigning a new message
// ID and the current timestamp, and signs it with id's private key.
func Sign(id *identity.Identity, payload any, to identity.PeerId) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload: %w", err)
	}

	msgID, err := randomID()
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		MessageID:  msgID,
		FromPeerID: id.PeerId,
		ToPeerID:   to,
		Timestamp:  time.Now().UnixMilli(),
		Payload:    body,
	}
	env.Signature = hex.EncodeToString(id.Sign(env.canonical()))
	return env, nil
}

// Verify recomputes the canonical bytes and checks the signature against
// the sender's public key.
func Verify(env *Envelope, pub ed25519.PublicKey) bool {
	sig, err := hex.DecodeString(env.Signature)
	if err != nil {
		return false
	}
	return identity.Verify(pub, env.canonical(), sig)
}

// FreshnessOK reports whether the envelope's timestamp is within
// MaxMessageAge of now, rejecting replays of very old messages and
// messages claiming to be from the future beyond clock-skew tolerance.
func (e Envelope) FreshnessOK(now time.Time) bool {
	age := now.Sub(time.UnixMilli(e.Timestamp))
	if age < 0 {
		age = -age
	}
	return age <= MaxMessageAge
}

func randomID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("envelope: generate message id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Marshal/Unmarshal frame an envelope as a single JSON object, matching
// the wire format consumed directly off a UDP datagram.
func Marshal(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	return &env, nil
}

// DedupeResult is returned by Dedupe.
type DedupeResult int

const (
	Fresh DedupeResult = iota
	Duplicate
)

// maxDedupeEntries is the bound on the dedup LRU; spec pins this at
// 10,000 with an evict-oldest-half policy once full.
const maxDedupeEntries = 10000

// Dedupe is a bounded LRU membership test over message IDs, mirroring
// the container/list LRU pattern used elsewhere in this codebase for
// rate limiting.
type Dedupe struct {
	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element
}

// NewDedupe creates an empty dedup set.
func NewDedupe() *Dedupe {
	return &Dedupe{
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Check reports Fresh the first time a messageId is seen and Duplicate
// on every subsequent call with the same ID, evicting the oldest half of
// the LRU once it reaches its capacity.
func (d *Dedupe) Check(messageID string) DedupeResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.entries[messageID]; ok {
		d.order.MoveToFront(el)
		return Duplicate
	}

	if d.order.Len() >= maxDedupeEntries {
		d.evictOldestHalf()
	}

	el := d.order.PushFront(messageID)
	d.entries[messageID] = el
	return Fresh
}

func (d *Dedupe) evictOldestHalf() {
	toEvict := d.order.Len() / 2
	for i := 0; i < toEvict; i++ {
		back := d.order.Back()
		if back == nil {
			return
		}
		d.order.Remove(back)
		delete(d.entries, back.Value.(string))
	}
}

// Len returns the number of messageIds currently tracked.
func (d *Dedupe) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
