package e2ee

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

// Frame header: magic byte, key id, nonce. The key id is a lookup hint and is
// left out of the additional data so the current-key fallback can open a
// frame whose id is unknown.
const (
	frameMagic byte = 0xE2
	nonceSize       = 12
	headerSize      = 1 + keyIDSize + nonceSize
	// Overhead is the number of bytes Seal adds to a frame.
	Overhead = headerSize + 16
)

var additionalData = []byte{frameMagic}

// Result classifies what happened to one frame.
type Result int

const (
	ResultPlain     Result = iota // no header, or no key yet: forwarded unmodified
	ResultEncrypted               // sealed with the current key
	ResultDecrypted               // opened with the key named in the header
	ResultFallback                // opened with the current key after an id miss
	ResultDropped                 // could not be opened; frame discarded
)

func (r Result) String() string {
	switch r {
	case ResultPlain:
		return "plain"
	case ResultEncrypted:
		return "encrypted"
	case ResultDecrypted:
		return "decrypted"
	case ResultFallback:
		return "fallback"
	case ResultDropped:
		return "dropped"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// KeyRing holds the keys of one call: one current key for outgoing frames
// and every key seen so far for incoming ones.
type KeyRing struct {
	mu       sync.RWMutex
	keys     map[string]*Key
	current  *Key
	fallback bool
}

// NewKeyRing creates an empty ring. allowFallback enables the single retry
// with the current key when a frame names an unknown key id.
func NewKeyRing(allowFallback bool) *KeyRing {
	return &KeyRing{keys: make(map[string]*Key), fallback: allowFallback}
}

// Add retains k for decrypting incoming frames.
func (r *KeyRing) Add(k *Key) {
	r.mu.Lock()
	r.keys[k.ID] = k
	r.mu.Unlock()
}

// SetCurrent retains k and makes it the key for outgoing frames.
func (r *KeyRing) SetCurrent(k *Key) {
	r.mu.Lock()
	r.keys[k.ID] = k
	r.current = k
	r.mu.Unlock()
}

// AdoptIfNone retains k and makes it current only if no current key exists.
// Reports whether k became current.
func (r *KeyRing) AdoptIfNone(k *Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[k.ID] = k
	if r.current != nil {
		return false
	}
	r.current = k
	return true
}

func (r *KeyRing) Current() *Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

func (r *KeyRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// Clear forgets every key.
func (r *KeyRing) Clear() {
	r.mu.Lock()
	r.keys = make(map[string]*Key)
	r.current = nil
	r.mu.Unlock()
}

// Seal encrypts frame with the current key. Without a current key the frame
// is returned unmodified with ResultPlain.
func (r *KeyRing) Seal(frame []byte) ([]byte, Result, error) {
	k := r.Current()
	if k == nil {
		return frame, ResultPlain, nil
	}

	id, err := hex.DecodeString(k.ID)
	if err != nil || len(id) != keyIDSize {
		return nil, ResultDropped, fmt.Errorf("e2ee: malformed key id %q", k.ID)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, ResultDropped, fmt.Errorf("e2ee: nonce: %w", err)
	}

	out := make([]byte, headerSize, headerSize+len(frame)+k.aead.Overhead())
	out[0] = frameMagic
	copy(out[1:], id)
	copy(out[1+keyIDSize:], nonce)
	out = k.aead.Seal(out, nonce, frame, additionalData)
	return out, ResultEncrypted, nil
}

// Open decrypts frame. It never fails loudly: frames without a header, or
// any frame while no key exists yet, come back unmodified; frames that
// cannot be opened come back nil with ResultDropped.
func (r *KeyRing) Open(frame []byte) ([]byte, Result) {
	if len(frame) < headerSize || frame[0] != frameMagic {
		return frame, ResultPlain
	}

	r.mu.RLock()
	empty := len(r.keys) == 0
	k := r.keys[hex.EncodeToString(frame[1:1+keyIDSize])]
	cur := r.current
	fallback := r.fallback
	r.mu.RUnlock()

	if empty {
		return frame, ResultPlain
	}

	if k != nil {
		if plain, ok := open(k, frame); ok {
			return plain, ResultDecrypted
		}
		return nil, ResultDropped
	}

	if fallback && cur != nil {
		if plain, ok := open(cur, frame); ok {
			return plain, ResultFallback
		}
	}
	return nil, ResultDropped
}

func open(k *Key, frame []byte) ([]byte, bool) {
	nonce := frame[1+keyIDSize : headerSize]
	plain, err := k.aead.Open(nil, nonce, frame[headerSize:], additionalData)
	if err != nil {
		return nil, false
	}
	return plain, true
}
