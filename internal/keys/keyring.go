package keys

import (
	"encoding/hex"
	"fmt"
	"sync"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// GUID identifies an encryption key. Containers persist the GUID of the
// key they were encrypted with; the key bytes themselves arrive out of
// band and are registered at runtime.
type GUID [16]byte

// ZeroGUID is the "no key" value.
var ZeroGUID GUID

func (g GUID) IsZero() bool {
	return g == ZeroGUID
}

func (g GUID) String() string {
	return hex.EncodeToString(g[:])
}

// ParseGUID decodes a 32-character hex string.
func ParseGUID(s string) (GUID, error) {
	var g GUID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return g, fmt.Errorf("parse key guid %q: %w", s, err)
	}
	if len(raw) != len(g) {
		return g, fmt.Errorf("parse key guid %q: want %d bytes, got %d", s, len(g), len(raw))
	}
	copy(g[:], raw)
	return g, nil
}

// Keyring holds registered AES-256 keys by GUID. Containers whose key
// is missing mount in a locked state; subscribers are notified when a
// key arrives so the dispatcher can unlock them.
type Keyring struct {
	mu   sync.RWMutex
	keys map[GUID][KeySize]byte
	subs []func(GUID)
}

func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[GUID][KeySize]byte)}
}

// RegisterKey adds a key. Re-registering the same GUID overwrites.
// Subscribers are invoked synchronously, outside the keyring lock.
func (k *Keyring) RegisterKey(guid GUID, key []byte) error {
	if guid.IsZero() {
		return fmt.Errorf("register key: zero guid")
	}
	if len(key) != KeySize {
		return fmt.Errorf("register key %s: want %d bytes, got %d", guid, KeySize, len(key))
	}
	var fixed [KeySize]byte
	copy(fixed[:], key)

	k.mu.Lock()
	k.keys[guid] = fixed
	subs := append([]func(GUID){}, k.subs...)
	k.mu.Unlock()

	for _, fn := range subs {
		fn(guid)
	}
	return nil
}

// Lookup returns the key bytes for a GUID.
func (k *Keyring) Lookup(guid GUID) ([KeySize]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[guid]
	return key, ok
}

// Notify registers a callback invoked whenever a key is registered.
func (k *Keyring) Notify(fn func(GUID)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.subs = append(k.subs, fn)
}
