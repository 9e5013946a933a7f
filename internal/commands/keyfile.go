package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/keshon/pakio/internal/keys"
	"github.com/keshon/pakio/internal/util"
)

// keyFile is the on-disk form of an encryption key: both fields hex
// encoded, the guid 16 bytes and the key 32.
type keyFile struct {
	GUID string `json:"guid"`
	Key  string `json:"key"`
}

func readKeyFile(path string) (keys.GUID, []byte, error) {
	var kf keyFile
	if err := util.ReadJSON(path, &kf); err != nil {
		return keys.ZeroGUID, nil, fmt.Errorf("read key file %s: %w", path, err)
	}
	guid, err := keys.ParseGUID(kf.GUID)
	if err != nil {
		return keys.ZeroGUID, nil, err
	}
	key, err := hex.DecodeString(kf.Key)
	if err != nil {
		return keys.ZeroGUID, nil, fmt.Errorf("decode key in %s: %w", path, err)
	}
	if len(key) != keys.KeySize {
		return keys.ZeroGUID, nil, fmt.Errorf("key in %s: want %d bytes, got %d", path, keys.KeySize, len(key))
	}
	return guid, key, nil
}

// loadKeyring returns a keyring holding the key from keyPath, or an
// empty keyring when keyPath is empty.
func loadKeyring(keyPath string) (*keys.Keyring, error) {
	ring := keys.NewKeyring()
	if keyPath == "" {
		return ring, nil
	}
	guid, key, err := readKeyFile(keyPath)
	if err != nil {
		return nil, err
	}
	if err := ring.RegisterKey(guid, key); err != nil {
		return nil, err
	}
	return ring, nil
}
