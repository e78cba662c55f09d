package keystore

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/rigado/hcicore/linux/hci"
)

type store struct {
	filename string
	lock     sync.RWMutex
}

type keyFile struct {
	Keys []remoteKey `json:"keys"`
}

type remoteKey struct {
	Address string `json:"address"`
	LinkKey string `json:"linkKey"`
	Type    uint8  `json:"type"`
}

// New returns a KeyStore persisted as JSON in filename. The file is created
// on the first Save.
func New(filename string) hci.KeyStore {
	return &store{filename: filename}
}

func (s *store) Exists(addr string) bool {
	if len(addr) != 12 {
		return false
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	keys, err := s.load()
	if err != nil {
		return false
	}
	return keys.index(addr) >= 0
}

func (s *store) Find(addr string) (hci.LinkKey, error) {
	if len(addr) != 12 {
		return nil, fmt.Errorf("invalid address: %s", addr)
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	keys, err := s.load()
	if err != nil {
		return nil, err
	}

	i := keys.index(addr)
	if i < 0 {
		return nil, fmt.Errorf("link key not found for %s", addr)
	}

	rk := keys.Keys[i]
	b, err := hex.DecodeString(rk.LinkKey)
	if err != nil || len(b) != 16 {
		return nil, fmt.Errorf("invalid link key for %s in key file", addr)
	}

	var k [16]byte
	copy(k[:], b)
	return hci.NewLinkKey(k, rk.Type), nil
}

// Save stores key for addr, replacing any key already held for it.
func (s *store) Save(addr string, key hci.LinkKey) error {
	if len(addr) != 12 {
		return fmt.Errorf("invalid address: %s", addr)
	}
	if key == nil {
		return fmt.Errorf("empty link key")
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	keys, err := s.load()
	if err != nil {
		return err
	}

	k := key.Key()
	rk := remoteKey{
		Address: addr,
		LinkKey: hex.EncodeToString(k[:]),
		Type:    key.KeyType(),
	}
	if i := keys.index(addr); i >= 0 {
		keys.Keys[i] = rk
	} else {
		keys.Keys = append(keys.Keys, rk)
	}

	return s.store(keys)
}

func (s *store) Delete(addr string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	keys, err := s.load()
	if err != nil {
		return err
	}

	i := keys.index(addr)
	if i < 0 {
		return nil
	}
	keys.Keys = append(keys.Keys[:i], keys.Keys[i+1:]...)
	return s.store(keys)
}

func (f *keyFile) index(addr string) int {
	for i, k := range f.Keys {
		if k.Address == addr {
			return i
		}
	}
	return -1
}

func (s *store) load() (*keyFile, error) {
	var keys keyFile

	_, err := os.Stat(s.filename)
	if os.IsNotExist(err) {
		return &keys, nil
	}

	in, err := ioutil.ReadFile(s.filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %s", err)
	}

	if len(in) > 0 {
		if err := jsoniter.Unmarshal(in, &keys); err != nil {
			return nil, fmt.Errorf("failed to unmarshal key file: %s", err)
		}
	}
	return &keys, nil
}

func (s *store) store(keys *keyFile) error {
	out, err := jsoniter.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to marshal keys to json: %s", err)
	}

	return ioutil.WriteFile(s.filename, out, 0600)
}
