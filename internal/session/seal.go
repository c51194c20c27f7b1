package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/fruitsalade/unifile/internal/driver"
)

const nonceSize = 24

var errUnseal = errors.New("sealed credentials failed authentication")

// sealer encrypts credentials before they reach a Store.
type sealer struct {
	key [32]byte
}

func newSealer(secret []byte) *sealer {
	s := &sealer{}
	s.key = sha256.Sum256(append([]byte("unifile-credentials:"), secret...))
	return s
}

func (s *sealer) seal(creds driver.Credentials) ([]byte, error) {
	if creds.Empty() {
		return nil, nil
	}
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &s.key), nil
}

func (s *sealer) open(sealed []byte) (driver.Credentials, error) {
	var creds driver.Credentials
	if len(sealed) == 0 {
		return creds, nil
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return creds, errUnseal
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return creds, errUnseal
	}
	if err := json.Unmarshal(plain, &creds); err != nil {
		return creds, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return creds, nil
}
