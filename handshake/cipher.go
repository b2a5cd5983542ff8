package handshake

import (
	"crypto/cipher"
	"fmt"
	"sync"

	"github.com/katzenpost/nyquist"
)

// cipherContext implements channel.EncryptionContext over the pair of
// per-direction Noise cipher states a completed handshake yields. Each
// direction's Noise nonce is an internal auto-incrementing counter, so
// concurrent writers must serialize through encMu the same way a
// single TCP socket serializes concurrent Write calls.
type cipherContext struct {
	encMu sync.Mutex
	tx    *nyquist.CipherState

	decMu sync.Mutex
	rx    *nyquist.CipherState

	// fallback is a transcript-bound AEAD used only if a future
	// renegotiation needs a key independent of the Noise session's
	// own ratchet; unused by the steady-state Encrypt/Decrypt path.
	fallback cipher.AEAD
}

func (c *cipherContext) Encrypt(plaintext []byte) ([]byte, error) {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	out, err := c.tx.Encrypt(nil, nil, plaintext)
	if err != nil {
		return nil, fmt.Errorf("handshake: encrypt: %w", err)
	}
	return out, nil
}

func (c *cipherContext) Decrypt(ciphertext []byte) ([]byte, error) {
	c.decMu.Lock()
	defer c.decMu.Unlock()
	out, err := c.rx.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("handshake: decrypt: %w", err)
	}
	return out, nil
}
