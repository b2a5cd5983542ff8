// Package handshake drives the Noise-protocol encryption handshake
// (spec.md §4 component H) over a freshly dialed or accepted channel,
// before any Command framing is encrypted, producing the AEAD cipher
// pair channel.EnableEncryption installs.
package handshake

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/katzenpost/chacha20poly1305"
	"github.com/katzenpost/nyquist"
	"github.com/katzenpost/nyquist/dh"
	"golang.org/x/crypto/hkdf"

	"github.com/nearbymesh/nearbycore/channel"
)

// noiseProtocol names the Noise pattern/primitive combination driving
// the handshake: XX (mutual, no prior knowledge of the peer's static
// key) over X25519/ChaChaPoly/BLAKE2b, matching the teacher's own
// wire-session handshake.
const noiseProtocol = "Noise_XX_25519_ChaChaPoly_BLAKE2b"

// Role distinguishes the two sides of a handshake. Per spec §4.5, one
// side of a freshly established channel is the server, the other the
// client; both read and write opaque handshake messages via the
// channel before any framing is interpreted.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

// RawChannel is the narrow read/write surface a Runner needs before
// encryption exists: raw length-delimited opaque byte messages, not
// Command frames.
type RawChannel interface {
	WriteHandshakeMessage(msg []byte) error
	ReadHandshakeMessage() ([]byte, error)
}

// Runner drives one XX handshake to completion and yields the derived
// encryption context. It is used once per fresh channel.
type Runner struct {
	role         Role
	staticKeypair dh.Keypair
}

// NewRunner constructs a Runner for one side of a fresh channel.
// staticKeypair may be nil; when non-nil (use_stable_endpoint_id) it
// authenticates this process across sessions.
func NewRunner(role Role, staticKeypair dh.Keypair) *Runner {
	return &Runner{role: role, staticKeypair: staticKeypair}
}

// Run performs the three-message XX exchange over rc and derives the
// channel's transcript-bound cipher pair. Pauses in the channel during
// BWU never affect this: the handshake only ever runs on a fresh
// channel (spec §4.5).
func (r *Runner) Run(rc RawChannel) (channel.EncryptionContext, error) {
	proto, err := nyquist.NewProtocol(noiseProtocol)
	if err != nil {
		return nil, fmt.Errorf("handshake: protocol: %w", err)
	}

	cfg := &nyquist.HandshakeConfig{
		Protocol:    proto,
		Rng:         rand.Reader,
		IsInitiator: r.role == RoleClient,
		LocalStatic: r.staticKeypair,
	}

	hs, err := nyquist.NewHandshake(cfg)
	if err != nil {
		return nil, fmt.Errorf("handshake: new: %w", err)
	}
	defer hs.Reset()

	var status *nyquist.HandshakeStatus
	if r.role == RoleClient {
		msg1, _, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return nil, fmt.Errorf("handshake: write msg1: %w", err)
		}
		if err := rc.WriteHandshakeMessage(msg1); err != nil {
			return nil, fmt.Errorf("handshake: send msg1: %w", err)
		}

		raw2, err := rc.ReadHandshakeMessage()
		if err != nil {
			return nil, fmt.Errorf("handshake: recv msg2: %w", err)
		}
		if _, status, err = hs.ReadMessage(nil, raw2); err != nil {
			return nil, fmt.Errorf("handshake: read msg2: %w", err)
		}

		msg3, status3, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return nil, fmt.Errorf("handshake: write msg3: %w", err)
		}
		status = status3
		if err := rc.WriteHandshakeMessage(msg3); err != nil {
			return nil, fmt.Errorf("handshake: send msg3: %w", err)
		}
	} else {
		raw1, err := rc.ReadHandshakeMessage()
		if err != nil {
			return nil, fmt.Errorf("handshake: recv msg1: %w", err)
		}
		if _, status, err = hs.ReadMessage(nil, raw1); err != nil {
			return nil, fmt.Errorf("handshake: read msg1: %w", err)
		}

		msg2, _, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return nil, fmt.Errorf("handshake: write msg2: %w", err)
		}
		if err := rc.WriteHandshakeMessage(msg2); err != nil {
			return nil, fmt.Errorf("handshake: send msg2: %w", err)
		}

		raw3, err := rc.ReadHandshakeMessage()
		if err != nil {
			return nil, fmt.Errorf("handshake: recv msg3: %w", err)
		}
		if _, status, err = hs.ReadMessage(nil, raw3); err != nil {
			return nil, fmt.Errorf("handshake: read msg3: %w", err)
		}
	}

	if status == nil || !status.HandshakeDone || status.Err != nil {
		return nil, fmt.Errorf("handshake: incomplete: %v", status)
	}

	txCS, rxCS := status.CipherStates[0], status.CipherStates[1]
	if r.role == RoleServer {
		txCS, rxCS = rxCS, txCS
	}

	bindKey, err := transcriptBindingKey(status.HandshakeHash)
	if err != nil {
		return nil, fmt.Errorf("handshake: transcript binding: %w", err)
	}
	fallback, err := chacha20poly1305.New(bindKey)
	if err != nil {
		return nil, fmt.Errorf("handshake: fallback aead: %w", err)
	}

	return &cipherContext{tx: txCS, rx: rxCS, fallback: fallback}, nil
}

// transcriptBindingKey derives a 32-byte key from the handshake hash
// via HKDF, the same derive-from-transcript-secret technique the
// teacher's stream package uses for its reader/writer key material.
func transcriptBindingKey(handshakeHash []byte) ([]byte, error) {
	salt := []byte("nearbycore_transcript_binding")
	kdf := hkdf.New(sha256.New, handshakeHash, salt, nil)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}
