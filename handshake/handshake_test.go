package handshake

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearbymesh/nearbycore/wire"
)

type pipeRawChannel struct {
	conn net.Conn
}

func (p *pipeRawChannel) WriteHandshakeMessage(msg []byte) error {
	return wire.WriteRaw(p.conn, msg)
}

func (p *pipeRawChannel) ReadHandshakeMessage() ([]byte, error) {
	return wire.ReadRaw(p.conn)
}

func TestHandshakeRoundTripEncryptsAndDecrypts(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	clientRC := &pipeRawChannel{conn: a}
	serverRC := &pipeRawChannel{conn: b}

	var (
		clientCtx, serverCtx interface {
			Encrypt([]byte) ([]byte, error)
			Decrypt([]byte) ([]byte, error)
		}
		clientErr, serverErr error
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		clientCtx, clientErr = NewRunner(RoleClient, nil).Run(clientRC)
	}()
	go func() {
		defer wg.Done()
		serverCtx, serverErr = NewRunner(RoleServer, nil).Run(serverRC)
	}()
	wg.Wait()

	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	require.NotNil(t, clientCtx)
	require.NotNil(t, serverCtx)

	ciphertext, err := clientCtx.Encrypt([]byte("hello from client"))
	require.NoError(t, err)
	plaintext, err := serverCtx.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "hello from client", string(plaintext))

	reply, err := serverCtx.Encrypt([]byte("hello from server"))
	require.NoError(t, err)
	decoded, err := clientCtx.Decrypt(reply)
	require.NoError(t, err)
	assert.Equal(t, "hello from server", string(decoded))
}

func TestGenerateStaticIdentityProducesStablePublicKey(t *testing.T) {
	id, err := GenerateStaticIdentity()
	require.NoError(t, err)

	reloaded, err := LoadStaticIdentity(id.Seed)
	require.NoError(t, err)
	assert.Equal(t, id.PublicKey, reloaded.PublicKey)
}
