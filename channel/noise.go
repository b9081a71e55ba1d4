// Package channel provides the end-to-end encrypted duplex message stream
// between two paykit identities. Transport keys are established by a
// Noise_IK handshake (one round trip; the initiator's first flight fixes the
// keys) and each message travels as one length-prefixed encrypted frame.
package channel

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"

	"paykit/crypto"
)

const (
	// DefaultMaxFrameBytes bounds one encrypted frame.
	DefaultMaxFrameBytes = 1 << 20
	frameHeaderSize      = 4
)

var (
	ErrChannelClosed = errors.New("channel: closed")
	ErrFrameTooLarge = errors.New("channel: frame exceeds maximum size")
	ErrSendFailed    = errors.New("channel: send failed")
	ErrRecvFailed    = errors.New("channel: recv failed")
	ErrBadHello      = errors.New("channel: identity binding failed")
)

func cipherSuite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
}

// GenerateStaticKey mints a fresh Curve25519 static key for the Noise layer.
// This is the serverPk advertised inside noise:// endpoints; it is distinct
// from the Ed25519 identity, which is bound to the session by the hello
// exchange.
func GenerateStaticKey() (noise.DHKey, error) {
	return cipherSuite().GenerateKeypair(rand.Reader)
}

// Config carries what both ends of a channel need.
type Config struct {
	// Static is the local Noise static keypair.
	Static noise.DHKey
	// Identity is the local long-term Ed25519 identity.
	Identity *crypto.KeyPair
	// MaxFrameBytes bounds inbound and outbound frames; zero means the
	// default.
	MaxFrameBytes int
}

func (c Config) maxFrame() int {
	if c.MaxFrameBytes <= 0 {
		return DefaultMaxFrameBytes
	}
	return c.MaxFrameBytes
}

// Channel is an established secure session. Send and Recv are each
// internally serialised; one goroutine may send while another receives.
type Channel struct {
	conn   net.Conn
	reader *bufio.Reader

	sendMu sync.Mutex
	recvMu sync.Mutex
	enc    *noise.CipherState
	dec    *noise.CipherState

	maxFrame int
	remote   crypto.Pubkey

	closeOnce sync.Once
	closed    chan struct{}

	metrics *channelMetrics
}

// Dial runs the initiator side of the handshake over an established
// connection. remoteStatic is the responder's Noise static public key taken
// from its advertised endpoint.
func Dial(ctx context.Context, conn net.Conn, cfg Config, remoteStatic []byte) (*Channel, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("channel: missing identity keypair")
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite(),
		Pattern:       noise.HandshakeIK,
		Initiator:     true,
		StaticKeypair: cfg.Static,
		PeerStatic:    remoteStatic,
	})
	if err != nil {
		return nil, fmt.Errorf("channel: init handshake: %w", err)
	}

	reader := bufio.NewReader(conn)
	maxFrame := cfg.maxFrame()

	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("channel: build handshake flight: %w", err)
	}
	if err := writeRawFrame(ctx, conn, msg1, maxFrame); err != nil {
		return nil, fmt.Errorf("channel: send handshake: %w", err)
	}

	msg2, err := readRawFrame(ctx, conn, reader, maxFrame)
	if err != nil {
		return nil, fmt.Errorf("channel: read handshake: %w", err)
	}
	// Split order follows the Noise spec: the first CipherState carries the
	// initiator-to-responder direction.
	_, sendCS, recvCS, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, fmt.Errorf("channel: complete handshake: %w", err)
	}

	ch := &Channel{
		conn:     conn,
		reader:   reader,
		enc:      sendCS,
		dec:      recvCS,
		maxFrame: maxFrame,
		closed:   make(chan struct{}),
		metrics:  getChannelMetrics(),
	}
	if err := ch.exchangeHello(ctx, cfg.Identity, hs.ChannelBinding(), true); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// Accept runs the responder side of the handshake.
func Accept(ctx context.Context, conn net.Conn, cfg Config) (*Channel, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("channel: missing identity keypair")
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite(),
		Pattern:       noise.HandshakeIK,
		StaticKeypair: cfg.Static,
	})
	if err != nil {
		return nil, fmt.Errorf("channel: init handshake: %w", err)
	}

	reader := bufio.NewReader(conn)
	maxFrame := cfg.maxFrame()

	msg1, err := readRawFrame(ctx, conn, reader, maxFrame)
	if err != nil {
		return nil, fmt.Errorf("channel: read handshake: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, fmt.Errorf("channel: process handshake: %w", err)
	}

	msg2, recvCS, sendCS, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("channel: build handshake reply: %w", err)
	}
	if err := writeRawFrame(ctx, conn, msg2, maxFrame); err != nil {
		return nil, fmt.Errorf("channel: send handshake reply: %w", err)
	}

	ch := &Channel{
		conn:     conn,
		reader:   reader,
		enc:      sendCS,
		dec:      recvCS,
		maxFrame: maxFrame,
		closed:   make(chan struct{}),
		metrics:  getChannelMetrics(),
	}
	if err := ch.exchangeHello(ctx, cfg.Identity, hs.ChannelBinding(), false); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// helloDigest is what each side signs to bind its Ed25519 identity to the
// Noise session. The signer's own identity is part of the image so a peer
// cannot echo the signature back under its own name.
func helloDigest(channelBinding []byte, signer crypto.Pubkey) []byte {
	image := make([]byte, 0, len(crypto.DomainChannel)+len(channelBinding)+crypto.PubkeySize)
	image = append(image, crypto.DomainChannel...)
	image = append(image, channelBinding...)
	image = append(image, signer[:]...)
	sum := sha256.Sum256(image)
	return sum[:]
}

// exchangeHello is ordered by role so neither side blocks writing into an
// unread stream: the initiator speaks first, the responder answers.
func (ch *Channel) exchangeHello(ctx context.Context, identity *crypto.KeyPair, binding []byte, initiator bool) error {
	sig := ed25519.Sign(ed25519.NewKeyFromSeed(identity.Seed()), helloDigest(binding, identity.Pubkey()))
	local := &Hello{Identity: identity.Pubkey(), Sig: crypto.EncodeHex(sig)}

	if initiator {
		if err := ch.Send(ctx, local); err != nil {
			return fmt.Errorf("%w: send hello: %s", ErrBadHello, err)
		}
	}
	msg, err := ch.Recv(ctx)
	if err != nil {
		return fmt.Errorf("%w: read hello: %s", ErrBadHello, err)
	}
	if !initiator {
		if err := ch.Send(ctx, local); err != nil {
			return fmt.Errorf("%w: send hello: %s", ErrBadHello, err)
		}
	}
	remote, ok := msg.(*Hello)
	if !ok {
		return fmt.Errorf("%w: expected hello, got %s", ErrBadHello, MessageType(msg))
	}
	remoteSig, err := crypto.DecodeHex(remote.Sig)
	if err != nil || len(remoteSig) != crypto.SignatureSize {
		return fmt.Errorf("%w: malformed hello signature", ErrBadHello)
	}
	if remote.Identity == identity.Pubkey() {
		return fmt.Errorf("%w: peer claims the local identity", ErrBadHello)
	}
	if !ed25519.Verify(ed25519.PublicKey(remote.Identity.Bytes()), helloDigest(binding, remote.Identity), remoteSig) {
		return fmt.Errorf("%w: hello signature does not verify", ErrBadHello)
	}
	ch.remote = remote.Identity
	return nil
}

// RemoteIdentity returns the peer's verified Ed25519 identity.
func (ch *Channel) RemoteIdentity() crypto.Pubkey {
	return ch.remote
}

// Send encrypts and writes one message frame.
func (ch *Channel) Send(ctx context.Context, msg Message) error {
	select {
	case <-ch.closed:
		return ErrChannelClosed
	default:
	}
	plaintext, err := Encode(msg)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSendFailed, err)
	}

	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()

	ciphertext, err := ch.enc.Encrypt(nil, nil, plaintext)
	if err != nil {
		return fmt.Errorf("%w: encrypt: %s", ErrSendFailed, err)
	}
	if err := writeRawFrame(ctx, ch.conn, ciphertext, ch.maxFrame); err != nil {
		return fmt.Errorf("%w: %s", ErrSendFailed, err)
	}
	ch.metrics.observeFrame("out", MessageType(msg))
	return nil
}

// Recv reads and decrypts one message frame. The context deadline bounds
// the wait; cancellation surfaces as the context error.
func (ch *Channel) Recv(ctx context.Context) (Message, error) {
	select {
	case <-ch.closed:
		return nil, ErrChannelClosed
	default:
	}

	ch.recvMu.Lock()
	defer ch.recvMu.Unlock()

	ciphertext, err := readRawFrame(ctx, ch.conn, ch.reader, ch.maxFrame)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrChannelClosed
		}
		// Context errors surface as themselves so callers can tell a
		// deadline from a broken transport.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrRecvFailed, err)
	}
	plaintext, err := ch.dec.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %s", ErrRecvFailed, err)
	}
	msg, err := Decode(plaintext)
	if err != nil {
		return nil, err
	}
	ch.metrics.observeFrame("in", MessageType(msg))
	return msg, nil
}

// Close tears the session down. Safe to call more than once.
func (ch *Channel) Close() error {
	var err error
	ch.closeOnce.Do(func() {
		close(ch.closed)
		err = ch.conn.Close()
	})
	return err
}

// frame = big_endian_u32(len) || ciphertext

func writeRawFrame(ctx context.Context, conn net.Conn, payload []byte, maxFrame int) error {
	if len(payload) > maxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer conn.SetWriteDeadline(time.Time{})
	}
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := conn.Write(header[:]); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

func readRawFrame(ctx context.Context, conn net.Conn, reader *bufio.Reader, maxFrame int) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(reader, header[:]); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if int(size) > maxFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(reader, payload); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return payload, nil
}
