package sessioncrypto

import (
	"bytes"
	"testing"

	"github.com/4-R-C-4-N-4/summit/internal/identity"
)

func localKey(t *testing.T) LocalKey {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	return LocalKey{Private: id.PrivateBytes(), Public: id.Public()}
}

// runHandshake drives a full Noise_XX exchange (msg1/msg2/msg3) between
// an initiator and a responder, returning both sides' Transport.
func runHandshake(t *testing.T) (*Transport, *Transport) {
	t.Helper()

	initiator, err := NewInitiator(localKey(t))
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}
	responder, err := NewResponder(localKey(t))
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}

	msg1, _, err := initiator.WriteMessage()
	if err != nil {
		t.Fatalf("initiator msg1: %v", err)
	}

	if _, err := responder.ReadMessage(msg1); err != nil {
		t.Fatalf("responder read msg1: %v", err)
	}

	msg2, _, err := responder.WriteMessage()
	if err != nil {
		t.Fatalf("responder msg2: %v", err)
	}

	if _, err := initiator.ReadMessage(msg2); err != nil {
		t.Fatalf("initiator read msg2: %v", err)
	}

	msg3, iTransport, err := initiator.WriteMessage()
	if err != nil {
		t.Fatalf("initiator msg3: %v", err)
	}
	if iTransport == nil {
		t.Fatal("initiator did not complete after writing msg3")
	}

	rTransport, err := responder.ReadMessage(msg3)
	if err != nil {
		t.Fatalf("responder read msg3: %v", err)
	}
	if rTransport == nil {
		t.Fatal("responder did not complete after reading msg3")
	}

	return iTransport, rTransport
}

// encrypt seals plaintext on tr, failing the test on error.
func encrypt(t *testing.T, tr *Transport, plaintext []byte) []byte {
	t.Helper()
	frame, err := tr.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return frame
}

func TestHandshakeRoundTrip(t *testing.T) {
	iTransport, rTransport := runHandshake(t)

	frame := encrypt(t, iTransport, []byte("hello responder"))
	plaintext, err := rTransport.Decrypt(frame)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("hello responder")) {
		t.Fatalf("got %q, want %q", plaintext, "hello responder")
	}
}

func TestReplayRejected(t *testing.T) {
	iTransport, rTransport := runHandshake(t)

	frame := encrypt(t, iTransport, []byte("once only"))

	if _, err := rTransport.Decrypt(frame); err != nil {
		t.Fatalf("first decrypt: %v", err)
	}

	if _, err := rTransport.Decrypt(frame); err != ErrReplay {
		t.Fatalf("replayed frame: got err %v, want ErrReplay", err)
	}
}

func TestNonStrictlyIncreasingNonceRejected(t *testing.T) {
	iTransport, rTransport := runHandshake(t)

	f1 := encrypt(t, iTransport, []byte("first"))
	f2 := encrypt(t, iTransport, []byte("second"))

	if _, err := rTransport.Decrypt(f2); err != nil {
		t.Fatalf("decrypt f2: %v", err)
	}
	// f1's nonce (0) is not strictly greater than f2's (1), so it must
	// be dropped even though it was never seen before.
	if _, err := rTransport.Decrypt(f1); err != ErrReplay {
		t.Fatalf("out-of-order-behind frame: got err %v, want ErrReplay", err)
	}
}

func TestTamperedFrameRejected(t *testing.T) {
	iTransport, rTransport := runHandshake(t)

	frame := encrypt(t, iTransport, []byte("important"))
	frame[len(frame)-1] ^= 0xFF

	if _, err := rTransport.Decrypt(frame); err != ErrAEADFailure {
		t.Fatalf("tampered frame: got err %v, want ErrAEADFailure", err)
	}
}
