package crypto

import (
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestGenerateKey(t *testing.T) {
	signer, err := GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	// Check address is valid
	if signer.Address() == (common.Address{}) {
		t.Error("generated zero address")
	}

	// Check private key hex is 64 chars (32 bytes)
	if privHex := signer.PrivateKeyHex(); len(privHex) != 64 {
		t.Errorf("private key hex length = %d, want 64", len(privHex))
	}
}

func TestFromPrivateKeyHex(t *testing.T) {
	signer1, _ := GenerateKey()
	privHex := signer1.PrivateKeyHex()

	for _, key := range []string{privHex, "0x" + privHex} {
		signer2, err := FromPrivateKeyHex(key)
		if err != nil {
			t.Fatalf("failed to load key %q: %v", key, err)
		}
		if signer2.Address() != signer1.Address() {
			t.Errorf("address = %s, want %s", signer2.Address().Hex(), signer1.Address().Hex())
		}
	}

	if _, err := FromPrivateKeyHex("zz"); err == nil {
		t.Error("malformed key accepted")
	}
}

func TestSignAndRecover(t *testing.T) {
	signer, _ := GenerateKey()
	message := []byte(`{"owner":"x","symbol":"BTC-USDT"}`)

	sig, err := signer.SignMessage(message)
	if err != nil {
		t.Fatal(err)
	}
	if len(sig) != 65 || (sig[64] != 27 && sig[64] != 28) {
		t.Fatalf("signature %x", sig)
	}

	addr, err := RecoverAddress(message, sig)
	if err != nil {
		t.Fatal(err)
	}
	if addr != signer.Address() {
		t.Errorf("recovered %s, want %s", addr.Hex(), signer.Address().Hex())
	}

	// raw V (0/1) is accepted too
	raw := append([]byte{}, sig...)
	raw[64] -= 27
	if addr, err := RecoverAddress(message, raw); err != nil || addr != signer.Address() {
		t.Errorf("raw V: %s, %v", addr.Hex(), err)
	}
}

func TestVerifyOwner(t *testing.T) {
	alice, _ := GenerateKey()
	bob, _ := GenerateKey()
	msg := CancelMessage("order-1")
	sig, err := alice.SignMessageHex(msg)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		owner string
		msg   []byte
		sig   string
		ok    bool
	}{
		{"valid", alice.Address().Hex(), msg, sig, true},
		{"lower-case owner", strings.ToLower(alice.Address().Hex()), msg, sig, true},
		{"other owner", bob.Address().Hex(), msg, sig, false},
		{"other message", alice.Address().Hex(), CancelMessage("order-2"), sig, false},
		{"trade status message", alice.Address().Hex(), TradeStatusMessage("order-1", "COMPLETED"), sig, false},
		{"escrow message", alice.Address().Hex(), EscrowMessage("release", "order-1"), sig, false},
		{"not an address", "alice", msg, sig, false},
		{"not hex", alice.Address().Hex(), msg, "nope", false},
		{"short", alice.Address().Hex(), msg, "0x1234", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyOwner(tt.owner, tt.msg, tt.sig)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrBadSignature) {
				t.Errorf("err = %v, want ErrBadSignature", err)
			}
		})
	}
}
