package crypto

import (
	"bytes"
	"path/filepath"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func TestAddressRoundTrip(t *testing.T) {
	var raw [20]byte
	copy(raw[:], bytes.Repeat([]byte{0x42}, 20))
	encoded := FromRaw(raw).String()
	if encoded[:4] != "dos1" {
		t.Fatalf("expected dos1 prefix, got %s", encoded)
	}
	decoded, err := ParseAddress(encoded)
	if err != nil {
		t.Fatalf("parse address: %v", err)
	}
	if decoded != raw {
		t.Fatalf("decoded address mismatch: %x", decoded)
	}
}

func TestParseAddressRejectsForeignPrefix(t *testing.T) {
	var raw [20]byte
	foreign := NewAddress("fgn", raw[:]).String()
	if _, err := ParseAddress(foreign); err == nil {
		t.Fatalf("expected prefix error")
	}
	if _, err := ParseAddress("not-an-address"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestSignAndRecover(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	digest := ethcrypto.Keccak256([]byte("payload"))
	sig, err := key.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	recovered, err := RecoverAddress(digest, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != key.PubKey().Address().Raw() {
		t.Fatalf("recovered address mismatch")
	}

	other := ethcrypto.Keccak256([]byte("tampered"))
	tampered, err := RecoverAddress(other, sig)
	if err == nil && tampered == recovered {
		t.Fatalf("signature should not verify for a different digest")
	}
	if _, err := RecoverAddress(digest, sig[:10]); err == nil {
		t.Fatalf("expected length error")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "payer.keystore")
	if err := SaveToKeystore(path, key, "correct horse"); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	addr, err := KeystoreAddress(path)
	if err != nil {
		t.Fatalf("keystore address: %v", err)
	}
	if addr.Raw() != key.PubKey().Address().Raw() {
		t.Fatalf("keystore address mismatch")
	}
	loaded, err := LoadFromKeystore(path, "correct horse")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if !bytes.Equal(loaded.Bytes(), key.Bytes()) {
		t.Fatalf("loaded key mismatch")
	}
	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatalf("expected decrypt failure with wrong passphrase")
	}
}
