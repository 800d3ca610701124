package wasm

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/ed25519"
)

// verifySignature checks moduleBytes against sigHex using whichever
// trusted key in the configured set validates it. Strict mode (the only
// mode this is called in) rejects modules with a missing or invalid
// signature outright rather than falling back to an unsigned load.
func verifySignature(moduleBytes []byte, sigHex string, trustedKeys [][]byte) error {
	if sigHex == "" {
		return fmt.Errorf("wasm: signature required but none provided")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("wasm: malformed signature_hex: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("wasm: signature has wrong length %d, want %d", len(sig), ed25519.SignatureSize)
	}

	for _, key := range trustedKeys {
		if len(key) != ed25519.PublicKeySize {
			continue
		}
		if ed25519.Verify(ed25519.PublicKey(key), moduleBytes, sig) {
			return nil
		}
	}
	return fmt.Errorf("wasm: signature did not verify against any trusted key")
}
