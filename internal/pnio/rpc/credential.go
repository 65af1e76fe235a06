package rpc

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/mwilco03/pnio-controller/internal/pnio"
)

// credentialNonceLen is the secretbox nonce size.
const credentialNonceLen = 24

// SealCredentialRecord encrypts plaintext (a vendor credential-sync
// payload bound for Record Write index 0xF840) with secretbox under key,
// prefixing the output with a freshly generated nonce. The supplemented
// credential-sync feature trades a plaintext vendor record for a sealed
// one so a capture of the wire traffic cannot recover credentials.
func SealCredentialRecord(key *[32]byte, plaintext []byte) ([]byte, error) {
	var nonce [credentialNonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("rpc: generate credential nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, key)
	return sealed, nil
}

// OpenCredentialRecord decrypts a record previously built by
// SealCredentialRecord.
func OpenCredentialRecord(key *[32]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < credentialNonceLen {
		return nil, fmt.Errorf("%w: credential record shorter than nonce", pnio.ErrTooShort)
	}
	var nonce [credentialNonceLen]byte
	copy(nonce[:], sealed[:credentialNonceLen])
	plaintext, ok := secretbox.Open(nil, sealed[credentialNonceLen:], &nonce, key)
	if !ok {
		return nil, fmt.Errorf("%w: credential record failed authentication", pnio.ErrProtocol)
	}
	return plaintext, nil
}

// NewCredentialRecordWrite builds a RecordWriteReq at index 0xF840 whose
// payload is the secretbox-sealed credential bytes.
func NewCredentialRecordWrite(arUUID uuid.UUID, api, slot, subslot uint16, key *[32]byte, plaintext []byte) (RecordWriteReq, error) {
	sealed, err := SealCredentialRecord(key, plaintext)
	if err != nil {
		return RecordWriteReq{}, err
	}
	return RecordWriteReq{
		ARUUID:  arUUID,
		API:     api,
		Slot:    slot,
		Subslot: subslot,
		Index:   IndexCredentialSync,
		Data:    sealed,
	}, nil
}
