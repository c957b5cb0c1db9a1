package trust

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"omnimesh/crypto"
)

// NewSignedRequest builds a registration request signed with the node's own
// key. The caller may fill the optional profile fields before submitting;
// only the canonical payload fields are covered by the signature.
func NewSignedRequest(signer crypto.Signer, publicName string, nodeType NodeType, mode DisplayMode) (*RegisterNodeRequest, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	req := &RegisterNodeRequest{
		PublicKey:   base64.StdEncoding.EncodeToString(signer.PublicKey()),
		PublicName:  publicName,
		Type:        nodeType,
		DisplayMode: mode,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Nonce:       hex.EncodeToString(nonce),
	}
	sig, err := signer.Sign(registrationPayload(req))
	if err != nil {
		return nil, fmt.Errorf("sign registration: %w", err)
	}
	req.Signature = base64.StdEncoding.EncodeToString(sig)
	return req, nil
}
