package pipeline

// sign.go — optional DKIM signing of outgoing list traffic. Lists rewrite
// enough of a message (subject prefix, footer, list headers) that any
// original signature is void; signing as the list domain is what lets
// receivers still authenticate the redistribution.

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/emersion/go-msgauth/dkim"
)

// Signer signs messages with the list host's domain key.
type Signer struct {
	domain   string
	selector string
	key      crypto.Signer
}

// LoadSigner reads a PEM private key and returns a Signer for domain.
func LoadSigner(domain, selector, keyFile string) (*Signer, error) {
	pemData, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("dkim: read key: %w", err)
	}
	key, err := parsePrivateKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse key: %w", err)
	}
	return &Signer{domain: domain, selector: selector, key: key}, nil
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			if signer, ok := key.(crypto.Signer); ok {
				return signer, nil
			}
			return nil, fmt.Errorf("unsupported key type in PKCS#8 container")
		}
		pemData = rest
	}
	return nil, fmt.Errorf("no private key found in PEM data")
}

// Sign is the pipeline handler. A nil *Signer is a configured-off no-op so
// the post pipeline has the same shape whether or not signing is enabled.
type Sign struct {
	Transform
	Signer *Signer
}

func (Sign) Name() string { return "sign" }

func (h Sign) Process(_ context.Context, t *Task) (Outcome, error) {
	if h.Signer == nil {
		return Outcome{Kind: Continue}, nil
	}
	opts := &dkim.SignOptions{
		Domain:                 h.Signer.domain,
		Selector:               h.Signer.selector,
		Signer:                 h.Signer.key,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys: []string{
			"from", "to", "subject", "date", "message-id",
			"list-id", "sender",
		},
	}
	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(normalizeCRLF(t.Working)), opts); err != nil {
		return Outcome{}, fmt.Errorf("sign: %w", err)
	}
	t.Working = signed.Bytes()
	return Outcome{Kind: Continue}, nil
}

// normalizeCRLF converts bare-LF messages to CRLF, which the DKIM
// canonicalizer requires.
func normalizeCRLF(data []byte) []byte {
	if bytes.Contains(data, []byte("\r\n")) || !bytes.Contains(data, []byte("\n")) {
		return data
	}
	return bytes.Join(bytes.Split(data, []byte("\n")), []byte("\r\n"))
}
