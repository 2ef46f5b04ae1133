package activitypub

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"github.com/deemkeen/fedgate/domain"
)

// Dates this far in the future are still accepted, to absorb peers with
// slightly fast clocks.
const clockSkewMargin = time.Hour

const requestTarget = "(request-target)"

var requiredSignedHeaders = []string{requestTarget, "host", "date"}

// BodyDigest returns the Digest header value for body.
func BodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// SignRequest signs an outgoing HTTP request with the given private key.
// A non-nil body gets a Digest header, which is then covered by the
// signature.
// keyId format: "https://example.com/actors/alice#main-key"
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string, body []byte) error {
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	req.Header.Set("Host", req.URL.Host)

	headers := []string{requestTarget, "host", "date"}
	if body != nil {
		req.Header.Set("Digest", BodyDigest(body))
		headers = append(headers, "digest")
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	// Digest is already set, so the signer gets no body
	return signer.SignRequest(privateKey, keyId, req, nil)
}

// signatureParams is the parsed form of a Signature header. The keyId is
// taken from the httpsig verifier instead, so the key that is resolved is
// always the one the signature is checked against.
type signatureParams struct {
	Algorithm string
	Headers   []string
	Signature string
}

func signatureHeader(r *http.Request) string {
	if v := r.Header.Get("Signature"); v != "" {
		return v
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Signature ") {
		return strings.TrimPrefix(auth, "Signature ")
	}
	return ""
}

func parseSignatureHeader(v string) (*signatureParams, error) {
	params, err := parseStructuredParams(v)
	if err != nil {
		return nil, err
	}
	sp := &signatureParams{
		Algorithm: strings.ToLower(params["algorithm"]),
		Signature: params["signature"],
	}
	if h := params["headers"]; h != "" {
		sp.Headers = strings.Fields(strings.ToLower(h))
	} else {
		sp.Headers = []string{"date"}
	}
	if sp.Signature == "" {
		return nil, fmt.Errorf("signature is required")
	}
	return sp, nil
}

// parseStructuredParams parses a comma separated list of key="value" pairs.
// Keys are lowercased; values may be quoted or bare.
func parseStructuredParams(v string) (map[string]string, error) {
	out := make(map[string]string)
	s := strings.TrimSpace(v)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("malformed parameter list %q", v)
		}
		key := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = strings.TrimSpace(s[eq+1:])

		var value string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated value for %q", key)
			}
			value = s[1 : end+1]
			s = s[end+2:]
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				end = len(s)
			}
			value = strings.TrimSpace(s[:end])
			s = s[end:]
		}
		out[key] = value

		s = strings.TrimSpace(s)
		if strings.HasPrefix(s, ",") {
			s = strings.TrimSpace(s[1:])
		} else if len(s) > 0 {
			return nil, fmt.Errorf("expected ',' after %q", key)
		}
	}
	return out, nil
}

// checkDigest compares every supported algorithm in the Digest header to
// the body. At least one supported algorithm must be present.
func checkDigest(header string, body []byte) error {
	supported := 0
	for _, part := range strings.Split(header, ",") {
		algo, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return fmt.Errorf("malformed digest %q", part)
		}
		var expected string
		switch strings.ToLower(algo) {
		case "sha-256":
			sum := sha256.Sum256(body)
			expected = base64.StdEncoding.EncodeToString(sum[:])
		case "sha-512":
			sum := sha512.Sum512(body)
			expected = base64.StdEncoding.EncodeToString(sum[:])
		default:
			continue
		}
		supported++
		if value != expected {
			return fmt.Errorf("%s digest mismatch", algo)
		}
	}
	if supported == 0 {
		return fmt.Errorf("no supported digest algorithm in %q", header)
	}
	return nil
}

// KeySource resolves signing keys for the verifier.
type KeySource interface {
	Resolve(ctx context.Context, keyId string) (*ResolvedKey, error)
	Refresh(ctx context.Context, keyId string, updateIdentity bool) (*ResolvedKey, error)
}

// SignatureVerifier validates inbound HTTP signatures and returns the
// signing actor.
type SignatureVerifier struct {
	keys      KeySource
	clockSkew time.Duration
	now       func() time.Time
}

func NewSignatureVerifier(keys KeySource, clockSkew time.Duration) *SignatureVerifier {
	return &SignatureVerifier{keys: keys, clockSkew: clockSkew, now: time.Now}
}

// Verify checks the request's signature. body is the already read request
// body, nil for bodiless requests. Requests carrying a body must sign a
// Digest header that matches it.
func (v *SignatureVerifier) Verify(ctx context.Context, r *http.Request, body []byte) (*domain.Actor, error) {
	raw := signatureHeader(r)
	if raw == "" {
		return nil, ErrSignatureMissing
	}
	params, err := parseSignatureHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	signed := make(map[string]bool, len(params.Headers))
	for _, h := range params.Headers {
		signed[h] = true
	}
	for _, h := range requiredSignedHeaders {
		if !signed[h] {
			return nil, fmt.Errorf("%w: header %q not signed", ErrSignatureInvalid, h)
		}
	}

	if err := v.checkDate(r.Header.Get("Date")); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	digest := r.Header.Get("Digest")
	if len(body) > 0 || r.Method == http.MethodPost {
		if digest == "" || !signed["digest"] {
			return nil, fmt.Errorf("%w: body digest not signed", ErrSignatureInvalid)
		}
	}
	if digest != "" {
		if err := checkDigest(digest, body); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
	}

	if r.Header.Get("Host") == "" && r.Host != "" {
		r.Header.Set("Host", r.Host)
	}
	sv, err := httpsig.NewVerifier(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	key, err := v.keys.Resolve(ctx, sv.KeyId())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrActorUnresolvable, err)
	}

	if err := sv.Verify(key.PublicKey, httpsig.RSA_SHA256); err != nil {
		// the signer may have rotated its key since we cached it
		fresh, rerr := v.keys.Refresh(ctx, sv.KeyId(), false)
		if rerr != nil || fresh.Actor.PublicKeyPem == key.Actor.PublicKeyPem {
			return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
		if err := sv.Verify(fresh.PublicKey, httpsig.RSA_SHA256); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
		key = fresh
	}

	return key.Actor, nil
}

func (v *SignatureVerifier) checkDate(header string) error {
	if header == "" {
		return fmt.Errorf("missing Date header")
	}
	date, err := http.ParseTime(header)
	if err != nil {
		return fmt.Errorf("bad Date header: %w", err)
	}
	now := v.now()
	if date.Before(now.Add(-v.clockSkew)) {
		return fmt.Errorf("date %s is too old", header)
	}
	if date.After(now.Add(clockSkewMargin)) {
		return fmt.Errorf("date %s is in the future", header)
	}
	return nil
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return privateKey, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
