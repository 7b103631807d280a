// Package httpsig implements the signed request protocol used between
// federated instances: an HTTP message signature bound to method,
// target and body digest, carried in Signature-Input and Signature
// headers, plus an independently verified Content-Digest header.
package httpsig

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"coopmesh/internal/identity"
	"coopmesh/internal/keystore"
)

const (
	sigLabel  = "sig1"
	algorithm = "ecdsa-p256-sha256"

	headerSignatureInput = "Signature-Input"
	headerSignature      = "Signature"
	headerContentDigest  = "Content-Digest"
)

// DefaultFreshnessWindow bounds replay: signatures created outside
// now ± window are rejected.
const DefaultFreshnessWindow = 5 * time.Minute

// Sign adds Content-Digest (when body is non-nil), Signature-Input and
// Signature headers proving that the holder of priv authorized this
// method/target/body. keyID names the signer's verification method
// ("did#fragment").
func Sign(header http.Header, method, targetURL string, body []byte, priv *ecdsa.PrivateKey, keyID string, created time.Time) error {
	components := []string{"@method", "@target-uri"}
	if body != nil {
		digest := contentDigest(body)
		header.Set(headerContentDigest, digest)
		components = append(components, "content-digest")
	}
	params := signatureParams(components, created.Unix(), keyID)
	base, err := signatureBase(components, params, method, targetURL, header)
	if err != nil {
		return fmt.Errorf("build signature base: %w", err)
	}
	sum := sha256.Sum256([]byte(base))
	sig, err := ecdsa.SignASN1(rand.Reader, priv, sum[:])
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	header.Set(headerSignatureInput, sigLabel+"="+params)
	header.Set(headerSignature, sigLabel+"=:"+base64.StdEncoding.EncodeToString(sig)+":")
	return nil
}

// Result is the outcome of verification. Failures of any kind reduce
// to Verified=false with a reason for logs; verification never errors
// for recoverable causes, so callers map !Verified to a 401, not to an
// internal error.
type Result struct {
	Verified  bool
	SignerDID string
	Reason    string
}

func failure(reason string) Result { return Result{Reason: reason} }

// Verifier checks inbound signatures against documents resolved
// through Resolver.
type Verifier struct {
	Resolver identity.Resolver
	Window   time.Duration
	Now      func() time.Time
}

// Verify checks the signature headers on an inbound request.
func (v Verifier) Verify(ctx context.Context, method, targetURL string, header http.Header, body []byte) Result {
	inputHeader := header.Get(headerSignatureInput)
	if inputHeader == "" {
		return failure("missing " + headerSignatureInput + " header")
	}
	sigHeader := header.Get(headerSignature)
	if sigHeader == "" {
		return failure("missing " + headerSignature + " header")
	}
	params, ok := strings.CutPrefix(inputHeader, sigLabel+"=")
	if !ok {
		return failure("unknown signature label")
	}
	components, created, keyID, alg, err := parseParams(params)
	if err != nil {
		return failure(err.Error())
	}
	if alg != algorithm {
		return failure("unsupported algorithm " + alg)
	}

	window := v.Window
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	age := now().Sub(time.Unix(created, 0))
	if age > window || age < -window {
		return failure("signature created outside freshness window")
	}

	// The digest check is independent of the signature: it detects a
	// swapped body even before key resolution. The digest component
	// must also be covered by the signature, otherwise a self-matching
	// header would vouch for an unsigned body.
	if len(body) > 0 {
		if !slices.Contains(components, "content-digest") {
			return failure("body present but content-digest not covered by signature")
		}
		got := header.Get(headerContentDigest)
		if got == "" {
			return failure("body present without " + headerContentDigest)
		}
		if got != contentDigest(body) {
			return failure("content digest mismatch")
		}
	}

	signerDID, _, _ := strings.Cut(keyID, "#")
	if signerDID == "" {
		return failure("keyid carries no signer identifier")
	}
	doc, err := v.Resolver.Resolve(ctx, signerDID)
	if err != nil {
		return failure("resolve signer: " + err.Error())
	}
	vm, ok := doc.FindVerificationMethod(keyID)
	if !ok {
		return failure("no verification method " + keyID)
	}
	pub, err := keystore.DecodePublicMultibase(vm.PublicKeyMultibase)
	if err != nil {
		return failure("decode verification key: " + err.Error())
	}

	base, err := signatureBase(components, params, method, targetURL, header)
	if err != nil {
		return failure(err.Error())
	}
	sig, err := parseSignature(sigHeader)
	if err != nil {
		return failure(err.Error())
	}
	sum := sha256.Sum256([]byte(base))
	if !ecdsa.VerifyASN1(pub, sum[:], sig) {
		return failure("signature verification failed")
	}
	return Result{Verified: true, SignerDID: signerDID}
}

func contentDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha-256=:" + base64.StdEncoding.EncodeToString(sum[:]) + ":"
}

func signatureParams(components []string, created int64, keyID string) string {
	quoted := make([]string, len(components))
	for i, c := range components {
		quoted[i] = `"` + c + `"`
	}
	return fmt.Sprintf(`(%s);created=%d;keyid=%q;alg=%q`, strings.Join(quoted, " "), created, keyID, algorithm)
}

// signatureBase builds the canonical string both sides sign: one line
// per covered component, then the signature params line. The params
// string is used verbatim so signer and verifier agree byte for byte.
func signatureBase(components []string, params, method, targetURL string, header http.Header) (string, error) {
	var b strings.Builder
	for _, c := range components {
		switch c {
		case "@method":
			fmt.Fprintf(&b, "\"@method\": %s\n", strings.ToUpper(method))
		case "@target-uri":
			fmt.Fprintf(&b, "\"@target-uri\": %s\n", targetURL)
		case "content-digest":
			digest := header.Get(headerContentDigest)
			if digest == "" {
				return "", fmt.Errorf("covered component content-digest missing from headers")
			}
			fmt.Fprintf(&b, "\"content-digest\": %s\n", digest)
		default:
			return "", fmt.Errorf("unsupported covered component %q", c)
		}
	}
	fmt.Fprintf(&b, "\"@signature-params\": %s", params)
	return b.String(), nil
}

func parseParams(params string) (components []string, created int64, keyID, alg string, err error) {
	rest := params
	if !strings.HasPrefix(rest, "(") {
		return nil, 0, "", "", fmt.Errorf("malformed signature params")
	}
	end := strings.Index(rest, ")")
	if end < 0 {
		return nil, 0, "", "", fmt.Errorf("malformed covered component list")
	}
	for _, item := range strings.Fields(rest[1:end]) {
		components = append(components, strings.Trim(item, `"`))
	}
	for _, part := range strings.Split(rest[end+1:], ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, 0, "", "", fmt.Errorf("malformed signature param %q", part)
		}
		switch key {
		case "created":
			created, err = strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, 0, "", "", fmt.Errorf("malformed created timestamp")
			}
		case "keyid":
			keyID = strings.Trim(value, `"`)
		case "alg":
			alg = strings.Trim(value, `"`)
		}
	}
	if created == 0 {
		return nil, 0, "", "", fmt.Errorf("signature missing created timestamp")
	}
	if keyID == "" {
		return nil, 0, "", "", fmt.Errorf("signature missing keyid")
	}
	return components, created, keyID, alg, nil
}

func parseSignature(sigHeader string) ([]byte, error) {
	value, ok := strings.CutPrefix(sigHeader, sigLabel+"=")
	if !ok {
		return nil, fmt.Errorf("unknown signature label")
	}
	value = strings.TrimPrefix(value, ":")
	value = strings.TrimSuffix(value, ":")
	sig, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("malformed signature encoding")
	}
	return sig, nil
}
