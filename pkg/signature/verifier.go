// Package signature validates HMAC signatures on inbound webhook and job
// payloads. Verification operates on the exact raw bytes that came off the
// wire; the API deliberately has no entry point that accepts a decoded
// object, so drift between what was signed and what was checked cannot be
// introduced by a re-serialization.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissing  = errors.New("signature: header missing or malformed")
	ErrMismatch = errors.New("signature: no configured key matches")
	ErrExpired  = errors.New("signature: timestamp outside skew window")
)

// Verifier checks `t=<unix>,v1=<hex>` signature headers, where the hex value
// is HMAC-SHA256 over "<t>.<raw body>". Keys are tried in registration
// order so a rotated-out key keeps validating until it is removed.
type Verifier struct {
	Keys    [][]byte
	MaxSkew time.Duration

	// CorrelationSecret, when set, enables Fingerprint. Without it no
	// derivative of the signature header is ever produced for logging.
	CorrelationSecret []byte
}

func New(keys [][]byte, maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return &Verifier{Keys: keys, MaxSkew: maxSkew}
}

// Verify checks header against body at the given instant. The comparison is
// constant-time per key via hmac.Equal.
func (v *Verifier) Verify(body []byte, header string, now time.Time) error {
	ts, sig, err := parseHeader(header)
	if err != nil {
		return err
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.MaxSkew {
		return ErrExpired
	}
	if len(v.Keys) == 0 {
		return ErrMismatch
	}
	signed := make([]byte, 0, len(body)+21)
	signed = strconv.AppendInt(signed, ts, 10)
	signed = append(signed, '.')
	signed = append(signed, body...)
	for _, key := range v.Keys {
		if len(key) == 0 {
			continue
		}
		mac := hmac.New(sha256.New, key)
		_, _ = mac.Write(signed)
		if hmac.Equal(sig, mac.Sum(nil)) {
			return nil
		}
	}
	return ErrMismatch
}

// Fingerprint returns a short keyed hash of a signature header for log
// correlation. It is non-reversible and returns "" unless a correlation
// secret is configured, so a raw header value can never leak through it.
func (v *Verifier) Fingerprint(header string) string {
	if len(v.CorrelationSecret) == 0 || strings.TrimSpace(header) == "" {
		return ""
	}
	mac := hmac.New(sha256.New, v.CorrelationSecret)
	_, _ = mac.Write([]byte(header))
	return hex.EncodeToString(mac.Sum(nil))[:12]
}

// Sign produces a header value for the given body, used by outbound job
// enqueuers and by tests. The first key signs.
func Sign(key []byte, body []byte, now time.Time) string {
	ts := now.Unix()
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%d.", ts)
	_, _ = mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func parseHeader(header string) (int64, []byte, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, nil, ErrMissing
	}
	var ts int64
	var sig []byte
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			parsed, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, nil, ErrMissing
			}
			ts = parsed
		case "v1":
			decoded, err := hex.DecodeString(kv[1])
			if err != nil {
				return 0, nil, ErrMissing
			}
			sig = decoded
		}
	}
	if ts == 0 || len(sig) == 0 {
		return 0, nil, ErrMissing
	}
	return ts, sig, nil
}
