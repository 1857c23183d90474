// Package stamp turns a raw X-Cashu header value into a Stamp: the decoded,
// trust-checkable payment envelope carried by one request. It is pure and
// side-effect-free — no mint or KV calls happen here.
package stamp

import (
	"net/url"
	"strings"
	"time"

	"github.com/tollkeeper/cashu-gate/internal/token"
)

const (
	maxAmount     = 1<<31 - 1
	maxProofCount = 256
)

// ErrorKind is the closed set of reasons decode can fail.
type ErrorKind string

const (
	ErrEmpty             ErrorKind = "empty"
	ErrMalformed         ErrorKind = "malformed"
	ErrUnsupportedVersion ErrorKind = "unsupported-version"
	ErrMissingMint       ErrorKind = "missing-mint"
	ErrNoProofs          ErrorKind = "no-proofs"
	ErrTooManyProofs     ErrorKind = "too-many-proofs"
)

// DecodeError carries the classified failure plus enough detail for a log line.
type DecodeError struct {
	Kind   ErrorKind
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Detail
}

func fail(kind ErrorKind, detail string) *DecodeError {
	return &DecodeError{Kind: kind, Detail: detail}
}

// Stamp is the decoded payment envelope for one request. It is immutable
// once constructed and is scoped to the request's lifetime.
type Stamp struct {
	Raw    string
	Mint   string
	Amount uint64
	Proofs token.Proofs
}

// Diagnostics is always populated by DecodeWithDiagnostics, success or not,
// so that a failed decode can still be logged with useful operator detail.
type Diagnostics struct {
	TokenVersion     token.Version
	RawPrefix        string
	RawToken         string
	DecodeTimeMs     float64
	ProofCount       int
	Error            string
	RawCborStructure string
}

// normalizeMint strips a trailing slash so that "https://mint.example/"
// and "https://mint.example" compare equal everywhere downstream.
func normalizeMint(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" && u.Host != "" {
		u.Path = strings.TrimRight(u.Path, "/")
		return u.Scheme + "://" + u.Host + u.Path
	}
	return strings.TrimRight(raw, "/")
}

func rawPrefix(raw string) string {
	if len(raw) <= 15 {
		return raw
	}
	return raw[:15]
}

// Decode is the pure, side-effect-free entry point described in the
// component contract. It trims surrounding whitespace and validates the
// structural invariants (amount, mint, proof count) before returning a Stamp.
func Decode(raw string) (*Stamp, *DecodeError) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fail(ErrEmpty, "empty token")
	}

	version := token.DetectVersion(trimmed)
	if version == token.VersionUnknown {
		return nil, fail(ErrUnsupportedVersion, "unrecognized token prefix")
	}

	decoded, _, err := token.Decode(trimmed)
	if err != nil {
		return nil, fail(ErrMalformed, err.Error())
	}

	mint := normalizeMint(decoded.Mint)
	if mint == "" {
		return nil, fail(ErrMissingMint, "token carries no mint url")
	}

	if len(decoded.Proofs) == 0 {
		return nil, fail(ErrNoProofs, "token carries no proofs")
	}
	if len(decoded.Proofs) > maxProofCount {
		return nil, fail(ErrTooManyProofs, "too many proofs")
	}

	amount := decoded.Proofs.Amount()
	if amount > maxAmount {
		return nil, fail(ErrMalformed, "amount exceeds maximum")
	}

	return &Stamp{
		Raw:    trimmed,
		Mint:   mint,
		Amount: amount,
		Proofs: decoded.Proofs,
	}, nil
}

// DecodeWithDiagnostics is Decode, but it always returns a Diagnostics
// struct — on success and on failure alike — so the caller can log
// operator-facing detail (token version, raw prefix, decode latency)
// regardless of outcome.
func DecodeWithDiagnostics(raw string, debug bool) (*Stamp, Diagnostics) {
	start := time.Now()
	trimmed := strings.TrimSpace(raw)

	diag := Diagnostics{
		TokenVersion: token.DetectVersion(trimmed),
		RawPrefix:    rawPrefix(trimmed),
		RawToken:     trimmed,
	}

	s, decErr := Decode(raw)
	diag.DecodeTimeMs = float64(time.Since(start).Microseconds()) / 1000.0

	if decErr != nil {
		diag.Error = decErr.Error()
		if debug && diag.TokenVersion == token.VersionV4 {
			diag.RawCborStructure = bestEffortCborDump(trimmed)
		}
		return nil, diag
	}

	diag.ProofCount = len(s.Proofs)
	return s, diag
}

// bestEffortCborDump attempts to surface the raw CBOR structure of a failed
// V4 decode for operator logs. It is never fatal: any error here is folded
// into an empty string rather than propagated.
func bestEffortCborDump(raw string) string {
	defer func() { recover() }()

	if len(raw) < 6 {
		return ""
	}
	structure, err := dumpCborDiagnostic(raw[6:])
	if err != nil {
		return ""
	}
	return structure
}
