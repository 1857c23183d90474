// Package token implements the wire-level encoding and decoding of Cashu
// ecash tokens (V3 JSON and V4 CBOR). It contains no cryptography: proof
// signatures are opaque byte/string fields the gate never verifies.
package token

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Unit is the Cashu accounting unit carried on the token. The gate only
// ever deals in "usd" internally but round-trips whatever unit the mint
// issued the proofs in.
type Unit string

const (
	UnitUSD Unit = "usd"
	UnitSat Unit = "sat"
)

var (
	ErrInvalidTokenV3 = errors.New("invalid V3 token")
	ErrInvalidTokenV4 = errors.New("invalid V4 token")
	ErrTooShort       = errors.New("token shorter than version prefix")
)

// DLEQProof is the discrete-log-equality proof optionally attached to a
// Proof. The gate passes it through unverified.
type DLEQProof struct {
	E string `json:"e"`
	S string `json:"s"`
	R string `json:"r,omitempty"`
}

// Proof is a single Chaumian bearer coin in its unified (post-decode) shape,
// regardless of whether it arrived as V3 or V4 on the wire.
type Proof struct {
	Amount  uint64     `json:"amount"`
	Id      string     `json:"id"`
	Secret  string     `json:"secret"`
	C       string     `json:"C"`
	Witness string     `json:"witness,omitempty"`
	DLEQ    *DLEQProof `json:"dleq,omitempty"`
}

type Proofs []Proof

func (proofs Proofs) Amount() uint64 {
	var total uint64
	for _, p := range proofs {
		total += p.Amount
	}
	return total
}

// DecodedToken is the unified, version-erased view of a decoded token.
type DecodedToken struct {
	Mint   string
	Unit   Unit
	Memo   string
	Proofs Proofs
}

const (
	prefixV3 = "cashuA"
	prefixV4 = "cashuB"
)

// Version identifies which wire encoding a raw token string uses.
type Version string

const (
	VersionV3      Version = "V3"
	VersionV4      Version = "V4"
	VersionUnknown Version = "unknown"
)

// DetectVersion inspects the prefix of a raw token string without decoding it.
func DetectVersion(raw string) Version {
	switch {
	case len(raw) >= len(prefixV3) && raw[:len(prefixV3)] == prefixV3:
		return VersionV3
	case len(raw) >= len(prefixV4) && raw[:len(prefixV4)] == prefixV4:
		return VersionV4
	default:
		return VersionUnknown
	}
}

// tokenV3 is the JSON wire shape for a "cashuA" token.
type tokenV3 struct {
	Token []tokenV3Entry `json:"token"`
	Unit  string         `json:"unit"`
	Memo  string         `json:"memo,omitempty"`
}

type tokenV3Entry struct {
	Mint   string `json:"mint"`
	Proofs Proofs `json:"proofs"`
}

// DecodeV3 decodes a "cashuA"-prefixed base64 JSON token.
func DecodeV3(raw string) (*DecodedToken, error) {
	if len(raw) < len(prefixV3) {
		return nil, ErrTooShort
	}
	if raw[:len(prefixV3)] != prefixV3 {
		return nil, ErrInvalidTokenV3
	}

	b64 := raw[len(prefixV3):]
	data, err := base64.URLEncoding.DecodeString(b64)
	if err != nil {
		data, err = base64.RawURLEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decoding V3 token: %w", err)
		}
	}

	var t tokenV3
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshaling V3 token: %w", err)
	}
	if len(t.Token) == 0 {
		return nil, ErrInvalidTokenV3
	}

	var proofs Proofs
	for _, entry := range t.Token {
		proofs = append(proofs, entry.Proofs...)
	}

	return &DecodedToken{
		Mint:   t.Token[0].Mint,
		Unit:   Unit(t.Unit),
		Memo:   t.Memo,
		Proofs: proofs,
	}, nil
}

// tokenV4 is the CBOR wire shape for a "cashuB" token.
type tokenV4 struct {
	TokenProofs []tokenV4Entry `json:"t" cbor:"t"`
	Memo        string         `json:"d,omitempty" cbor:"d,omitempty"`
	MintURL     string         `json:"m" cbor:"m"`
	Unit        string         `json:"u" cbor:"u"`
}

type tokenV4Entry struct {
	Id     []byte      `json:"i" cbor:"i"`
	Proofs []proofV4   `json:"p" cbor:"p"`
}

type proofV4 struct {
	Amount  uint64   `json:"a" cbor:"a"`
	Secret  string   `json:"s" cbor:"s"`
	C       []byte   `json:"c" cbor:"c"`
	Witness string   `json:"w,omitempty" cbor:"w,omitempty"`
	DLEQ    *dleqV4  `json:"d,omitempty" cbor:"d,omitempty"`
}

type dleqV4 struct {
	E []byte `json:"e" cbor:"e"`
	S []byte `json:"s" cbor:"s"`
	R []byte `json:"r,omitempty" cbor:"r,omitempty"`
}

// DecodeV4 decodes a "cashuB"-prefixed base64 CBOR token.
func DecodeV4(raw string) (*DecodedToken, error) {
	if len(raw) < len(prefixV4) {
		return nil, ErrTooShort
	}
	if raw[:len(prefixV4)] != prefixV4 {
		return nil, ErrInvalidTokenV4
	}

	b64 := raw[len(prefixV4):]
	data, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil {
		data, err = base64.URLEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decoding V4 token: %w", err)
		}
	}

	var t tokenV4
	if err := cbor.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("cbor unmarshal V4 token: %w", err)
	}
	if len(t.TokenProofs) == 0 {
		return nil, ErrInvalidTokenV4
	}

	var proofs Proofs
	for _, entry := range t.TokenProofs {
		keysetId := hex.EncodeToString(entry.Id)
		for _, p := range entry.Proofs {
			proof := Proof{
				Amount: p.Amount,
				Id:     keysetId,
				Secret: p.Secret,
				C:      hex.EncodeToString(p.C),
				Witness: p.Witness,
			}
			if p.DLEQ != nil {
				proof.DLEQ = &DLEQProof{
					E: hex.EncodeToString(p.DLEQ.E),
					S: hex.EncodeToString(p.DLEQ.S),
					R: hex.EncodeToString(p.DLEQ.R),
				}
			}
			proofs = append(proofs, proof)
		}
	}

	return &DecodedToken{
		Mint:   t.MintURL,
		Unit:   Unit(t.Unit),
		Memo:   t.Memo,
		Proofs: proofs,
	}, nil
}

// Decode picks the decoder from the version prefix (V4 or V3); a failed
// decode is returned as is, with no fallback to the other version.
func Decode(raw string) (*DecodedToken, Version, error) {
	switch DetectVersion(raw) {
	case VersionV4:
		t, err := DecodeV4(raw)
		if err != nil {
			return nil, VersionV4, err
		}
		return t, VersionV4, nil
	case VersionV3:
		t, err := DecodeV3(raw)
		if err != nil {
			return nil, VersionV3, err
		}
		return t, VersionV3, nil
	default:
		return nil, VersionUnknown, fmt.Errorf("unrecognized token prefix")
	}
}

// EncodeV4 is the only encoder the gate needs: change, refund and withdraw
// tokens are always minted fresh as V4.
func EncodeV4(mint string, unit Unit, proofs Proofs, memo string) (string, error) {
	byKeyset := make(map[string][]proofV4)
	var order []string

	for _, p := range proofs {
		cBytes, err := hex.DecodeString(p.C)
		if err != nil {
			return "", fmt.Errorf("invalid proof C: %w", err)
		}
		pv4 := proofV4{
			Amount:  p.Amount,
			Secret:  p.Secret,
			C:       cBytes,
			Witness: p.Witness,
		}
		if p.DLEQ != nil {
			e, err := hex.DecodeString(p.DLEQ.E)
			if err != nil {
				return "", fmt.Errorf("invalid dleq e: %w", err)
			}
			s, err := hex.DecodeString(p.DLEQ.S)
			if err != nil {
				return "", fmt.Errorf("invalid dleq s: %w", err)
			}
			var r []byte
			if p.DLEQ.R != "" {
				r, err = hex.DecodeString(p.DLEQ.R)
				if err != nil {
					return "", fmt.Errorf("invalid dleq r: %w", err)
				}
			}
			pv4.DLEQ = &dleqV4{E: e, S: s, R: r}
		}
		if _, ok := byKeyset[p.Id]; !ok {
			order = append(order, p.Id)
		}
		byKeyset[p.Id] = append(byKeyset[p.Id], pv4)
	}

	entries := make([]tokenV4Entry, 0, len(order))
	for _, id := range order {
		idBytes, err := hex.DecodeString(id)
		if err != nil {
			return "", fmt.Errorf("invalid keyset id %q: %w", id, err)
		}
		entries = append(entries, tokenV4Entry{Id: idBytes, Proofs: byKeyset[id]})
	}

	t := tokenV4{TokenProofs: entries, MintURL: mint, Unit: string(unit), Memo: memo}
	data, err := cbor.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("cbor marshal: %w", err)
	}

	return prefixV4 + base64.RawURLEncoding.EncodeToString(data), nil
}
