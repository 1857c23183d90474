package stamp

import (
	"encoding/base64"

	"github.com/fxamacker/cbor/v2"
)

// dumpCborDiagnostic renders the raw CBOR bytes of a V4 token payload in
// CBOR diagnostic notation, for operator logs only. It is deliberately
// isolated in its own file since it is the one place this package reaches
// into cbor's diagnostic mode rather than strict unmarshal.
func dumpCborDiagnostic(b64Payload string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(b64Payload)
	if err != nil {
		data, err = base64.URLEncoding.DecodeString(b64Payload)
		if err != nil {
			return "", err
		}
	}

	dm, err := cbor.DiagOptions{}.DiagMode()
	if err != nil {
		return "", err
	}
	out, err := dm.Diagnose(data)
	if err != nil {
		return "", err
	}
	return out, nil
}
