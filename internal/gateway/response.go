package gateway

import (
	"encoding/json"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeGateError writes the uniform {error:{code,message,...}} envelope.
// extra fields (required/provided, details) are merged into the encoded
// object alongside code/message.
func writeGateError(w http.ResponseWriter, status int, gerr GateError) {
	body := map[string]any{"code": gerr.Code, "message": gerr.Message}
	for k, v := range gerr.Extra {
		body[k] = v
	}
	writeJSON(w, status, map[string]any{"error": body})
}
