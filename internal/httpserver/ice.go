package httpserver

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// ICEConfig assembles the /ice response: STUN servers as-is, TURN servers
// decorated with ephemeral REST credentials per request.
type ICEConfig struct {
	STUNURLs []string
	TURNURLs []string

	// Credentials mints a fresh TURN username/credential pair. Nil disables
	// TURN decoration (STUN-only deployments).
	Credentials func() (username, credential string, err error)
}

type iceResponse struct {
	Token      string             `json:"token"`
	Nonce      string             `json:"nonce"`
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

// ICEHandler answers GET /ice with a per-request session token, a random
// nonce, and the ICE server list clients pass to their peer connection.
func ICEHandler(cfg ICEConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var nonce [16]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "entropy unavailable"})
			return
		}

		// Non-nil so an empty list encodes as [] rather than null.
		servers := []webrtc.ICEServer{}
		if len(cfg.STUNURLs) > 0 {
			servers = append(servers, webrtc.ICEServer{URLs: cfg.STUNURLs})
		}
		if len(cfg.TURNURLs) > 0 && cfg.Credentials != nil {
			username, credential, err := cfg.Credentials()
			if err != nil {
				WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
				return
			}
			servers = append(servers, webrtc.ICEServer{
				URLs:       cfg.TURNURLs,
				Username:   username,
				Credential: credential,
			})
		}

		WriteJSON(w, http.StatusOK, iceResponse{
			Token:      uuid.NewString(),
			Nonce:      hex.EncodeToString(nonce[:]),
			ICEServers: servers,
		})
	})
}
