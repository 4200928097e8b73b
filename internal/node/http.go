package node

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"chumnet/internal/crypto"
	"chumnet/internal/peer"
	"chumnet/internal/pprofutil"
	"chumnet/internal/proto"
)

const maxSendBody = 64 << 10

type statusResponse struct {
	PersonID string `json:"personId"`
	KeyID    string `json:"keyId"`
	Pairing  bool   `json:"pairing"`
	Peers    int    `json:"peers"`
	Sessions int    `json:"sessions"`
	Certs    int    `json:"certificates"`
	Running  bool   `json:"running"`
}

type sendResponse struct {
	Outcome string `json:"outcome"`
}

// Router serves the local status API and the Prometheus endpoint.
func (n *Node) Router() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", n.Metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/status", n.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/peers", n.handlePeers).Methods(http.MethodGet)
	r.HandleFunc("/peers/{id}/sync", n.handleSync).Methods(http.MethodPost)
	r.HandleFunc("/peers/{id}/send", n.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/broadcast", n.handleSend).Methods(http.MethodPost)
	if n.Config.Pprof {
		if err := pprofutil.Mount(r, n.Config.HTTPListen); err != nil {
			n.log.Warn().Err(err).Msg("pprof not mounted")
		}
	}
	return r
}

func (n *Node) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		PersonID: n.PersonID,
		KeyID:    crypto.KeyID(n.Key.PublicKey),
		Pairing:  n.Registry.Pairing(),
		Peers:    n.Registry.Len(),
		Certs:    n.Certs.Len(),
	}
	if n.Mesh != nil {
		resp.Running = true
		resp.Sessions = len(n.Mesh.Sessions())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (n *Node) handlePeers(w http.ResponseWriter, _ *http.Request) {
	peers := n.Registry.List()
	if peers == nil {
		peers = []peer.Peer{}
	}
	writeJSON(w, http.StatusOK, peers)
}

func (n *Node) handleSync(w http.ResponseWriter, r *http.Request) {
	if n.Mesh == nil {
		http.Error(w, "mesh not running", http.StatusServiceUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := n.Mesh.SyncProfileWithPeer(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	out, err := n.Mesh.SyncCertificatesWithPeer(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, sendResponse{Outcome: out.String()})
}

// handleSend sends the request body as a data message. Without an {id}
// route variable the message is broadcast.
func (n *Node) handleSend(w http.ResponseWriter, r *http.Request) {
	if n.Mesh == nil {
		http.Error(w, "mesh not running", http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSendBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := n.Mesh.SendMessage(r.Context(), proto.Message{
		Recipient: mux.Vars(r)["id"],
		Type:      proto.MsgData,
		Payload:   body,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, sendResponse{Outcome: out.String()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
