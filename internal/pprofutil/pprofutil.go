package pprofutil

import (
	"net"
	"net/http/pprof"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
)

// Mount serves the runtime profiles under /debug/pprof/ on r. Profiles
// leak memory contents, so the router must be bound to a loopback address.
func Mount(r *mux.Router, listenAddr string) error {
	if !IsLoopbackBind(listenAddr) {
		return errors.Errorf("pprof needs a loopback listen address, got %q", listenAddr)
	}
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	r.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
	return nil
}

func IsLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
