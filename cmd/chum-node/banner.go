package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"chumnet/internal/crypto"
	"chumnet/internal/node"
)

func banner(w io.Writer, n *node.Node) {
	title := color.New(color.FgCyan, color.Bold)
	label := color.New(color.FgHiBlack)
	cfg := n.Config

	title.Fprintln(w, "chum-node")
	field := func(name, value string) {
		label.Fprintf(w, "  %-9s", name+":")
		fmt.Fprintln(w, value)
	}
	field("Person", n.PersonID)
	field("Key", crypto.KeyID(n.Key.PublicKey))
	field("Home", cfg.Home)
	field("Storage", storageLine(cfg.Storage.Backend, cfg.Storage.Sealed))
	var listen []string
	if cfg.Listen != "" {
		listen = append(listen, "quic "+cfg.Listen)
	}
	if cfg.WSListen != "" {
		listen = append(listen, "ws "+cfg.WSListen)
	}
	if len(listen) == 0 {
		listen = append(listen, "none")
	}
	field("Listen", strings.Join(listen, ", "))
	field("Peers", fmt.Sprintf("%d known (max %d)", n.Registry.Len(), cfg.Mesh.MaxPeers))
	field("Certs", fmt.Sprintf("%d", n.Certs.Len()))
	if cfg.Pairing {
		color.New(color.FgYellow).Fprintln(w, "  pairing mode: untrusted peers will be admitted")
	}
}

func storageLine(backend string, sealed bool) string {
	if sealed {
		return backend + " (sealed)"
	}
	return backend
}

func printMnemonic(w io.Writer, mnemonic string) {
	color.New(color.FgYellow, color.Bold).Fprintln(w, "Recovery phrase (keep it offline):")
	words := strings.Fields(mnemonic)
	for i := 0; i < len(words); i += 6 {
		end := i + 6
		if end > len(words) {
			end = len(words)
		}
		fmt.Fprintf(w, "  %2d. %s\n", i+1, strings.Join(words[i:end], " "))
	}
}
