package trust

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"chumnet/internal/crypto"
	"chumnet/internal/store"
)

const cacheKey = "trustcache/verdicts"

type diskCache struct {
	Fingerprint string         `json:"fingerprint"`
	Verdicts    []KeyTrustInfo `json:"verdicts"`
}

// fingerprint identifies the inputs of every verdict: the certificate set
// and the root keys. A persisted cache is only reused when it matches.
func (e *Engine) fingerprint() string {
	certs := e.certs.All()
	parts := make([]string, 0, len(certs))
	for _, c := range certs {
		parts = append(parts, c.ID+":"+c.CertificateHash+":"+c.SignatureHash)
	}
	sort.Strings(parts)
	buf := []byte("chum:trustcache:v1")
	for _, p := range parts {
		buf = append(buf, p...)
		buf = append(buf, 0)
	}
	for _, k := range e.RootKeys(e.mode) {
		buf = append(buf, k...)
		buf = append(buf, 1)
	}
	return crypto.HashHex(buf)
}

func (e *Engine) SaveCache(ctx context.Context) error {
	if e.st == nil {
		return nil
	}
	gen := e.certs.Generation()
	e.mu.Lock()
	verdicts := make([]KeyTrustInfo, 0, len(e.cache))
	for _, ent := range e.cache {
		if ent.gen == gen {
			verdicts = append(verdicts, ent.info)
		}
	}
	e.mu.Unlock()
	sort.Slice(verdicts, func(i, j int) bool { return verdicts[i].KeyID < verdicts[j].KeyID })
	data, err := json.Marshal(diskCache{Fingerprint: e.fingerprint(), Verdicts: verdicts})
	if err != nil {
		return err
	}
	return errors.Wrap(e.st.Write(ctx, cacheKey, data), "persist trust cache")
}

// LoadCache restores verdicts saved for an identical certificate set.
func (e *Engine) LoadCache(ctx context.Context) error {
	if e.st == nil {
		return nil
	}
	data, err := e.st.Read(ctx, cacheKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return errors.Wrap(err, "read trust cache")
	}
	var dc diskCache
	if err := json.Unmarshal(data, &dc); err != nil {
		e.log.Warn().Err(err).Msg("ignoring corrupted trust cache")
		return nil
	}
	if dc.Fingerprint != e.fingerprint() {
		e.log.Debug().Msg("trust cache stale, ignoring")
		return nil
	}
	gen := e.certs.Generation()
	e.mu.Lock()
	for _, v := range dc.Verdicts {
		e.cache[v.KeyID] = cacheEntry{info: v, gen: gen}
	}
	e.mu.Unlock()
	return nil
}

// Cached reports the cached verdict for keyID if it is current.
func (e *Engine) Cached(keyID string) (KeyTrustInfo, bool) {
	gen := e.certs.Generation()
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.cache[keyID]
	if !ok || ent.gen != gen {
		return KeyTrustInfo{}, false
	}
	return ent.info, true
}
