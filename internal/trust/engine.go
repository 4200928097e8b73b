// Package trust resolves whether keys and signatures are backed by a local
// root key through chains of TrustKeys certificates.
package trust

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"chumnet/internal/cert"
	"chumnet/internal/crypto"
	"chumnet/internal/proto"
	"chumnet/internal/store"
)

type RootKeyMode int

const (
	// RootMainID treats only the main identity key and configured roots as roots.
	RootMainID RootKeyMode = iota
	// RootAll additionally treats every key bound to the local person as a root.
	RootAll
)

func ParseRootKeyMode(s string) (RootKeyMode, error) {
	switch strings.ToLower(s) {
	case "", "main", "mainid", "main_id":
		return RootMainID, nil
	case "all":
		return RootAll, nil
	}
	return RootMainID, errors.Errorf("unknown root key mode %q", s)
}

const (
	ReasonRootKey        = "root key"
	ReasonNoCertificates = "no trust certificates found"
	ReasonCycle          = "circular dependency detected"
	ReasonNoPath         = "no trusted certification path found"
	ReasonUnknown        = "trust state unknown"
	reasonTrustedBy      = "trusted by "
)

var ErrNoIdentity = errors.New("no local signing identity")

// KeyTrustInfo is a verdict for one key plus the reason it was reached.
type KeyTrustInfo struct {
	KeyID   string `json:"keyId"`
	Trusted bool   `json:"trusted"`
	Reason  string `json:"reason"`
}

// Certificates is the certificate store surface the engine reads and writes.
type Certificates interface {
	Generation() uint64
	BySubject(t proto.CertificateType, subject string) []proto.Certificate
	OfType(t proto.CertificateType) []proto.Certificate
	All() []proto.Certificate
	KeysOfPerson(person string) []string
	PersonOfKey(keyID string) (string, bool)
	MarkTrusted(id string, trusted bool)
	Add(ctx context.Context, c proto.Certificate) error
	PutProfile(ctx context.Context, p proto.Profile, proven ...string) error
	BindKey(ctx context.Context, person, keyID string) error
	RightsTable() map[string]cert.PersonRights
	ReplaceRights(ctx context.Context, table map[string]cert.PersonRights) error
}

// Identity is the local signer. PersonID defaults to crypto.PersonID(Main).
type Identity struct {
	PersonID string
	Main     crypto.KeyPair
}

func (id Identity) person() string {
	if id.PersonID != "" {
		return id.PersonID
	}
	return crypto.PersonID(id.Main.PublicKey)
}

type Options struct {
	Identity Identity
	// RootKeys are additional key ids trusted out of band.
	RootKeys []string
	Mode     RootKeyMode
	// Storage persists the verdict cache; nil disables persistence.
	Storage store.Storage
	Logger  zerolog.Logger
}

type cacheEntry struct {
	info KeyTrustInfo
	gen  uint64
}

type Engine struct {
	certs    Certificates
	identity Identity
	extra    []string
	mode     RootKeyMode
	st       store.Storage
	log      zerolog.Logger

	mu          sync.Mutex
	cache       map[string]cacheEntry
	unavailable error
	rightsGen   uint64
	rightsValid bool
}

func NewEngine(certs Certificates, opts Options) *Engine {
	extra := make([]string, 0, len(opts.RootKeys))
	for _, k := range opts.RootKeys {
		if k != "" {
			extra = append(extra, k)
		}
	}
	return &Engine{
		certs:    certs,
		identity: opts.Identity,
		extra:    extra,
		mode:     opts.Mode,
		st:       opts.Storage,
		log:      opts.Logger,
		cache:    make(map[string]cacheEntry),
	}
}

// Init binds the local identity key to its person and restores the
// persisted verdict cache.
func (e *Engine) Init(ctx context.Context) error {
	if len(e.identity.Main.PublicKey) > 0 {
		if err := e.certs.BindKey(ctx, e.identity.person(), crypto.KeyID(e.identity.Main.PublicKey)); err != nil {
			return errors.Wrap(err, "bind identity key")
		}
	}
	return e.LoadCache(ctx)
}

// SetUnavailable records that the certificate set could not be loaded.
// Until cleared, every non-root key resolves as unknown and untrusted.
func (e *Engine) SetUnavailable(err error) {
	e.mu.Lock()
	e.unavailable = err
	e.cache = make(map[string]cacheEntry)
	e.mu.Unlock()
	if err != nil {
		e.log.Error().Err(err).Msg("certificate store unavailable, trust queries degraded")
	}
}

func (e *Engine) Mode() RootKeyMode { return e.mode }

func (e *Engine) LocalPerson() string {
	if len(e.identity.Main.PublicKey) == 0 {
		return ""
	}
	return e.identity.person()
}

func (e *Engine) LocalKeyID() string {
	return crypto.KeyID(e.identity.Main.PublicKey)
}

// RootKeys lists the key ids treated as axiomatically trusted under mode.
func (e *Engine) RootKeys(mode RootKeyMode) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(e.extra)+1)
	add := func(k string) {
		if _, ok := seen[k]; ok || k == "" {
			return
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	if len(e.identity.Main.PublicKey) > 0 {
		add(crypto.KeyID(e.identity.Main.PublicKey))
	}
	for _, k := range e.extra {
		add(k)
	}
	if mode == RootAll && len(e.identity.Main.PublicKey) > 0 {
		for _, k := range e.certs.KeysOfPerson(e.identity.person()) {
			add(k)
		}
	}
	return out
}

func (e *Engine) rootSet() map[string]struct{} {
	roots := e.RootKeys(e.mode)
	set := make(map[string]struct{}, len(roots))
	for _, k := range roots {
		set[k] = struct{}{}
	}
	return set
}

func (e *Engine) IsKeyTrusted(keyID string) bool {
	return e.KeyTrust(keyID).Trusted
}

// KeyTrust returns the cached verdict for keyID, recomputing it when the
// certificate set changed since it was cached.
func (e *Engine) KeyTrust(keyID string) KeyTrustInfo {
	gen := e.certs.Generation()
	e.mu.Lock()
	if ent, ok := e.cache[keyID]; ok && ent.gen == gen {
		e.mu.Unlock()
		return ent.info
	}
	unavailable := e.unavailable
	e.mu.Unlock()

	roots := e.rootSet()
	var info KeyTrustInfo
	if _, ok := roots[keyID]; !ok && unavailable != nil {
		return KeyTrustInfo{KeyID: keyID, Trusted: false, Reason: ReasonUnknown}
	}
	r := resolver{engine: e, roots: roots, memo: make(map[string]KeyTrustInfo)}
	info = r.resolve(keyID, nil)

	e.mu.Lock()
	e.cache[keyID] = cacheEntry{info: info, gen: gen}
	e.mu.Unlock()
	e.log.Debug().Str("key", keyID).Bool("trusted", info.Trusted).Str("reason", info.Reason).Msg("key trust resolved")
	return info
}

// visited is an immutable chain of keys on the current resolution path.
// Each recursive call extends it without touching the caller's view.
type visited struct {
	key    string
	parent *visited
}

func (v *visited) has(key string) bool {
	for n := v; n != nil; n = n.parent {
		if n.key == key {
			return true
		}
	}
	return false
}

func (v *visited) with(key string) *visited {
	return &visited{key: key, parent: v}
}

type resolver struct {
	engine *Engine
	roots  map[string]struct{}
	// memo holds path independent results only: trusted, or no certificates.
	memo map[string]KeyTrustInfo
}

func (r *resolver) resolve(key string, path *visited) KeyTrustInfo {
	if path.has(key) {
		return KeyTrustInfo{KeyID: key, Trusted: false, Reason: ReasonCycle}
	}
	if _, ok := r.roots[key]; ok {
		return KeyTrustInfo{KeyID: key, Trusted: true, Reason: ReasonRootKey}
	}
	if info, ok := r.memo[key]; ok {
		return info
	}
	certs := r.engine.certs.BySubject(proto.CertTrustKeys, key)
	if len(certs) == 0 {
		info := KeyTrustInfo{KeyID: key, Trusted: false, Reason: ReasonNoCertificates}
		r.memo[key] = info
		return info
	}
	next := path.with(key)
	sawCycle := false
	for _, c := range certs {
		p, ok := validate(c)
		if !ok {
			continue
		}
		issuer := r.resolve(p.Issuer, next)
		if issuer.Trusted {
			info := KeyTrustInfo{KeyID: key, Trusted: true, Reason: reasonTrustedBy + p.Issuer}
			r.memo[key] = info
			return info
		}
		if issuer.Reason == ReasonCycle {
			sawCycle = true
		}
	}
	if sawCycle {
		return KeyTrustInfo{KeyID: key, Trusted: false, Reason: ReasonCycle}
	}
	return KeyTrustInfo{KeyID: key, Trusted: false, Reason: ReasonNoPath}
}

// ValidateCertificate recomputes both integrity hashes, decodes the payload
// and verifies the signature against the issuer key named in it. It says
// nothing about whether the issuer is trusted.
func ValidateCertificate(c proto.Certificate) bool {
	_, ok := validate(c)
	return ok
}

func validate(c proto.Certificate) (proto.CertificatePayload, bool) {
	if !c.HashesMatch() {
		return proto.CertificatePayload{}, false
	}
	p, err := c.Payload()
	if err != nil {
		return proto.CertificatePayload{}, false
	}
	pub, err := crypto.PublicKeyFromID(p.Issuer)
	if err != nil {
		return proto.CertificatePayload{}, false
	}
	if !crypto.Verify(pub, c.Certificate, c.Signature) {
		return proto.CertificatePayload{}, false
	}
	return p, true
}

// FindKeyThatVerifiesSignature tries every key known for the claimed signer
// and returns the verdict of the first key whose signature check passes.
// A signer id that is itself a key id is tried directly.
func (e *Engine) FindKeyThatVerifiesSignature(sig crypto.Signature) (KeyTrustInfo, bool) {
	candidates := e.certs.KeysOfPerson(sig.SignerID)
	if crypto.IsKeyID(sig.SignerID) {
		candidates = append([]string{sig.SignerID}, candidates...)
	}
	for _, k := range candidates {
		pub, err := crypto.PublicKeyFromID(k)
		if err != nil {
			continue
		}
		if crypto.VerifySignature(pub, sig) {
			return e.KeyTrust(k), true
		}
	}
	return KeyTrustInfo{}, false
}

func (e *Engine) VerifySignatureWithTrustedKeys(sig crypto.Signature) bool {
	info, ok := e.FindKeyThatVerifiesSignature(sig)
	return ok && info.Trusted
}

func (e *Engine) IsSignedByRootKey(sig crypto.Signature, mode RootKeyMode) bool {
	for _, k := range e.RootKeys(mode) {
		pub, err := crypto.PublicKeyFromID(k)
		if err != nil {
			continue
		}
		if crypto.VerifySignature(pub, sig) {
			return true
		}
	}
	return false
}

// CertificatesOfType lists certificates of type t whose subject is subject.
func (e *Engine) CertificatesOfType(subject string, t proto.CertificateType) []proto.Certificate {
	return e.certs.BySubject(t, subject)
}

// IsCertifiedBy reports whether issuer (a person or key id) holds a valid
// certificate of type t over subject, signed with one of its trusted keys.
func (e *Engine) IsCertifiedBy(subject string, t proto.CertificateType, issuer string) bool {
	issuerKeys := make(map[string]struct{})
	for _, k := range e.certs.KeysOfPerson(issuer) {
		issuerKeys[k] = struct{}{}
	}
	issuerKeys[issuer] = struct{}{}
	for _, c := range e.certs.BySubject(t, subject) {
		p, ok := validate(c)
		if !ok {
			continue
		}
		if _, ok := issuerKeys[p.Issuer]; !ok {
			continue
		}
		if e.KeyTrust(p.Issuer).Trusted {
			return true
		}
	}
	return false
}

// InvalidateAll drops every cached verdict regardless of generation.
func (e *Engine) InvalidateAll() {
	e.mu.Lock()
	e.cache = make(map[string]cacheEntry)
	e.rightsValid = false
	e.mu.Unlock()
}
