package cert_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"chumnet/internal/cert"
	"chumnet/internal/crypto"
	"chumnet/internal/proto"
	"chumnet/internal/store"
)

func issue(t *testing.T, issuer crypto.KeyPair, typ proto.CertificateType, subject, id string) proto.Certificate {
	t.Helper()
	body, err := proto.EncodeCertificatePayload(proto.CertificatePayload{
		Type:     typ,
		Issuer:   crypto.KeyID(issuer.PublicKey),
		Subject:  subject,
		IssuedAt: 1,
	})
	require.NoError(t, err)
	sig, err := crypto.SignBytes(issuer.PrivateKey, body)
	require.NoError(t, err)
	c := proto.Certificate{ID: id, Certificate: body, Signature: sig, Timestamp: 1}
	c.Seal()
	return c
}

func newKey(t *testing.T) crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func TestAddAndQueryBySubject(t *testing.T) {
	ctx := context.Background()
	s := cert.NewStore(store.NewMemStore(), cert.Options{})
	root, k := newKey(t), newKey(t)
	kid := crypto.KeyID(k.PublicKey)

	gen := s.Generation()
	require.NoError(t, s.Add(ctx, issue(t, root, proto.CertTrustKeys, kid, "c1")))
	require.Greater(t, s.Generation(), gen)

	got := s.BySubject(proto.CertTrustKeys, kid)
	require.Len(t, got, 1)
	require.Equal(t, "c1", got[0].ID)
	require.Empty(t, s.BySubject(proto.CertAffirmation, kid))
	require.Len(t, s.OfType(proto.CertTrustKeys), 1)

	p, ok := s.Payload("c1")
	require.True(t, ok)
	require.Equal(t, crypto.KeyID(root.PublicKey), p.Issuer)
}

func TestAddRejectsHashMismatch(t *testing.T) {
	ctx := context.Background()
	s := cert.NewStore(store.NewMemStore(), cert.Options{})
	c := issue(t, newKey(t), proto.CertTrustKeys, "chum1x", "bad")
	c.CertificateHash = crypto.HashHex([]byte("something else"))
	require.ErrorIs(t, s.Add(ctx, c), cert.ErrIntegrity)
	require.Zero(t, s.Len())
}

func TestAddClearsCachedTrustedFlag(t *testing.T) {
	ctx := context.Background()
	s := cert.NewStore(store.NewMemStore(), cert.Options{})
	c := issue(t, newKey(t), proto.CertTrustKeys, "chum1x", "c")
	c.Trusted = true
	require.NoError(t, s.Add(ctx, c))
	got, ok := s.Get("c")
	require.True(t, ok)
	require.False(t, got.Trusted)
}

func TestAddAllSkipsCorrupted(t *testing.T) {
	ctx := context.Background()
	s := cert.NewStore(store.NewMemStore(), cert.Options{})
	issuer := newKey(t)
	good := issue(t, issuer, proto.CertTrustKeys, "chum1a", "good")
	bad := issue(t, issuer, proto.CertTrustKeys, "chum1b", "bad")
	bad.Signature = append([]byte(nil), bad.Signature...)
	bad.Signature[0] ^= 1
	n, err := s.AddAll(ctx, []proto.Certificate{good, bad})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, ok := s.Get("bad")
	require.False(t, ok)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	s := cert.NewStore(store.NewMemStore(), cert.Options{})
	require.NoError(t, s.Add(ctx, issue(t, newKey(t), proto.CertTrustKeys, "chum1a", "c")))
	gen := s.Generation()
	require.NoError(t, s.Remove(ctx, "c"))
	require.Greater(t, s.Generation(), gen)
	require.Empty(t, s.BySubject(proto.CertTrustKeys, "chum1a"))
	require.ErrorIs(t, s.Remove(ctx, "c"), cert.ErrUnknownCert)
}

func TestProfilesAndPersonKeys(t *testing.T) {
	ctx := context.Background()
	s := cert.NewStore(store.NewMemStore(), cert.Options{})
	k1, k2 := newKey(t), newKey(t)
	person := crypto.PersonID(k1.PublicKey)
	p := proto.Profile{
		ID:           "p1",
		PersonID:     person,
		Owner:        person,
		ProfileID:    "phone",
		Timestamp:    3,
		Keys:         []string{crypto.KeyID(k1.PublicKey), crypto.KeyID(k2.PublicKey)},
		Certificates: []proto.Certificate{issue(t, k1, proto.CertTrustKeys, crypto.KeyID(k2.PublicKey), "c")},
	}
	p.ProfileHash = proto.ComputeProfileHash(p)
	require.NoError(t, s.PutProfile(ctx, p))

	got, ok := s.ProfileByHash(p.ProfileHash)
	require.True(t, ok)
	require.Equal(t, p.ProfileID, got.ProfileID)
	require.Len(t, s.ProfilesForKey(crypto.KeyID(k2.PublicKey)), 1)
	require.ElementsMatch(t, p.Keys, s.KeysOfPerson(person))
	owner, ok := s.PersonOfKey(crypto.KeyID(k2.PublicKey))
	require.True(t, ok)
	require.Equal(t, person, owner)
	require.Equal(t, 1, s.Len())

	p.ProfileID = "tampered"
	require.ErrorIs(t, s.PutProfile(ctx, p), cert.ErrProfileHash)
}

func TestProfileLeavesUnprovenKeysUnbound(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	s := cert.NewStore(st, cert.Options{})
	k1, signer, victim := newKey(t), newKey(t), newKey(t)
	person := crypto.PersonID(k1.PublicKey)
	victimID := crypto.KeyID(victim.PublicKey)
	signerID := crypto.KeyID(signer.PublicKey)
	p := proto.Profile{
		ID:        "p1",
		PersonID:  person,
		Owner:     person,
		ProfileID: "laptop",
		Timestamp: 4,
		Keys:      []string{crypto.KeyID(k1.PublicKey), signerID, victimID},
	}
	p.ProfileHash = proto.ComputeProfileHash(p)
	require.NoError(t, s.PutProfile(ctx, p, signerID))

	_, ok := s.PersonOfKey(victimID)
	require.False(t, ok, "listed key without proof must stay unbound")
	require.Empty(t, s.ProfilesForKey(victimID))
	owner, ok := s.PersonOfKey(signerID)
	require.True(t, ok)
	require.Equal(t, person, owner)
	require.ElementsMatch(t, []string{crypto.KeyID(k1.PublicKey), signerID}, s.KeysOfPerson(person))

	// The real owner can still claim it.
	require.NoError(t, s.BindKey(ctx, crypto.PersonID(victim.PublicKey), victimID))

	reloaded := cert.NewStore(st, cert.Options{})
	require.NoError(t, reloaded.Load(ctx))
	require.ElementsMatch(t, []string{crypto.KeyID(k1.PublicKey), signerID}, reloaded.KeysOfPerson(person))
	require.Empty(t, reloaded.ProfilesForKey(victimID))
}

func TestBindKeyRejectsSecondOwner(t *testing.T) {
	ctx := context.Background()
	s := cert.NewStore(store.NewMemStore(), cert.Options{})
	require.NoError(t, s.BindKey(ctx, "did:chum:a", "chum1k"))
	require.NoError(t, s.BindKey(ctx, "did:chum:a", "chum1k"))
	require.ErrorIs(t, s.BindKey(ctx, "did:chum:b", "chum1k"), cert.ErrKeyBound)
	require.Equal(t, []string{"chum1k"}, s.KeysOfPerson("did:chum:a"))
}

func TestRightsTable(t *testing.T) {
	ctx := context.Background()
	s := cert.NewStore(store.NewMemStore(), cert.Options{})
	require.NoError(t, s.ReplaceRights(ctx, map[string]cert.PersonRights{
		"did:chum:a": {DeclareGlobally: true, DeclareForSelf: true},
		"did:chum:b": {DeclareForSelf: true},
	}))
	r, ok := s.Rights("did:chum:b")
	require.True(t, ok)
	require.False(t, r.DeclareGlobally)
	require.True(t, r.DeclareForSelf)

	require.NoError(t, s.ReplaceRights(ctx, map[string]cert.PersonRights{"did:chum:a": {DeclareForSelf: true}}))
	_, ok = s.Rights("did:chum:b")
	require.False(t, ok)
}

func TestLoadRestoresAndSkipsCorruption(t *testing.T) {
	ctx := context.Background()
	backing, err := store.NewFileStore(filepath.Join(t.TempDir(), "records"))
	require.NoError(t, err)
	s := cert.NewStore(backing, cert.Options{})
	issuer, k := newKey(t), newKey(t)
	kid := crypto.KeyID(k.PublicKey)
	require.NoError(t, s.Add(ctx, issue(t, issuer, proto.CertTrustKeys, kid, "keep")))
	require.NoError(t, s.Add(ctx, issue(t, issuer, proto.CertTrustKeys, kid, "rot")))
	require.NoError(t, s.BindKey(ctx, "did:chum:a", kid))
	require.NoError(t, s.ReplaceRights(ctx, map[string]cert.PersonRights{"did:chum:a": {DeclareForSelf: true}}))

	// corrupt one record on disk: payload changed, hashes left stale
	raw, err := backing.Read(ctx, "certs/rot")
	require.NoError(t, err)
	c, err := proto.DecodeCertificate(raw)
	require.NoError(t, err)
	c.Certificate = []byte(`{"type":1,"issuer":"x","subject":"y","issuedAt":2}`)
	raw, err = proto.EncodeCertificate(c)
	require.NoError(t, err)
	require.NoError(t, backing.Write(ctx, "certs/rot", raw))

	again := cert.NewStore(backing, cert.Options{})
	require.NoError(t, again.Load(ctx))
	require.Equal(t, 1, again.Len())
	_, ok := again.Get("keep")
	require.True(t, ok)
	require.Equal(t, []string{kid}, again.KeysOfPerson("did:chum:a"))
	r, ok := again.Rights("did:chum:a")
	require.True(t, ok)
	require.True(t, r.DeclareForSelf)
}
