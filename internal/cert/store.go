// Package cert holds the persisted certificate set, published profiles and
// the person rights table. It performs integrity checks only; trust
// decisions live in package trust.
package cert

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"chumnet/internal/crypto"
	"chumnet/internal/proto"
	"chumnet/internal/store"
)

const (
	prefixCerts    = "certs/"
	prefixProfiles = "profiles/"
	prefixPersons  = "persons/"
	prefixRights   = "rights/"
)

var (
	ErrIntegrity     = errors.New("certificate integrity check failed")
	ErrProfileHash   = errors.New("profile hash mismatch")
	ErrUnknownCert   = errors.New("unknown certificate")
	ErrKeyBound      = errors.New("key bound to another person")
)

// PersonRights is the derived rights table entry for one person.
type PersonRights struct {
	DeclareGlobally bool `json:"global"`
	DeclareForSelf  bool `json:"self"`
}

type subjectKey struct {
	typ     proto.CertificateType
	subject string
}

type Options struct {
	Logger zerolog.Logger
}

type Store struct {
	st  store.Storage
	log zerolog.Logger

	mu           sync.RWMutex
	generation   uint64
	certs        map[string]proto.Certificate
	payloads     map[string]proto.CertificatePayload
	bySubject    map[subjectKey][]string
	profiles     map[string]proto.Profile
	keyProfiles  map[string]map[string]struct{}
	keysOfPerson map[string][]string
	personOfKey  map[string]string
	rights       map[string]PersonRights
}

func NewStore(st store.Storage, opts Options) *Store {
	return &Store{
		st:           st,
		log:          opts.Logger,
		certs:        make(map[string]proto.Certificate),
		payloads:     make(map[string]proto.CertificatePayload),
		bySubject:    make(map[subjectKey][]string),
		profiles:     make(map[string]proto.Profile),
		keyProfiles:  make(map[string]map[string]struct{}),
		keysOfPerson: make(map[string][]string),
		personOfKey:  make(map[string]string),
		rights:       make(map[string]PersonRights),
	}
}

// Generation increases on every mutation of certificates, profiles or
// person keys. Cached trust verdicts are valid only for the generation they
// were computed at.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Add stores a certificate after checking that both integrity hashes match
// and the payload decodes. The cached Trusted flag is never taken on faith;
// it is reset until a trust engine recomputes it.
func (s *Store) Add(ctx context.Context, c proto.Certificate) error {
	added, err := s.AddAll(ctx, []proto.Certificate{c})
	if err != nil {
		return err
	}
	if added == 0 {
		return ErrIntegrity
	}
	return nil
}

// AddAll ingests a batch, typically from a peer sync. Certificates that fail
// the integrity check are skipped and counted out; storage errors abort.
func (s *Store) AddAll(ctx context.Context, certs []proto.Certificate) (int, error) {
	type accepted struct {
		cert    proto.Certificate
		payload proto.CertificatePayload
	}
	ok := make([]accepted, 0, len(certs))
	for _, c := range certs {
		p, err := checkIntegrity(c)
		if err != nil {
			s.log.Debug().Str("cert", c.ID).Err(err).Msg("certificate rejected")
			continue
		}
		c.Trusted = false
		data, err := proto.EncodeCertificate(c)
		if err != nil {
			continue
		}
		if err := s.st.Write(ctx, prefixCerts+c.ID, data); err != nil {
			return len(ok), errors.Wrapf(err, "persist certificate %s", c.ID)
		}
		ok = append(ok, accepted{cert: c, payload: p})
	}
	if len(ok) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	for _, a := range ok {
		s.putLocked(a.cert, a.payload)
	}
	s.generation++
	s.mu.Unlock()
	return len(ok), nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.RLock()
	_, known := s.certs[id]
	s.mu.RUnlock()
	if !known {
		return ErrUnknownCert
	}
	if err := s.st.Delete(ctx, prefixCerts+id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return errors.Wrapf(err, "delete certificate %s", id)
	}
	s.mu.Lock()
	s.removeLocked(id)
	s.generation++
	s.mu.Unlock()
	return nil
}

// MarkTrusted records a recomputed verdict on the cached flag. It does not
// bump the generation because the certificate set is unchanged.
func (s *Store) MarkTrusted(id string, trusted bool) {
	s.mu.Lock()
	if c, ok := s.certs[id]; ok {
		c.Trusted = trusted
		s.certs[id] = c
	}
	s.mu.Unlock()
}

func (s *Store) Get(id string) (proto.Certificate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.certs[id]
	return c, ok
}

func (s *Store) Payload(id string) (proto.CertificatePayload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payloads[id]
	return p, ok
}

func (s *Store) All() []proto.Certificate {
	s.mu.RLock()
	out := make([]proto.Certificate, 0, len(s.certs))
	for _, c := range s.certs {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sortCerts(out)
	return out
}

// BySubject returns certificates of type t naming subject.
func (s *Store) BySubject(t proto.CertificateType, subject string) []proto.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.bySubject[subjectKey{typ: t, subject: subject}]
	out := make([]proto.Certificate, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.certs[id])
	}
	return out
}

func (s *Store) OfType(t proto.CertificateType) []proto.Certificate {
	s.mu.RLock()
	out := make([]proto.Certificate, 0)
	for id, p := range s.payloads {
		if p.Type == t {
			out = append(out, s.certs[id])
		}
	}
	s.mu.RUnlock()
	sortCerts(out)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.certs)
}

// PutProfile stores a profile addressed by its hash and ingests the
// certificates it carries. Only keys shown to belong to the person are bound
// to it: a key that derives the person id, a key listed in proven (e.g. the
// one that signed the carrying message), or a key certified by one already
// bound to the person. Other listed keys stay unbound.
func (s *Store) PutProfile(ctx context.Context, p proto.Profile, proven ...string) error {
	if p.ProfileHash != proto.ComputeProfileHash(p) {
		return ErrProfileHash
	}
	for _, k := range p.Keys {
		if owner, ok := s.PersonOfKey(k); ok && owner != p.PersonID {
			return errors.Wrapf(ErrKeyBound, "key %s", k)
		}
	}
	if _, err := s.AddAll(ctx, p.Certificates); err != nil {
		return err
	}
	data, err := proto.EncodeProfile(p)
	if err != nil {
		return err
	}
	if err := s.st.Write(ctx, prefixProfiles+p.ProfileHash, data); err != nil {
		return errors.Wrap(err, "persist profile")
	}
	owned := s.provenKeys(p, proven)
	var bind []string
	for _, k := range p.Keys {
		if _, ok := owned[k]; !ok {
			s.log.Debug().Str("person", p.PersonID).Str("key", k).Msg("profile key not proven, left unbound")
			continue
		}
		bind = append(bind, k)
	}
	if err := s.persistPersonKey(ctx, p.PersonID, bind...); err != nil {
		return err
	}
	s.mu.Lock()
	for k := range owned {
		s.bindLocked(p.PersonID, k)
	}
	s.putProfileLocked(p)
	s.generation++
	s.mu.Unlock()
	return nil
}

// provenKeys returns the keys of p that may be bound to p.PersonID.
func (s *Store) provenKeys(p proto.Profile, proven []string) map[string]struct{} {
	owned := make(map[string]struct{}, len(p.Keys))
	for _, k := range s.KeysOfPerson(p.PersonID) {
		owned[k] = struct{}{}
	}
	listed := make(map[string]struct{}, len(p.Keys))
	for _, k := range p.Keys {
		listed[k] = struct{}{}
		if pub, err := crypto.PublicKeyFromID(k); err == nil && crypto.PersonID(pub) == p.PersonID {
			owned[k] = struct{}{}
		}
	}
	for _, k := range proven {
		if _, ok := listed[k]; ok {
			owned[k] = struct{}{}
		}
	}
	for changed := true; changed; {
		changed = false
		for k := range listed {
			if _, ok := owned[k]; ok {
				continue
			}
			if s.certifiedByAny(k, owned) {
				owned[k] = struct{}{}
				changed = true
			}
		}
	}
	for k := range owned {
		if _, ok := listed[k]; !ok {
			delete(owned, k)
		}
	}
	return owned
}

// certifiedByAny reports whether a TrustKeys certificate for keyID carries a
// valid signature by one of issuers.
func (s *Store) certifiedByAny(keyID string, issuers map[string]struct{}) bool {
	for _, c := range s.BySubject(proto.CertTrustKeys, keyID) {
		p, ok := s.Payload(c.ID)
		if !ok {
			continue
		}
		if _, ok := issuers[p.Issuer]; !ok {
			continue
		}
		pub, err := crypto.PublicKeyFromID(p.Issuer)
		if err != nil {
			continue
		}
		if crypto.Verify(pub, c.Certificate, c.Signature) {
			return true
		}
	}
	return false
}

func (s *Store) ProfileByHash(hash string) (proto.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[hash]
	return p, ok
}

func (s *Store) ProfilesForKey(keyID string) []proto.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]proto.Profile, 0, len(s.keyProfiles[keyID]))
	for h := range s.keyProfiles[keyID] {
		out = append(out, s.profiles[h])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProfileHash < out[j].ProfileHash })
	return out
}

// BindKey records that person controls keyID.
func (s *Store) BindKey(ctx context.Context, person, keyID string) error {
	if person == "" || keyID == "" {
		return errors.New("missing person or key")
	}
	s.mu.RLock()
	owner, bound := s.personOfKey[keyID]
	s.mu.RUnlock()
	if bound {
		if owner == person {
			return nil
		}
		return ErrKeyBound
	}
	if err := s.persistPersonKey(ctx, person, keyID); err != nil {
		return err
	}
	s.mu.Lock()
	s.bindLocked(person, keyID)
	s.generation++
	s.mu.Unlock()
	return nil
}

func (s *Store) KeysOfPerson(person string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.keysOfPerson[person]
	out := make([]string, len(keys))
	copy(out, keys)
	return out
}

func (s *Store) PersonOfKey(keyID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.personOfKey[keyID]
	return p, ok
}

func (s *Store) Rights(person string) (PersonRights, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rights[person]
	return r, ok
}

func (s *Store) RightsTable() map[string]PersonRights {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]PersonRights, len(s.rights))
	for k, v := range s.rights {
		out[k] = v
	}
	return out
}

// ReplaceRights swaps the whole rights table and persists the difference.
func (s *Store) ReplaceRights(ctx context.Context, table map[string]PersonRights) error {
	old := s.RightsTable()
	for person, r := range table {
		if prev, ok := old[person]; ok && prev == r {
			continue
		}
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := s.st.Write(ctx, prefixRights+person, data); err != nil {
			return errors.Wrapf(err, "persist rights for %s", person)
		}
	}
	for person := range old {
		if _, ok := table[person]; ok {
			continue
		}
		if err := s.st.Delete(ctx, prefixRights+person); err != nil && !errors.Is(err, store.ErrNotFound) {
			return errors.Wrapf(err, "delete rights for %s", person)
		}
	}
	next := make(map[string]PersonRights, len(table))
	for k, v := range table {
		next[k] = v
	}
	s.mu.Lock()
	s.rights = next
	s.mu.Unlock()
	return nil
}

// Load reads everything back from storage. Corrupted certificates and
// profiles are skipped and logged; storage errors are returned.
func (s *Store) Load(ctx context.Context) error {
	certKeys, err := s.st.List(ctx, prefixCerts)
	if err != nil {
		return errors.Wrap(err, "list certificates")
	}
	var certs []proto.Certificate
	var payloads []proto.CertificatePayload
	for _, k := range certKeys {
		data, err := s.st.Read(ctx, k)
		if err != nil {
			return errors.Wrapf(err, "read %s", k)
		}
		c, err := proto.DecodeCertificate(data)
		if err != nil {
			s.log.Warn().Str("key", k).Err(err).Msg("skipping undecodable certificate")
			continue
		}
		p, err := checkIntegrity(c)
		if err != nil {
			s.log.Warn().Str("key", k).Err(err).Msg("skipping corrupted certificate")
			continue
		}
		c.Trusted = false
		certs = append(certs, c)
		payloads = append(payloads, p)
	}

	profileKeys, err := s.st.List(ctx, prefixProfiles)
	if err != nil {
		return errors.Wrap(err, "list profiles")
	}
	var profiles []proto.Profile
	for _, k := range profileKeys {
		data, err := s.st.Read(ctx, k)
		if err != nil {
			return errors.Wrapf(err, "read %s", k)
		}
		p, err := proto.DecodeProfile(data)
		if err != nil || p.ProfileHash != proto.ComputeProfileHash(p) {
			s.log.Warn().Str("key", k).Msg("skipping corrupted profile")
			continue
		}
		profiles = append(profiles, p)
	}

	personKeys, err := s.st.List(ctx, prefixPersons)
	if err != nil {
		return errors.Wrap(err, "list persons")
	}
	bindings := make(map[string][]string)
	for _, k := range personKeys {
		data, err := s.st.Read(ctx, k)
		if err != nil {
			return errors.Wrapf(err, "read %s", k)
		}
		var keys []string
		if err := json.Unmarshal(data, &keys); err != nil {
			s.log.Warn().Str("key", k).Msg("skipping corrupted person record")
			continue
		}
		bindings[strings.TrimPrefix(k, prefixPersons)] = keys
	}

	rightKeys, err := s.st.List(ctx, prefixRights)
	if err != nil {
		return errors.Wrap(err, "list rights")
	}
	rights := make(map[string]PersonRights)
	for _, k := range rightKeys {
		data, err := s.st.Read(ctx, k)
		if err != nil {
			return errors.Wrapf(err, "read %s", k)
		}
		var r PersonRights
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		rights[strings.TrimPrefix(k, prefixRights)] = r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range certs {
		s.putLocked(c, payloads[i])
	}
	for person, keys := range bindings {
		for _, k := range keys {
			s.bindLocked(person, k)
		}
	}
	for _, p := range profiles {
		s.putProfileLocked(p)
	}
	s.rights = rights
	s.generation++
	return nil
}

func checkIntegrity(c proto.Certificate) (proto.CertificatePayload, error) {
	if c.ID == "" || !store.ValidKey(prefixCerts+c.ID) {
		return proto.CertificatePayload{}, errors.Wrap(ErrIntegrity, "bad id")
	}
	if !c.HashesMatch() {
		return proto.CertificatePayload{}, errors.Wrap(ErrIntegrity, "hash mismatch")
	}
	p, err := c.Payload()
	if err != nil {
		return proto.CertificatePayload{}, errors.Wrap(ErrIntegrity, err.Error())
	}
	return p, nil
}

func (s *Store) persistPersonKey(ctx context.Context, person string, keyIDs ...string) error {
	s.mu.RLock()
	keys := append([]string(nil), s.keysOfPerson[person]...)
	s.mu.RUnlock()
	have := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		have[k] = struct{}{}
	}
	changed := false
	for _, k := range keyIDs {
		if _, ok := have[k]; ok {
			continue
		}
		have[k] = struct{}{}
		keys = append(keys, k)
		changed = true
	}
	if !changed {
		return nil
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	if err := s.st.Write(ctx, prefixPersons+person, data); err != nil {
		return errors.Wrapf(err, "persist keys of %s", person)
	}
	return nil
}

func (s *Store) putLocked(c proto.Certificate, p proto.CertificatePayload) {
	if _, exists := s.certs[c.ID]; exists {
		s.removeLocked(c.ID)
	}
	s.certs[c.ID] = c
	s.payloads[c.ID] = p
	sk := subjectKey{typ: p.Type, subject: p.Subject}
	s.bySubject[sk] = append(s.bySubject[sk], c.ID)
}

func (s *Store) removeLocked(id string) {
	p, ok := s.payloads[id]
	if !ok {
		return
	}
	sk := subjectKey{typ: p.Type, subject: p.Subject}
	ids := s.bySubject[sk]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.bySubject, sk)
	} else {
		s.bySubject[sk] = ids
	}
	delete(s.certs, id)
	delete(s.payloads, id)
}

// putProfileLocked indexes p under every listed key already bound to its
// person. It never binds keys itself.
func (s *Store) putProfileLocked(p proto.Profile) {
	s.profiles[p.ProfileHash] = p
	for _, k := range p.Keys {
		if s.personOfKey[k] != p.PersonID {
			continue
		}
		set := s.keyProfiles[k]
		if set == nil {
			set = make(map[string]struct{})
			s.keyProfiles[k] = set
		}
		set[p.ProfileHash] = struct{}{}
	}
}

// bindLocked never moves a key between persons; the first binding stays.
func (s *Store) bindLocked(person, keyID string) {
	if _, ok := s.personOfKey[keyID]; ok {
		return
	}
	s.keysOfPerson[person] = append(s.keysOfPerson[person], keyID)
	s.personOfKey[keyID] = person
}

func sortCerts(certs []proto.Certificate) {
	sort.Slice(certs, func(i, j int) bool {
		if certs[i].Timestamp != certs[j].Timestamp {
			return certs[i].Timestamp < certs[j].Timestamp
		}
		return certs[i].ID < certs[j].ID
	})
}
