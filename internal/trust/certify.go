package trust

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"chumnet/internal/crypto"
	"chumnet/internal/proto"
)

// Certify issues a certificate over subject with the local main key and
// stores it. For TrustKeys the subject is the certified key id.
func (e *Engine) Certify(ctx context.Context, t proto.CertificateType, subject string, data []byte) (proto.Certificate, error) {
	if !e.identity.Main.HasPrivate() {
		return proto.Certificate{}, ErrNoIdentity
	}
	if t == proto.CertTrustKeys && !crypto.IsKeyID(subject) {
		return proto.Certificate{}, errors.Errorf("trust_keys subject %q is not a key id", subject)
	}
	now := uint64(time.Now().UnixMilli())
	body, err := proto.EncodeCertificatePayload(proto.CertificatePayload{
		Type:     t,
		Issuer:   crypto.KeyID(e.identity.Main.PublicKey),
		Subject:  subject,
		Data:     data,
		IssuedAt: now,
	})
	if err != nil {
		return proto.Certificate{}, err
	}
	sig, err := crypto.SignBytes(e.identity.Main.PrivateKey, body)
	if err != nil {
		return proto.Certificate{}, err
	}
	c := proto.Certificate{
		ID:          uuid.NewString(),
		Certificate: body,
		Signature:   sig,
		Timestamp:   now,
	}
	c.Seal()
	if err := e.certs.Add(ctx, c); err != nil {
		return proto.Certificate{}, errors.Wrap(err, "store certificate")
	}
	e.log.Info().Str("cert", c.ID).Str("type", t.String()).Str("subject", subject).Msg("certificate issued")
	return c, nil
}

// LocalProfile builds, stores and returns the profile describing the local
// identity: its keys and every certificate issued by or about them.
func (e *Engine) LocalProfile(ctx context.Context, profileID string) (proto.Profile, error) {
	if len(e.identity.Main.PublicKey) == 0 {
		return proto.Profile{}, ErrNoIdentity
	}
	person := e.identity.person()
	keys := e.certs.KeysOfPerson(person)
	mainID := crypto.KeyID(e.identity.Main.PublicKey)
	if !contains(keys, mainID) {
		keys = append([]string{mainID}, keys...)
	}
	local := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		local[k] = struct{}{}
	}
	var certs []proto.Certificate
	for _, c := range e.certs.All() {
		p, err := c.Payload()
		if err != nil {
			continue
		}
		_, bySelf := local[p.Issuer]
		_, aboutSelf := local[p.Subject]
		if bySelf || aboutSelf || p.Subject == person {
			certs = append(certs, c)
		}
	}
	sort.Strings(keys)
	p := proto.Profile{
		ID:           uuid.NewString(),
		PersonID:     person,
		Owner:        person,
		ProfileID:    profileID,
		Timestamp:    uint64(time.Now().UnixMilli()),
		Keys:         keys,
		Certificates: certs,
	}
	p.ProfileHash = proto.ComputeProfileHash(p)
	if err := e.certs.PutProfile(ctx, p, mainID); err != nil {
		return proto.Profile{}, err
	}
	return p, nil
}

// Refresh recomputes cached Trusted flags on certificates, re-derives the
// rights table and persists the verdict cache.
func (e *Engine) Refresh(ctx context.Context) error {
	for _, c := range e.certs.All() {
		p, ok := validate(c)
		e.certs.MarkTrusted(c.ID, ok && e.KeyTrust(p.Issuer).Trusted)
	}
	if err := e.ensureRights(ctx); err != nil {
		return err
	}
	return e.SaveCache(ctx)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
