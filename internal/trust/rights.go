package trust

import (
	"context"

	"chumnet/internal/cert"
	"chumnet/internal/proto"
)

// PersonRights returns the declaration rights of person, re-deriving the
// whole table first when the certificate set changed.
func (e *Engine) PersonRights(ctx context.Context, person string) cert.PersonRights {
	if err := e.ensureRights(ctx); err != nil {
		e.log.Warn().Err(err).Msg("rights table not persisted")
	}
	return e.certs.RightsTable()[person]
}

func (e *Engine) ensureRights(ctx context.Context) error {
	gen := e.certs.Generation()
	e.mu.Lock()
	fresh := e.rightsValid && e.rightsGen == gen
	e.mu.Unlock()
	if fresh {
		return nil
	}
	table := e.DeriveRights()
	err := e.certs.ReplaceRights(ctx, table)
	if err == nil {
		e.mu.Lock()
		e.rightsGen = gen
		e.rightsValid = true
		e.mu.Unlock()
	}
	return err
}

// DeriveRights computes the rights table from scratch. A right is granted
// when a structurally valid certificate of the matching type names the
// person and its issuer key is trusted. Holders of a root key get both
// rights without any certificate.
func (e *Engine) DeriveRights() map[string]cert.PersonRights {
	table := make(map[string]cert.PersonRights)
	grant := func(t proto.CertificateType) {
		for _, c := range e.certs.OfType(t) {
			p, ok := validate(c)
			if !ok || !e.KeyTrust(p.Issuer).Trusted {
				continue
			}
			r := table[p.Subject]
			if t == proto.CertRightDeclareForEverybody {
				r.DeclareGlobally = true
			} else {
				r.DeclareForSelf = true
			}
			table[p.Subject] = r
		}
	}
	grant(proto.CertRightDeclareForEverybody)
	grant(proto.CertRightDeclareForSelf)

	for _, k := range e.RootKeys(e.mode) {
		person, ok := e.certs.PersonOfKey(k)
		if !ok {
			continue
		}
		table[person] = cert.PersonRights{DeclareGlobally: true, DeclareForSelf: true}
	}
	return table
}
