package mesh

import (
	"context"

	"github.com/pkg/errors"

	"chumnet/internal/link"
	"chumnet/internal/proto"
)

// certBatch bounds how many certificates go into one sync message so a
// batch stays well under the frame size cap.
const certBatch = 128

// SyncProfileWithPeer sends the local profile to person.
func (o *Orchestrator) SyncProfileWithPeer(ctx context.Context, person string) (link.Outcome, error) {
	p, err := o.engine.LocalProfile(ctx, o.profileID)
	if err != nil {
		return 0, errors.Wrap(err, "build local profile")
	}
	payload, err := proto.EncodeProfile(p)
	if err != nil {
		return 0, err
	}
	return o.SendMessage(ctx, proto.Message{Recipient: person, Type: proto.MsgProfileSync, Payload: payload})
}

// SyncCertificatesWithPeer sends every stored certificate to person, in
// batches. The outcome is Queued if any batch was queued.
func (o *Orchestrator) SyncCertificatesWithPeer(ctx context.Context, person string) (link.Outcome, error) {
	all := o.certs.All()
	if len(all) == 0 {
		return link.Sent, nil
	}
	outcome := link.Sent
	for start := 0; start < len(all); start += certBatch {
		end := start + certBatch
		if end > len(all) {
			end = len(all)
		}
		payload, err := proto.EncodeCertificateList(all[start:end])
		if err != nil {
			return 0, err
		}
		out, err := o.SendMessage(ctx, proto.Message{Recipient: person, Type: proto.MsgCertificateSync, Payload: payload})
		if err != nil {
			return 0, err
		}
		if out == link.Queued {
			outcome = link.Queued
		}
	}
	return outcome, nil
}

// ingestProfile stores a peer's own profile. Profiles describing someone
// else are refused; they travel inside certificate syncs instead. Of the
// listed keys only signer and keys the store can prove are bound.
func (o *Orchestrator) ingestProfile(ctx context.Context, m proto.Message, signer string) error {
	p, err := proto.DecodeProfile(m.Payload)
	if err != nil {
		return err
	}
	if p.PersonID != m.Sender {
		return errors.Errorf("profile of %s sent by %s", p.PersonID, m.Sender)
	}
	if err := o.certs.PutProfile(ctx, p, signer); err != nil {
		return errors.Wrap(err, "store profile")
	}
	o.log.Info().Str("peer", m.Sender).Str("profile", p.ProfileHash).Int("certs", len(p.Certificates)).Msg("profile synced")
	return o.refresh(ctx)
}

func (o *Orchestrator) ingestCertificates(ctx context.Context, m proto.Message) error {
	certs, err := proto.DecodeCertificateList(m.Payload)
	if err != nil {
		return err
	}
	added, err := o.certs.AddAll(ctx, certs)
	if err != nil {
		return errors.Wrap(err, "store certificates")
	}
	o.log.Info().Str("peer", m.Sender).Int("received", len(certs)).Int("accepted", added).Msg("certificates synced")
	if added == 0 {
		return nil
	}
	return o.refresh(ctx)
}

// refresh recomputes trust flags and rights after ingestion. The verdict
// cache itself is already invalidated by the store generation bump.
func (o *Orchestrator) refresh(ctx context.Context) error {
	if err := o.engine.Refresh(ctx); err != nil {
		o.log.Warn().Err(err).Msg("trust refresh after sync")
	}
	return nil
}
