package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/photopd/photopd/internal/policy"
	"github.com/photopd/photopd/internal/policyfile"
	"github.com/photopd/photopd/internal/session"
	"github.com/photopd/photopd/internal/transport"
)

var errUnauthorized = errors.New("session is not authorized")

// decodeStrict unmarshals command data, rejecting unknown fields so a
// typo in an attribute name fails loudly instead of being ignored.
func decodeStrict(data json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode command data: %w", err)
	}
	return nil
}

// Command dispatches one request frame.
func (s *Server) Command(ctx context.Context, c *transport.Client, cmd transport.Command) {
	if cmd.Action == "authorizeSession" {
		s.authorizeSession(c, cmd)
		return
	}
	if !s.isAuthorized(c.ID) {
		s.hub.Send(c.ID, transport.ErrorEvent(cmd, errUnauthorized))
		return
	}

	sess, ok := s.registry.Lookup(c.ID)
	if !ok {
		s.hub.Send(c.ID, transport.ErrorEvent(cmd, errors.New("connection has no session")))
		return
	}

	var err error
	switch cmd.Action {
	case "listPolicies":
		s.hub.Send(c.ID, transport.ReplyEvent(cmd, sess.Snapshots()))
		return
	case "createPolicy":
		err = s.createPolicy(sess, cmd)
	case "savePolicy":
		err = s.savePolicy(sess, cmd)
	case "deletePolicy":
		err = s.deletePolicy(sess, cmd)
	case "replaceAllPolicies":
		err = s.replaceAllPolicies(sess, cmd)
	case "authenticate":
		err = s.authenticate(ctx, sess, cmd)
	case "provideSecondFactor":
		err = s.provideSecondFactor(ctx, sess, cmd)
	case "start":
		err = s.start(ctx, sess, c, cmd)
	case "interrupt":
		err = s.interrupt(sess, cmd)
	case "listAlbums":
		err = s.listAlbums(ctx, sess, c, cmd)
	case "listRuns":
		err = s.listRuns(sess, c, cmd)
	default:
		err = fmt.Errorf("unknown action %q", cmd.Action)
	}
	if err != nil {
		s.hub.Send(c.ID, transport.ErrorEvent(cmd, err))
	}
}

func (s *Server) authorizeSession(c *transport.Client, cmd transport.Command) {
	var req struct {
		Secret string `json:"secret"`
	}
	if err := decodeStrict(cmd.Data, &req); err != nil {
		s.hub.Send(c.ID, transport.ErrorEvent(cmd, err))
		return
	}
	if !s.guard.Authorize(req.Secret) {
		s.hub.Send(c.ID, transport.ErrorEvent(cmd, errors.New("wrong server secret")))
		return
	}
	s.mu.Lock()
	s.authorized[c.ID] = true
	s.mu.Unlock()

	s.hub.Send(c.ID, transport.ReplyEvent(cmd, nil))
	if sess, ok := s.registry.Lookup(c.ID); ok {
		s.hub.Send(c.ID, transport.NewEvent("policies", "", sess.Snapshots()))
	}
}

// policyDoc is the wire shape of a full policy definition.
type policyDoc struct {
	Name string `json:"name"`
	policy.Config
}

func (s *Server) createPolicy(sess *session.Session, cmd transport.Command) error {
	var doc policyDoc
	if err := decodeStrict(cmd.Data, &doc); err != nil {
		return err
	}
	if _, err := sess.Create(doc.Name, doc.Config); err != nil {
		return err
	}
	s.broadcastPolicies(sess)
	return nil
}

func (s *Server) savePolicy(sess *session.Session, cmd transport.Command) error {
	var u policy.Update
	if err := decodeStrict(cmd.Data, &u); err != nil {
		return err
	}
	_, err := sess.Update(cmd.Policy, u)
	if errors.Is(err, session.ErrPolicyNotFound) {
		// First save under a new name creates the policy; the payload
		// must then carry the full required configuration.
		var cfg policy.Config
		if err := decodeStrict(cmd.Data, &cfg); err != nil {
			return err
		}
		_, err = sess.Create(cmd.Policy, cfg)
	}
	if err != nil {
		return err
	}
	s.broadcastPolicies(sess)
	return nil
}

func (s *Server) deletePolicy(sess *session.Session, cmd transport.Command) error {
	if err := sess.Delete(cmd.Policy); err != nil {
		return err
	}
	s.broadcastPolicies(sess)
	return nil
}

func (s *Server) replaceAllPolicies(sess *session.Session, cmd transport.Command) error {
	var docs []policyDoc
	if err := decodeStrict(cmd.Data, &docs); err != nil {
		return err
	}
	entries := make([]policyfile.Entry, len(docs))
	for i, d := range docs {
		entries[i] = policyfile.Entry{Name: d.Name, Config: d.Config}
	}
	if err := sess.ReplaceAll(entries); err != nil {
		return err
	}
	s.broadcastPolicies(sess)
	return nil
}

func (s *Server) authenticate(ctx context.Context, sess *session.Session, cmd transport.Command) error {
	var req struct {
		Secret string `json:"secret"`
	}
	if err := decodeStrict(cmd.Data, &req); err != nil {
		return err
	}
	p, err := sess.Get(cmd.Policy)
	if err != nil {
		return err
	}
	outcome, msg, err := p.Authenticate(ctx, req.Secret)
	if err != nil {
		return err
	}
	s.pushAuthOutcome(sess, p, outcome, msg)
	return nil
}

func (s *Server) provideSecondFactor(ctx context.Context, sess *session.Session, cmd transport.Command) error {
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeStrict(cmd.Data, &req); err != nil {
		return err
	}
	p, err := sess.Get(cmd.Policy)
	if err != nil {
		return err
	}
	outcome, msg, err := p.ProvideCode(ctx, req.Code)
	if err != nil {
		return err
	}
	s.pushAuthOutcome(sess, p, outcome, msg)
	return nil
}

func (s *Server) pushAuthOutcome(sess *session.Session, p *policy.Policy, outcome policy.AuthOutcome, msg string) {
	var kind string
	switch outcome {
	case policy.AuthSuccess:
		kind = "authenticated"
	case policy.AuthCodeRequired:
		kind = "mfa_required"
	default:
		kind = "authentication_failed"
	}
	ev := transport.NewEvent(kind, p.Name(), map[string]string{"message": msg})
	s.hub.SendToIdentity(sess.Identity(), ev)
	s.broadcastPolicies(sess)
}

func (s *Server) start(ctx context.Context, sess *session.Session, c *transport.Client, cmd transport.Command) error {
	p, err := sess.Get(cmd.Policy)
	if err != nil {
		return err
	}
	// The busy check and the claim happen under one lock so two
	// dispatches cannot both observe a free account.
	s.startMu.Lock()
	if occupying, busy := s.registry.AccountBusy(p.Account()); busy {
		s.startMu.Unlock()
		s.hub.Send(c.ID, transport.NewEvent("account_busy", p.Name(),
			map[string]string{"occupying": occupying}))
		return nil
	}
	err = p.Begin()
	s.startMu.Unlock()
	if err != nil {
		return err
	}
	// The run outlives the requesting connection; only the chunk stream
	// is tied to it.
	go s.execute(context.WithoutCancel(ctx), sess, p, c)
	return nil
}

func (s *Server) interrupt(sess *session.Session, cmd transport.Command) error {
	p, err := sess.Get(cmd.Policy)
	if err != nil {
		return err
	}
	p.Interrupt()
	return nil
}

func (s *Server) listAlbums(ctx context.Context, sess *session.Session, c *transport.Client, cmd transport.Command) error {
	p, err := sess.Get(cmd.Policy)
	if err != nil {
		return err
	}
	albums, err := p.ListAlbums(ctx)
	if err != nil {
		return err
	}
	s.hub.Send(c.ID, transport.ReplyEvent(cmd, albums))
	return nil
}

func (s *Server) listRuns(sess *session.Session, c *transport.Client, cmd transport.Command) error {
	var req struct {
		Limit int `json:"limit,omitempty"`
	}
	if len(cmd.Data) > 0 {
		if err := decodeStrict(cmd.Data, &req); err != nil {
			return err
		}
	}
	if _, err := sess.Get(cmd.Policy); err != nil {
		return err
	}
	runs, err := s.runs.ListByPolicy(sess.Identity(), cmd.Policy, req.Limit)
	if err != nil {
		return err
	}
	s.hub.Send(c.ID, transport.ReplyEvent(cmd, runs))
	return nil
}

// broadcastPolicies pushes the full snapshot list to every connection
// the identity holds.
func (s *Server) broadcastPolicies(sess *session.Session) {
	s.hub.SendToIdentity(sess.Identity(), transport.NewEvent("policies", "", sess.Snapshots()))
}
