package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"linkroute/internal/domain"

	"github.com/nats-io/nats.go"
)

// NATSOptions configures request/reply subjects.
// Params: subject prefix, queue group, and per-request timeout.
// Returns: responder settings.
type NATSOptions struct {
	SubjectPrefix  string
	QueueGroup     string
	RequestTimeout time.Duration
}

// NATSResponder answers resolve/remember/rules requests over core NATS.
// Params: connection, queue subscriptions, and router.
// Returns: responder lifecycle handle.
type NATSResponder struct {
	router Router
	opts   NATSOptions
	logger *slog.Logger
	subs   []*nats.Subscription
}

type rulesRequest struct {
	AccountID string `json:"account_id"`
}

type okReply struct {
	OK bool `json:"ok"`
}

// NewNATSResponder subscribes queue handlers on an existing connection.
// Params: NATS connection, router, options, and logger.
// Returns: running responder or subscribe error.
func NewNATSResponder(nc *nats.Conn, router Router, opts NATSOptions, logger *slog.Logger) (*NATSResponder, error) {
	responder := &NATSResponder{router: router, opts: opts, logger: logger}
	handlers := map[string]nats.MsgHandler{
		"resolve":  responder.handleResolve,
		"remember": responder.handleRemember,
		"rules":    responder.handleRules,
	}
	for _, name := range []string{"resolve", "remember", "rules"} {
		subject := Subject(opts.SubjectPrefix, name)
		sub, err := nc.QueueSubscribe(subject, opts.QueueGroup, handlers[name])
		if err != nil {
			_ = responder.Close()
			return nil, fmt.Errorf("queue subscribe %q/%q: %w", subject, opts.QueueGroup, err)
		}
		responder.subs = append(responder.subs, sub)
	}
	return responder, nil
}

// Subject joins prefix and operation name.
func Subject(prefix, name string) string {
	return strings.TrimSuffix(prefix, ".") + "." + name
}

func (r *NATSResponder) handleResolve(message *nats.Msg) {
	request, err := domain.DecodeLinkOpenRequest(message.Data)
	if err != nil {
		r.replyError(message, CodeBadRequest, err)
		return
	}
	ctx, cancel := r.requestContext()
	defer cancel()
	r.reply(message, r.router.Resolve(ctx, request))
}

func (r *NATSResponder) handleRemember(message *nats.Msg) {
	request, err := domain.DecodeRememberRequest(message.Data)
	if err == nil {
		ctx, cancel := r.requestContext()
		err = r.router.Remember(ctx, request)
		cancel()
	}
	if err != nil {
		_, code := classify(err)
		r.replyError(message, code, err)
		return
	}
	r.reply(message, okReply{OK: true})
}

func (r *NATSResponder) handleRules(message *nats.Msg) {
	var request rulesRequest
	if err := json.Unmarshal(message.Data, &request); err != nil {
		r.replyError(message, CodeBadRequest, fmt.Errorf("decode rules request: %w", err))
		return
	}
	accountID := strings.TrimSpace(request.AccountID)
	if accountID == "" {
		r.replyError(message, CodeBadRequest, errors.New("account_id is required"))
		return
	}
	r.reply(message, rulesView(r.router.Rules(accountID), accountID))
}

func (r *NATSResponder) requestContext() (context.Context, context.CancelFunc) {
	if r.opts.RequestTimeout > 0 {
		return context.WithTimeout(context.Background(), r.opts.RequestTimeout)
	}
	return context.WithCancel(context.Background())
}

func (r *NATSResponder) replyError(message *nats.Msg, code string, err error) {
	r.logger.Warn("nats api request failed", "subject", message.Subject, "code", code, "error", err.Error())
	r.reply(message, ErrorReply{Error: err.Error(), Code: code})
}

func (r *NATSResponder) reply(message *nats.Msg, value any) {
	if message.Reply == "" {
		return
	}
	body, err := json.Marshal(value)
	if err != nil {
		r.logger.Error("nats api encode failed", "subject", message.Subject, "error", err.Error())
		return
	}
	if err := message.Respond(body); err != nil {
		r.logger.Warn("nats api respond failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close drains subscriptions; the connection stays owned by the caller.
// Params: none.
// Returns: first drain error.
func (r *NATSResponder) Close() error {
	var firstErr error
	for _, sub := range r.subs {
		if err := sub.Drain(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.subs = nil
	return firstErr
}
