// Package router implements the Message Router (spec.md §4.5): it fans
// events out to interested Active sessions over their bounded outbound
// queues without ever blocking the sender on a slow receiver.
package router

import (
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/zquestz/nexus/internal/metrics"
	"github.com/zquestz/nexus/internal/nexuserr"
	"github.com/zquestz/nexus/internal/permission"
	"github.com/zquestz/nexus/internal/presence"
	"github.com/zquestz/nexus/internal/protocol"
)

// Router fans events out to the Presence Registry's Active sessions.
type Router struct {
	registry *presence.Registry
	metrics  *metrics.Metrics
	clock    clockwork.Clock
	log      *logrus.Entry

	done chan struct{}
}

// New constructs a Router and starts its background loop draining
// presence transition events (UserConnected/UserDisconnected).
func New(registry *presence.Registry, m *metrics.Metrics, clock clockwork.Clock, log *logrus.Entry) *Router {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	r := &Router{
		registry: registry,
		metrics:  m,
		clock:    clock,
		log:      log.WithField(trace.Component, "router"),
		done:     make(chan struct{}),
	}
	go r.drainPresenceEvents()
	return r
}

// Stop halts the background presence-event loop. It does not touch any
// registered session; draining sessions on shutdown is the Listener's
// responsibility (spec.md §5).
func (r *Router) Stop() {
	close(r.done)
}

func (r *Router) drainPresenceEvents() {
	for {
		select {
		case ev, ok := <-r.registry.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case presence.EventUserConnected:
				// The connecting user's own sessions learn of the login
				// from LoginOk, so they are not sent their own event.
				frame := r.encode(protocol.UserConnectedFrame{Type: protocol.TypeUserConnected, Username: ev.Username})
				for _, h := range r.registry.All() {
					if !strings.EqualFold(h.Username, ev.Username) {
						r.send(h, frame)
					}
				}
			case presence.EventUserDisconnected:
				r.deliverAll(protocol.UserDisconnectedFrame{Type: protocol.TypeUserDisconnected, Username: ev.Username})
			}
		case <-r.done:
			return
		}
	}
}

// encode marshals v to a newline-delimited frame, logging (never
// panicking) on failure since every frame type here is a concrete
// struct known to marshal cleanly.
func (r *Router) encode(v any) []byte {
	b, err := protocol.Encode(v)
	if err != nil {
		r.log.WithError(err).Error("failed to encode outbound frame")
		return nil
	}
	return b
}

// send delivers an already-encoded frame to h, applying backpressure: if
// h's outbound queue is full, h is unregistered and closed, and other
// recipients are unaffected (spec.md §4.5).
func (r *Router) send(h *presence.Handle, frame []byte) {
	if frame == nil {
		return
	}
	if h.Sink.TrySend(frame) {
		if r.metrics != nil {
			r.metrics.ChatRoutedTotal.Inc()
		}
		return
	}
	r.log.WithFields(logrus.Fields{
		"session_id": h.SessionID,
		"username":   h.Username,
	}).Warn("outbound queue full, closing session")
	if r.metrics != nil {
		r.metrics.QueueDroppedTotal.Inc()
	}
	r.registry.Unregister(h.SessionID)
	h.Sink.Close()
}

func (r *Router) deliverAll(v any) {
	frame := r.encode(v)
	for _, h := range r.registry.All() {
		r.send(h, frame)
	}
}

// ServerChat delivers a channel chat message from `from` to every Active
// session holding chat_receive, including the sender.
func (r *Router) ServerChat(from *presence.Handle, text string, timestamp int64) {
	frame := r.encode(protocol.ChatMessageFrame{
		Type:      protocol.TypeChatMessage,
		From:      from.Username,
		Text:      text,
		Timestamp: timestamp,
	})
	for _, h := range r.registry.All() {
		if h.Has(permission.ChatReceive) {
			r.send(h, frame)
		}
	}
}

// DirectMessage delivers a private message to every session of the
// target user that holds user_message, and echoes it back to the
// sender. It returns KindUserNotOnline if no eligible recipient exists.
func (r *Router) DirectMessage(from *presence.Handle, targetUsername, text string, timestamp int64) error {
	canonical, sessions, ok := r.registry.ByUsername(targetUsername)
	if !ok {
		return nexuserr.New(nexuserr.KindUserNotOnline, nexuserr.Params{"username": targetUsername})
	}

	eligible := make([]*presence.Handle, 0, len(sessions))
	for _, h := range sessions {
		if h.Has(permission.UserMessage) {
			eligible = append(eligible, h)
		}
	}
	if len(eligible) == 0 {
		return nexuserr.New(nexuserr.KindUserNotOnline, nexuserr.Params{"username": targetUsername})
	}

	frame := r.encode(protocol.DirectMessageFrame{
		Type:      protocol.TypeDirectMessage,
		From:      from.Username,
		To:        canonical,
		Text:      text,
		Timestamp: timestamp,
	})
	for _, h := range eligible {
		r.send(h, frame)
	}
	if !strings.EqualFold(canonical, from.Username) {
		r.send(from, frame)
	}
	return nil
}

// Broadcast delivers an administrative broadcast to every Active
// session regardless of permissions.
func (r *Router) Broadcast(from *presence.Handle, text string, timestamp int64) {
	frame := r.encode(protocol.BroadcastMessageFrame{
		Type:      protocol.TypeBroadcastMessage,
		From:      from.Username,
		Text:      text,
		Timestamp: timestamp,
	})
	for _, h := range r.registry.All() {
		r.send(h, frame)
	}
}

// TopicChanged delivers an updated topic to every session holding
// chat_topic.
func (r *Router) TopicChanged(topic, setBy string) {
	frame := r.encode(protocol.TopicChangedFrame{
		Type:  protocol.TypeTopicChanged,
		Topic: topic,
		SetBy: setBy,
	})
	for _, h := range r.registry.All() {
		if h.Has(permission.ChatTopic) {
			r.send(h, frame)
		}
	}
}

// PermissionsUpdated pushes a refreshed permission list to every session
// of the edited user.
func (r *Router) PermissionsUpdated(userID int64, perms []string) {
	frame := r.encode(protocol.PermissionsUpdatedFrame{
		Type:        protocol.TypePermissionsUpdated,
		Permissions: perms,
	})
	for _, h := range r.registry.ByUser(userID) {
		r.send(h, frame)
	}
}

// Shutdown broadcasts a synthetic Disconnected frame to every Active
// session and closes each of them, per spec.md §5 "Server shutdown".
// Sends are best-effort: a full outbound queue is treated the same as
// any other backpressure case (the session is dropped, not blocked on).
func (r *Router) Shutdown(reason string) {
	frame := r.encode(protocol.DisconnectedFrame{Type: protocol.TypeDisconnected, Reason: reason})
	for _, h := range r.registry.All() {
		if frame != nil {
			h.Sink.TrySend(frame)
		}
		r.registry.Unregister(h.SessionID)
		h.Sink.Close()
	}
}

// Kick pushes a Kicked frame to every session of username and closes
// them. It returns false if the user had no Active session.
func (r *Router) Kick(username, by string) bool {
	_, sessions, ok := r.registry.ByUsername(username)
	if !ok {
		return false
	}
	frame := r.encode(protocol.KickedFrame{Type: protocol.TypeKicked, By: by})
	for _, h := range sessions {
		h.Sink.TrySend(frame)
		r.registry.Unregister(h.SessionID)
		h.Sink.Close()
	}
	return true
}
