// Package permission defines the closed set of permission names
// recognized by Nexus (spec.md §3) as a sum type, not free strings, per
// the design note in spec.md §9.
package permission

import "github.com/gravitational/trace"

// Permission is one member of the closed enumeration of permission names.
type Permission string

const (
	UserList       Permission = "user_list"
	UserInfo       Permission = "user_info"
	ChatSend       Permission = "chat_send"
	ChatReceive    Permission = "chat_receive"
	ChatTopic      Permission = "chat_topic"
	ChatTopicEdit  Permission = "chat_topic_edit"
	UserBroadcast  Permission = "user_broadcast"
	UserCreate     Permission = "user_create"
	UserDelete     Permission = "user_delete"
	UserEdit       Permission = "user_edit"
	UserKick       Permission = "user_kick"
	UserMessage    Permission = "user_message"
)

// All enumerates every recognized permission, in the order spec.md §3
// lists them.
var All = []Permission{
	UserList, UserInfo, ChatSend, ChatReceive, ChatTopic, ChatTopicEdit,
	UserBroadcast, UserCreate, UserDelete, UserEdit, UserKick, UserMessage,
}

var known = func() map[Permission]bool {
	m := make(map[Permission]bool, len(All))
	for _, p := range All {
		m[p] = true
	}
	return m
}()

// Valid reports whether name is a member of the closed permission set.
func Valid(name string) bool {
	return known[Permission(name)]
}

// Parse validates name against the closed set, returning
// trace.BadParameter for unknown names. Callers on the wire path
// translate that into the unknown-permission error kind.
func Parse(name string) (Permission, error) {
	p := Permission(name)
	if !known[p] {
		return "", trace.BadParameter("unknown permission %q", name)
	}
	return p, nil
}

// Set is an immutable-enough helper over a permission collection, used by
// the Presence/Session layers to check membership without re-querying the
// store on every evaluation within a single request (spec.md §4.2:
// "permission changes take effect on the next request").
type Set map[Permission]bool

// NewSet builds a Set from a slice of permission names already validated
// against the closed set (e.g. rows read back from the store).
func NewSet(perms []Permission) Set {
	s := make(Set, len(perms))
	for _, p := range perms {
		s[p] = true
	}
	return s
}

// Has reports whether the set contains p.
func (s Set) Has(p Permission) bool {
	return s[p]
}

// Slice returns the permissions in s in the canonical All order, for
// stable serialization (e.g. in LoginOk).
func (s Set) Slice() []Permission {
	out := make([]Permission, 0, len(s))
	for _, p := range All {
		if s[p] {
			out = append(out, p)
		}
	}
	return out
}
