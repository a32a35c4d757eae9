package session

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/zquestz/nexus/internal/auth"
	"github.com/zquestz/nexus/internal/nexuserr"
	"github.com/zquestz/nexus/internal/permission"
	"github.com/zquestz/nexus/internal/protocol"
	"github.com/zquestz/nexus/internal/store"
)

// dispatchActive routes one recognized request while the session is
// Active (spec.md §4.2 "Recognized request families").
func (s *Session) dispatchActive(msgType string, line []byte) bool {
	switch msgType {
	case protocol.TypeChatSend:
		return s.handleChatSend(line)
	case protocol.TypeChatDirect:
		return s.handleChatDirect(line)
	case protocol.TypeBroadcast:
		return s.handleBroadcast(line)
	case protocol.TypeTopicSet:
		return s.handleTopicSet(line)
	case protocol.TypeTopicClear:
		return s.handleTopicClear()
	case protocol.TypeTopicGet:
		return s.handleTopicGet()
	case protocol.TypeUserList:
		return s.handleUserList()
	case protocol.TypeUserInfo:
		return s.handleUserInfo(line)
	case protocol.TypeUserCreate:
		return s.handleUserCreate(line)
	case protocol.TypeUserEdit:
		return s.handleUserEdit(line)
	case protocol.TypeUserDelete:
		return s.handleUserDelete(line)
	case protocol.TypeUserKick:
		return s.handleUserKick(line)
	case protocol.TypeServerUpdate:
		return s.handleServerUpdate(line)
	default:
		return s.sendError(nexuserr.New(nexuserr.KindInvalidMessageFormat, nil))
	}
}

func (s *Session) requestCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

func (s *Session) requirePermission(p permission.Permission) bool {
	if s.handle.Has(p) {
		return true
	}
	s.sendError(nexuserr.New(nexuserr.KindPermissionDenied, nexuserr.Params{"permission": string(p)}))
	return false
}

func (s *Session) requireChatEnabled() bool {
	ctx, cancel := s.requestCtx()
	defer cancel()
	enabled, err := s.cfg.Store.ChatEnabled(ctx)
	if err != nil {
		s.sendError(err)
		return false
	}
	if !enabled {
		s.sendError(nexuserr.New(nexuserr.KindChatFeatureNotEnabled, nil))
		return false
	}
	return true
}

func (s *Session) handleChatSend(line []byte) bool {
	var req protocol.ChatSendRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return s.sendError(nexuserr.New(nexuserr.KindInvalidMessageFormat, nil))
	}
	return s.chatSend(req.Text)
}

func (s *Session) chatSend(text string) bool {
	if err := protocol.ValidateMessage(text); err != nil {
		return s.sendError(err)
	}
	if !s.requirePermission(permission.ChatSend) {
		return false
	}
	if !s.requireChatEnabled() {
		return false
	}
	s.cfg.Router.ServerChat(s.handle, text, s.cfg.Clock.Now().Unix())
	return false
}

func (s *Session) handleChatDirect(line []byte) bool {
	var req protocol.ChatDirectRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return s.sendError(nexuserr.New(nexuserr.KindInvalidMessageFormat, nil))
	}
	if err := protocol.ValidateUsername(req.TargetUsername); err != nil {
		return s.sendError(err)
	}
	if err := protocol.ValidateMessage(req.Text); err != nil {
		return s.sendError(err)
	}
	if strings.EqualFold(req.TargetUsername, s.username) {
		return s.sendError(nexuserr.New(nexuserr.KindCannotActOnSelf, nil))
	}
	if !s.requirePermission(permission.UserMessage) {
		return false
	}
	if !s.requireChatEnabled() {
		return false
	}
	if err := s.cfg.Router.DirectMessage(s.handle, req.TargetUsername, req.Text, s.cfg.Clock.Now().Unix()); err != nil {
		return s.sendError(err)
	}
	return false
}

func (s *Session) handleBroadcast(line []byte) bool {
	var req protocol.BroadcastRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return s.sendError(nexuserr.New(nexuserr.KindInvalidMessageFormat, nil))
	}
	if err := protocol.ValidateMessage(req.Text); err != nil {
		return s.sendError(err)
	}
	if !s.requirePermission(permission.UserBroadcast) {
		return false
	}
	if !s.requireChatEnabled() {
		return false
	}
	s.cfg.Router.Broadcast(s.handle, req.Text, s.cfg.Clock.Now().Unix())
	return false
}

func (s *Session) handleTopicSet(line []byte) bool {
	var req protocol.TopicSetRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return s.sendError(nexuserr.New(nexuserr.KindInvalidMessageFormat, nil))
	}
	if err := protocol.ValidateTopic(req.Text); err != nil {
		return s.sendError(err)
	}
	if !s.requirePermission(permission.ChatTopicEdit) {
		return false
	}
	ctx, cancel := s.requestCtx()
	defer cancel()
	if err := s.cfg.Store.SetTopic(ctx, req.Text, s.username); err != nil {
		return s.sendError(err)
	}
	s.cfg.Router.TopicChanged(req.Text, s.username)
	s.sendOk()
	return false
}

func (s *Session) handleTopicClear() bool {
	if !s.requirePermission(permission.ChatTopicEdit) {
		return false
	}
	ctx, cancel := s.requestCtx()
	defer cancel()
	if err := s.cfg.Store.ClearTopic(ctx); err != nil {
		return s.sendError(err)
	}
	s.cfg.Router.TopicChanged("", "")
	s.sendOk()
	return false
}

func (s *Session) handleTopicGet() bool {
	if !s.requirePermission(permission.ChatTopic) {
		return false
	}
	ctx, cancel := s.requestCtx()
	defer cancel()
	topic, err := s.cfg.Store.GetTopic(ctx)
	if err != nil {
		return s.sendError(err)
	}
	frame, ferr := protocol.Encode(protocol.TopicChangedFrame{
		Type:  protocol.TypeTopicChanged,
		Topic: topic.Topic,
		SetBy: topic.SetBy,
	})
	if ferr != nil {
		s.log.WithError(ferr).Error("failed to encode topic_changed")
		return true
	}
	s.TrySend(frame)
	return false
}

func (s *Session) handleUserList() bool {
	if !s.requirePermission(permission.UserList) {
		return false
	}
	handles := s.cfg.Registry.All()
	users := make([]protocol.UserSummary, 0, len(handles))
	seen := make(map[string]bool, len(handles))
	for _, h := range handles {
		if seen[strings.ToLower(h.Username)] {
			continue
		}
		seen[strings.ToLower(h.Username)] = true
		isAdmin, _ := h.Permissions()
		users = append(users, protocol.UserSummary{Username: h.Username, IsAdmin: isAdmin})
	}
	frame, err := protocol.Encode(protocol.UserListResultFrame{Type: protocol.TypeUserListResult, Users: users})
	if err != nil {
		s.log.WithError(err).Error("failed to encode user_list_result")
		return true
	}
	s.TrySend(frame)
	return false
}

func (s *Session) handleUserInfo(line []byte) bool {
	var req protocol.UserInfoRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return s.sendError(nexuserr.New(nexuserr.KindInvalidMessageFormat, nil))
	}
	if err := protocol.ValidateUsername(req.Username); err != nil {
		return s.sendError(err)
	}
	if !s.requirePermission(permission.UserInfo) {
		return false
	}

	canonical, handles, ok := s.cfg.Registry.ByUsername(req.Username)
	if !ok {
		return s.sendError(nexuserr.New(nexuserr.KindUserNotOnline, nexuserr.Params{"username": req.Username}))
	}

	addresses := make([]string, 0, len(handles))
	var earliest = handles[0].ConnectedAt
	var features []string
	var loc string
	var isAdmin bool
	for i, h := range handles {
		addresses = append(addresses, h.PeerIP)
		if h.ConnectedAt.Before(earliest) {
			earliest = h.ConnectedAt
		}
		if i == 0 {
			features = h.ClientFeatures
			loc = h.Locale
		}
		isAdmin, _ = h.Permissions()
	}

	frame, err := protocol.Encode(protocol.UserInfoResultFrame{
		Type:             protocol.TypeUserInfoResult,
		Username:         canonical,
		IsAdmin:          isAdmin,
		Features:         features,
		Locale:           loc,
		Addresses:        addresses,
		ConnectedSeconds: int64(s.cfg.Clock.Now().Sub(earliest).Seconds()),
		SessionCount:     len(handles),
	})
	if err != nil {
		s.log.WithError(err).Error("failed to encode user_info_result")
		return true
	}
	s.TrySend(frame)
	return false
}

func (s *Session) handleUserCreate(line []byte) bool {
	var req protocol.UserCreateRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return s.sendError(nexuserr.New(nexuserr.KindInvalidMessageFormat, nil))
	}
	if err := protocol.ValidateUsername(req.Username); err != nil {
		return s.sendError(err)
	}
	if err := protocol.ValidatePassword(req.Password); err != nil {
		return s.sendError(err)
	}
	if !s.requirePermission(permission.UserCreate) {
		return false
	}
	callerIsAdmin, _ := s.handle.Permissions()
	if req.IsAdmin && !callerIsAdmin {
		return s.sendError(nexuserr.New(nexuserr.KindPermissionDenied, nexuserr.Params{"permission": "user_create(admin)"}))
	}

	perms := make([]permission.Permission, 0, len(req.Permissions))
	for _, name := range req.Permissions {
		p, err := permission.Parse(name)
		if err != nil {
			return s.sendError(nexuserr.New(nexuserr.KindUnknownPermission, nexuserr.Params{"permission": name}))
		}
		perms = append(perms, p)
	}

	hash, herr := s.hashPassword(req.Password)
	if herr != nil {
		return s.sendError(herr)
	}

	ctx, cancel := s.requestCtx()
	defer cancel()
	if _, err := s.cfg.Store.CreateUser(ctx, store.CreateUserParams{
		Username:     req.Username,
		PasswordHash: hash,
		IsAdmin:      req.IsAdmin,
		Enabled:      req.Enabled,
		Permissions:  perms,
		CreatedAt:    s.cfg.Clock.Now().Unix(),
	}); err != nil {
		return s.sendError(err)
	}
	s.sendOk()
	return false
}

func (s *Session) handleUserEdit(line []byte) bool {
	var req protocol.UserEditRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return s.sendError(nexuserr.New(nexuserr.KindInvalidMessageFormat, nil))
	}
	if err := protocol.ValidateUsername(req.Username); err != nil {
		return s.sendError(err)
	}
	if strings.EqualFold(req.Username, s.username) {
		return s.sendError(nexuserr.New(nexuserr.KindCannotActOnSelf, nil))
	}
	if !s.requirePermission(permission.UserEdit) {
		return false
	}

	params := store.EditUserParams{IsAdmin: req.IsAdmin, Enabled: req.Enabled}
	if req.Password != nil {
		if err := protocol.ValidatePassword(*req.Password); err != nil {
			return s.sendError(err)
		}
		hash, err := s.hashPassword(*req.Password)
		if err != nil {
			return s.sendError(err)
		}
		params.PasswordHash = &hash
	}
	if req.Permissions != nil {
		perms := make([]permission.Permission, 0, len(*req.Permissions))
		for _, name := range *req.Permissions {
			p, err := permission.Parse(name)
			if err != nil {
				return s.sendError(nexuserr.New(nexuserr.KindUnknownPermission, nexuserr.Params{"permission": name}))
			}
			perms = append(perms, p)
		}
		params.Permissions = &perms
	}

	ctx, cancel := s.requestCtx()
	defer cancel()
	updated, err := s.cfg.Store.EditUser(ctx, req.Username, params)
	if err != nil {
		return s.sendError(err)
	}

	newPerms, err := s.cfg.Store.GetUserPermissions(ctx, updated.ID)
	if err != nil {
		return s.sendError(err)
	}
	for _, h := range s.cfg.Registry.ByUser(updated.ID) {
		h.SetPermissions(updated.IsAdmin, newPerms)
	}
	s.cfg.Router.PermissionsUpdated(updated.ID, permissionStrings(newPerms.Slice()))
	s.sendOk()
	return false
}

func (s *Session) handleUserDelete(line []byte) bool {
	var req protocol.UserDeleteRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return s.sendError(nexuserr.New(nexuserr.KindInvalidMessageFormat, nil))
	}
	if err := protocol.ValidateUsername(req.Username); err != nil {
		return s.sendError(err)
	}
	if strings.EqualFold(req.Username, s.username) {
		return s.sendError(nexuserr.New(nexuserr.KindCannotActOnSelf, nil))
	}
	if !s.requirePermission(permission.UserDelete) {
		return false
	}
	ctx, cancel := s.requestCtx()
	defer cancel()
	if err := s.cfg.Store.DeleteUser(ctx, req.Username); err != nil {
		return s.sendError(err)
	}
	s.cfg.Router.Kick(req.Username, s.username)
	s.sendOk()
	return false
}

func (s *Session) handleUserKick(line []byte) bool {
	var req protocol.UserKickRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return s.sendError(nexuserr.New(nexuserr.KindInvalidMessageFormat, nil))
	}
	if err := protocol.ValidateUsername(req.Username); err != nil {
		return s.sendError(err)
	}
	if strings.EqualFold(req.Username, s.username) {
		return s.sendError(nexuserr.New(nexuserr.KindCannotActOnSelf, nil))
	}
	if !s.requirePermission(permission.UserKick) {
		return false
	}

	ctx, cancel := s.requestCtx()
	defer cancel()
	target, err := s.cfg.Store.GetUserByUsername(ctx, req.Username)
	if err != nil {
		return s.sendError(err)
	}
	if target.IsAdmin {
		return s.sendError(nexuserr.New(nexuserr.KindCannotKickAdmin, nil))
	}

	if !s.cfg.Router.Kick(req.Username, s.username) {
		return s.sendError(nexuserr.New(nexuserr.KindUserNotOnline, nexuserr.Params{"username": req.Username}))
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.KicksTotal.Inc()
	}
	s.sendOk()
	return false
}

func (s *Session) handleServerUpdate(line []byte) bool {
	var req protocol.ServerUpdateRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return s.sendError(nexuserr.New(nexuserr.KindInvalidMessageFormat, nil))
	}
	if isAdmin, _ := s.handle.Permissions(); !isAdmin {
		return s.sendError(nexuserr.New(nexuserr.KindPermissionDenied, nexuserr.Params{"permission": "admin"}))
	}

	ctx, cancel := s.requestCtx()
	defer cancel()

	if req.ServerName != nil {
		if err := protocol.ValidateServerName(*req.ServerName); err != nil {
			return s.sendError(err)
		}
		if err := s.cfg.Store.SetConfigString(ctx, store.ConfigKeyServerName, *req.ServerName); err != nil {
			return s.sendError(err)
		}
	}
	if req.ServerDescription != nil {
		if err := protocol.ValidateServerDescription(*req.ServerDescription); err != nil {
			return s.sendError(err)
		}
		if err := s.cfg.Store.SetConfigString(ctx, store.ConfigKeyServerDescription, *req.ServerDescription); err != nil {
			return s.sendError(err)
		}
	}
	if req.ServerImage != nil {
		if _, err := protocol.ParseAndValidateServerImage(*req.ServerImage); err != nil {
			return s.sendError(err)
		}
		if err := s.cfg.Store.SetConfigString(ctx, store.ConfigKeyServerImage, *req.ServerImage); err != nil {
			return s.sendError(err)
		}
	}
	if req.MaxConnectionsPerIP != nil {
		if err := s.cfg.Store.SetConfigInt(ctx, store.ConfigKeyMaxConnectionsPerIP, *req.MaxConnectionsPerIP); err != nil {
			return s.sendError(err)
		}
	}
	if req.ChatEnabled != nil {
		if err := s.cfg.Store.SetConfigBool(ctx, store.ConfigKeyChatEnabled, *req.ChatEnabled); err != nil {
			return s.sendError(err)
		}
	}
	s.sendOk()
	return false
}

func (s *Session) hashPassword(password string) (string, error) {
	return auth.Hash(password, s.cfg.AuthParams)
}
