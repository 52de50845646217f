// Package session provides session management functionality.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	cmdpkg "github.com/loomcode/loom/internal/command"
	"github.com/loomcode/loom/internal/logging"
	"github.com/loomcode/loom/internal/permission"
	"github.com/loomcode/loom/internal/provider"
	"github.com/loomcode/loom/internal/storage"
	"github.com/loomcode/loom/internal/tool"
	"github.com/loomcode/loom/pkg/types"
)

// Service manages session operations.
type Service struct {
	storage     *storage.Storage
	permChecker *permission.Checker

	// Active session processing
	mu       sync.RWMutex
	active   map[string]*ActiveSession
	abortChs map[string]chan struct{}

	// Processor for agentic loop
	processor *Processor
}

// ActiveSession tracks an active processing session.
type ActiveSession struct {
	SessionID string
	AbortCh   chan struct{}
	StartTime time.Time
}

// NewService creates a new session service.
func NewService(store *storage.Storage) *Service {
	return &Service{
		storage:  store,
		active:   make(map[string]*ActiveSession),
		abortChs: make(map[string]chan struct{}),
	}
}

// NewServiceWithProcessor creates a new session service with processor dependencies.
func NewServiceWithProcessor(
	store *storage.Storage,
	providerReg *provider.Registry,
	toolReg *tool.Registry,
	permChecker *permission.Checker,
	defaultProviderID string,
	defaultModelID string,
) *Service {
	s := &Service{
		storage:     store,
		permChecker: permChecker,
		active:      make(map[string]*ActiveSession),
		abortChs:    make(map[string]chan struct{}),
	}
	s.processor = NewProcessor(providerReg, toolReg, store, permChecker, defaultProviderID, defaultModelID)
	return s
}

// GetProcessor returns the session processor.
func (s *Service) GetProcessor() *Processor {
	return s.processor
}

// Create creates a new session.
func (s *Service) Create(ctx context.Context, directory string, title string) (*types.Session, error) {
	now := time.Now().UnixMilli()
	projectID := hashDirectory(directory)

	// Use default title if not provided
	if title == "" {
		title = "New Session"
	}

	session := &types.Session{
		ID:        generateID(),
		ProjectID: projectID,
		Directory: directory,
		Title:     title,
		Version:   "1",
		Status:    types.SessionStatusActive,
		Summary: types.SessionSummary{
			Additions: 0,
			Deletions: 0,
			Files:     0,
		},
		Time: types.SessionTime{
			Created: now,
			Updated: now,
		},
	}

	if err := s.storage.Put(ctx, []string{"session", projectID, session.ID}, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// Get retrieves a session by ID.
func (s *Service) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	// Try to find in any project
	projects, err := s.storage.List(ctx, []string{"session"})
	if err != nil {
		return nil, err
	}

	for _, projectID := range projects {
		var session types.Session
		if err := s.storage.Get(ctx, []string{"session", projectID, sessionID}, &session); err == nil {
			return &session, nil
		}
	}

	return nil, storage.ErrNotFound
}

// Update updates a session with the given updates.
func (s *Service) Update(ctx context.Context, sessionID string, updates map[string]any) (*types.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Apply updates
	if title, ok := updates["title"].(string); ok {
		session.Title = title
	}

	session.Time.Updated = time.Now().UnixMilli()

	if err := s.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session); err != nil {
		return nil, err
	}

	return session, nil
}

// Delete deletes a session.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	// Delete session file
	if err := s.storage.Delete(ctx, []string{"session", session.ProjectID, sessionID}); err != nil {
		return err
	}

	// Delete associated messages
	messages, _ := s.GetMessages(ctx, sessionID)
	for _, msg := range messages {
		s.storage.Delete(ctx, []string{"message", sessionID, msg.ID})
	}

	return nil
}

// List lists sessions for a directory.
// If directory is empty, lists all sessions across all projects.
func (s *Service) List(ctx context.Context, directory string) ([]*types.Session, error) {
	var sessions []*types.Session

	if directory == "" {
		// List ALL sessions across all projects
		projects, err := s.storage.List(ctx, []string{"session"})
		if err != nil {
			return nil, err
		}

		for _, projectID := range projects {
			err := s.storage.Scan(ctx, []string{"session", projectID}, func(key string, data json.RawMessage) error {
				var session types.Session
				if err := json.Unmarshal(data, &session); err != nil {
					return err
				}
				sessions = append(sessions, &session)
				return nil
			})
			if err != nil {
				return nil, err
			}
		}

		return sessions, nil
	}

	// List sessions for a specific directory/project
	projectID := hashDirectory(directory)
	err := s.storage.Scan(ctx, []string{"session", projectID}, func(key string, data json.RawMessage) error {
		var session types.Session
		if err := json.Unmarshal(data, &session); err != nil {
			return err
		}
		sessions = append(sessions, &session)
		return nil
	})

	return sessions, err
}

// GetChildren returns child sessions (forks).
func (s *Service) GetChildren(ctx context.Context, sessionID string) ([]*types.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	all, err := s.List(ctx, session.Directory)
	if err != nil {
		return nil, err
	}

	var children []*types.Session
	for _, sess := range all {
		if sess.ParentID != nil && *sess.ParentID == sessionID {
			children = append(children, sess)
		}
	}

	return children, nil
}

// Fork creates a fork of a session at a specific message.
func (s *Service) Fork(ctx context.Context, sessionID, messageID string) (*types.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Create new session with fork title
	newSession, err := s.Create(ctx, session.Directory, session.Title+" (fork)")
	if err != nil {
		return nil, err
	}

	// Set parent
	newSession.ParentID = &sessionID

	// Copy messages up to the fork point
	messages, err := s.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	for _, msg := range messages {
		// Copy message
		newMsg := *msg
		newMsg.SessionID = newSession.ID
		s.AddMessage(ctx, newSession.ID, &newMsg)

		if msg.ID == messageID {
			break
		}
	}

	// Save updated session
	if err := s.storage.Put(ctx, []string{"session", newSession.ProjectID, newSession.ID}, newSession); err != nil {
		return nil, err
	}

	return newSession, nil
}

// Abort aborts an active session's in-flight agent turn, if any.
func (s *Service) Abort(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	if ch, ok := s.abortChs[sessionID]; ok {
		close(ch)
		delete(s.abortChs, sessionID)
	}
	s.mu.Unlock()

	if s.processor != nil {
		return s.processor.Abort(sessionID)
	}
	return nil
}

// accumulateUsage folds an assistant message's token/cost usage into the
// session's cumulative totals and persists the session.
func (s *Service) accumulateUsage(ctx context.Context, session *types.Session, msg *types.Message) {
	if msg.Tokens == nil && msg.Cost == 0 {
		return
	}
	if msg.Tokens != nil {
		session.Usage.Tokens.Input += msg.Tokens.Input
		session.Usage.Tokens.Output += msg.Tokens.Output
		session.Usage.Tokens.Reasoning += msg.Tokens.Reasoning
		session.Usage.Tokens.Cache.Read += msg.Tokens.Cache.Read
		session.Usage.Tokens.Cache.Write += msg.Tokens.Cache.Write
	}
	session.Usage.Cost += msg.Cost
	session.Time.Updated = time.Now().UnixMilli()
	if err := s.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session); err != nil {
		logging.Logger.Warn().Err(err).Str("sessionID", session.ID).Msg("session: failed to persist usage accumulation")
	}
}

// IsActive reports whether a session currently has an agent turn in flight.
func (s *Service) IsActive(sessionID string) bool {
	if s.processor != nil {
		return s.processor.IsProcessing(sessionID)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.active[sessionID]
	return ok
}

// Share shares a session and returns a share URL.
func (s *Service) Share(ctx context.Context, sessionID string) (string, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}

	// Generate a share URL (placeholder)
	shareURL := fmt.Sprintf("https://loom.ai/share/%s", sessionID)

	session.Share = &types.SessionShare{URL: shareURL}
	session.Time.Updated = time.Now().UnixMilli()

	if err := s.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session); err != nil {
		return "", err
	}

	return shareURL, nil
}

// Unshare removes sharing from a session.
func (s *Service) Unshare(ctx context.Context, sessionID string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	session.Share = nil
	session.Time.Updated = time.Now().UnixMilli()

	return s.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session)
}

// Summarize generates a summary of the session.
func (s *Service) Summarize(ctx context.Context, sessionID string) (*types.SessionSummary, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return &session.Summary, nil
}

// GetDiffs returns diffs for a session.
func (s *Service) GetDiffs(ctx context.Context, sessionID string) ([]types.FileDiff, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return session.Summary.Diffs, nil
}

// GetTodos returns todos for a session.
func (s *Service) GetTodos(ctx context.Context, sessionID string) ([]types.TodoInfo, error) {
	return GetTodos(ctx, s.storage, sessionID)
}

// Revert reverts a session to a specific message (and, if partID is given, a
// part within that message), truncating everything recorded after that
// point. Messages after messageID are pruned outright via PruneMessages;
// parts of the revert-point message recorded after partID are deleted
// individually, since they share the kept message but fall after the finer
// revert boundary within it.
func (s *Service) Revert(ctx context.Context, sessionID, messageID string, partID *string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	messages, err := s.GetMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load messages for revert: %w", err)
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].ID < messages[j].ID })

	var keepIDs []string
	found := false
	for _, msg := range messages {
		keepIDs = append(keepIDs, msg.ID)
		if msg.ID == messageID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("message not found: %s", messageID)
	}

	if err := s.storage.PruneMessages(ctx, sessionID, keepIDs); err != nil {
		return fmt.Errorf("failed to prune reverted messages: %w", err)
	}

	if partID != nil {
		if parts, err := s.GetParts(ctx, messageID); err == nil {
			for _, part := range parts {
				if part.PartID() > *partID {
					if err := s.storage.Delete(ctx, []string{"part", messageID, part.PartID()}); err != nil {
						logging.Logger.Warn().Err(err).Str("partID", part.PartID()).Msg("session: failed to prune part on revert")
					}
				}
			}
		}
	}

	session.Revert = &types.SessionRevert{
		MessageID: messageID,
		PartID:    partID,
	}
	session.Time.Updated = time.Now().UnixMilli()

	return s.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session)
}

// Unrevert removes the revert state from a session.
func (s *Service) Unrevert(ctx context.Context, sessionID string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	session.Revert = nil
	session.Time.Updated = time.Now().UnixMilli()

	return s.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session)
}

// ExecuteCommand expands a slash command against its template (name plus
// any trailing argument text) and returns the resulting prompt. It does not
// itself submit the prompt to the agent loop; the caller (UI/API client)
// sends the expanded text back as a normal user message.
func (s *Service) ExecuteCommand(ctx context.Context, sessionID, command string) (map[string]any, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	name, args, _ := strings.Cut(strings.TrimPrefix(strings.TrimSpace(command), "/"), " ")
	exec := cmdpkg.NewExecutor(sess.Directory, nil)
	result, err := exec.Execute(ctx, name, args)
	if err != nil {
		return nil, fmt.Errorf("command %q: %w", name, err)
	}

	return map[string]any{
		"command": name,
		"prompt":  result.Prompt,
		"agent":   result.Agent,
		"model":   result.Model,
		"subtask": result.Subtask,
	}, nil
}

// RunShell runs a one-off shell command rooted at the session's working
// directory, outside of the agentic tool-call loop (used by the UI's
// inline shell panel rather than the bash tool).
func (s *Service) RunShell(ctx context.Context, sessionID, command string, timeout int) (map[string]any, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	bash := tool.NewBashTool(sess.Directory)
	input, err := json.Marshal(tool.BashInput{
		Command: command,
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}

	result, err := bash.Execute(ctx, input, &tool.Context{
		SessionID: sessionID,
		WorkDir:   sess.Directory,
	})
	if err != nil {
		return map[string]any{"output": "", "error": err.Error()}, nil
	}

	return map[string]any{
		"output": result.Output,
		"title":  result.Title,
	}, nil
}

// RespondPermission responds to a permission request raised during an
// active turn for sessionID. granted maps to the checker's "once" action;
// a denial maps to "reject". Permanent approval ("always") is requested
// by the UI through the ruleset directly, not through this endpoint.
func (s *Service) RespondPermission(ctx context.Context, sessionID, permissionID string, granted bool) error {
	if s.permChecker == nil {
		return fmt.Errorf("permission checker not configured")
	}
	action := "reject"
	if granted {
		action = "once"
	}
	s.permChecker.Respond(permissionID, action)
	return nil
}

// RespondQuestion delivers answers for a pending question tool call raised
// during an active turn. answers must be in the same order as the
// question.asked event's Questions list.
func (s *Service) RespondQuestion(ctx context.Context, questionID string, answers []string) error {
	s.processor.QuestionAsker().Respond(questionID, answers)
	return nil
}

// Compact requests an explicit compaction of a session's conversation: a
// user message carrying a compaction marker is appended and the processor
// summarizes everything before it into a single summary message, pruning the
// originals. Distinct from the automatic compaction the loop triggers on
// context overflow, which needs no marker message.
func (s *Service) Compact(ctx context.Context, sessionID string) error {
	if s.processor == nil {
		return fmt.Errorf("processor not configured")
	}

	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	msg := &types.Message{
		ID:        generateID(),
		SessionID: sessionID,
		Role:      "user",
		Path: &types.MessagePath{
			Cwd:  session.Directory,
			Root: session.Directory,
		},
		Time: types.MessageTime{Created: now},
	}
	if err := s.AddMessage(ctx, sessionID, msg); err != nil {
		return err
	}

	part := &types.CompactionPart{
		ID:        generateID(),
		SessionID: sessionID,
		MessageID: msg.ID,
		Type:      "compaction",
	}
	if err := s.SavePart(ctx, msg.ID, part); err != nil {
		return err
	}

	return s.processor.Process(ctx, sessionID, DefaultAgent(), func(*types.Message, []types.Part) {})
}

// AddMessage adds a message to a session.
func (s *Service) AddMessage(ctx context.Context, sessionID string, msg *types.Message) error {
	return s.storage.Put(ctx, []string{"message", sessionID, msg.ID}, msg)
}

// GetMessages returns all messages for a session. Rows that fail to decode
// are skipped with a warning so one corrupt row never fails the whole load.
func (s *Service) GetMessages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	var messages []*types.Message
	err := s.storage.Scan(ctx, []string{"message", sessionID}, func(key string, data json.RawMessage) error {
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Logger.Warn().Err(err).Str("sessionID", sessionID).Str("messageID", key).
				Msg("session: skipping undecodable message")
			return nil
		}
		messages = append(messages, &msg)
		return nil
	})
	return messages, err
}

// SavePart persists a single part under its owning message.
func (s *Service) SavePart(ctx context.Context, messageID string, part types.Part) error {
	return s.storage.Put(ctx, []string{"part", messageID, part.PartID()}, part)
}

// GetParts returns all parts for a message, tolerating undecodable rows the
// same way GetMessages does.
func (s *Service) GetParts(ctx context.Context, messageID string) ([]types.Part, error) {
	var parts []types.Part
	err := s.storage.Scan(ctx, []string{"part", messageID}, func(key string, data json.RawMessage) error {
		part, err := types.UnmarshalPart(data)
		if err != nil {
			logging.Logger.Warn().Err(err).Str("messageID", messageID).Str("partID", key).
				Msg("session: skipping undecodable part")
			return nil
		}
		parts = append(parts, part)
		return nil
	})
	return parts, err
}

// ProcessMessage processes a user message and generates an assistant response.
// This is the main agentic loop.
func (s *Service) ProcessMessage(
	ctx context.Context,
	session *types.Session,
	content string,
	model *types.ModelRef,
	onUpdate func(msg *types.Message, parts []types.Part),
) (*types.Message, []types.Part, error) {
	// First, save the user message
	userMsg := &types.Message{
		ID:        generateID(),
		SessionID: session.ID,
		Role:      "user",
		Time: types.MessageTime{
			Created: time.Now().UnixMilli(),
		},
	}
	if model != nil {
		userMsg.Model = model
	}

	if err := s.AddMessage(ctx, session.ID, userMsg); err != nil {
		return nil, nil, err
	}

	// Save user's text content as a part
	userPart := &types.TextPart{
		ID:   generateID(),
		Type: "text",
		Text: content,
	}
	if err := s.storage.Put(ctx, []string{"part", userMsg.ID, userPart.ID}, userPart); err != nil {
		return nil, nil, err
	}

	// Use processor if available
	if s.processor != nil {
		var finalMsg *types.Message
		var finalParts []types.Part

		err := s.processor.Process(ctx, session.ID, DefaultAgent(), func(msg *types.Message, parts []types.Part) {
			finalMsg = msg
			finalParts = parts
			if onUpdate != nil {
				onUpdate(msg, parts)
			}
		})

		if finalMsg != nil {
			s.accumulateUsage(ctx, session, finalMsg)
		}

		if err != nil {
			return finalMsg, finalParts, err
		}

		return finalMsg, finalParts, nil
	}

	// Fallback: Create placeholder assistant message if no processor
	assistantMsg := &types.Message{
		ID:        generateID(),
		SessionID: session.ID,
		Role:      "assistant",
		Time: types.MessageTime{
			Created: time.Now().UnixMilli(),
		},
	}

	if model != nil {
		assistantMsg.ProviderID = model.ProviderID
		assistantMsg.ModelID = model.ModelID
	}

	parts := []types.Part{
		&types.TextPart{
			ID:   generateID(),
			Type: "text",
			Text: "Processor not initialized. Please configure providers.",
		},
	}

	// Save message
	if err := s.AddMessage(ctx, session.ID, assistantMsg); err != nil {
		return nil, nil, err
	}

	// Notify of update
	if onUpdate != nil {
		onUpdate(assistantMsg, parts)
	}

	return assistantMsg, parts, nil
}

// generateID generates a new ULID.
func generateID() string {
	return ulid.Make().String()
}

// hashDirectory creates a project ID from a directory path.
func hashDirectory(directory string) string {
	h := sha256.New()
	h.Write([]byte(directory))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
