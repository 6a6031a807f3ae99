package atlas

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// VersionResult is the outcome of a version operation: the new branch chat
// and, when the operation regenerates an answer, the message to stream.
type VersionResult struct {
	VersionChatID   string   `json:"version_chat_id"`
	MessagesCopied  int      `json:"messages_copied"`
	NeedsStreaming  bool     `json:"needs_streaming"`
	StreamMessage   string   `json:"stream_message,omitempty"`
	AttachedFileIDs []string `json:"attached_file_ids,omitempty"`
	// TargetMessageID is the id of the already-persisted user message a
	// regeneration should stream against, when one exists in the branch.
	TargetMessageID string `json:"target_message_id,omitempty"`
}

// VersionerOption configures a Versioner.
type VersionerOption func(*Versioner)

// WithVersionerLogger sets the versioner's logger.
func WithVersionerLogger(l *slog.Logger) VersionerOption {
	return func(v *Versioner) {
		if l != nil {
			v.logger = l
		}
	}
}

// Versioner maintains the branch tree produced by edit, retry, and delete
// operations on past messages, and the per-position version lineage.
type Versioner struct {
	store  Store
	logger *slog.Logger

	mu sync.Mutex
	// mains caches the ancestor walk from a chat to its family root.
	mains map[string]string
}

func NewVersioner(store Store, opts ...VersionerOption) *Versioner {
	v := &Versioner{
		store:  store,
		logger: nopLogger,
		mains:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// FindMainChat walks the belongsto chain to the root main chat of a
// version family. Results are cached; branches never reparent.
func (v *Versioner) FindMainChat(ctx context.Context, chatID string) (string, error) {
	v.mu.Lock()
	if root, ok := v.mains[chatID]; ok {
		v.mu.Unlock()
		return root, nil
	}
	v.mu.Unlock()

	cur := chatID
	for {
		chat, err := v.store.GetChat(ctx, cur)
		if err != nil {
			return "", err
		}
		if !chat.IsVersion || chat.BelongsTo == "" {
			break
		}
		cur = chat.BelongsTo
	}

	v.mu.Lock()
	v.mains[chatID] = cur
	v.mu.Unlock()
	return cur, nil
}

// ApplyOperation creates a branch chat for an edit, retry, or delete of the
// given message and records lineage for the affected position.
//
// Copy semantics, with p the 1-based position of the target message:
//   - edit of a user message copies positions 1..p-1 and appends the edited
//     message; the caller then streams a regeneration in the branch.
//   - edit of an assistant message copies the whole transcript with that
//     slot's content replaced; nothing streams.
//   - retry retries the nearest user message at or before p: positions
//     1..q-1 are copied and the streaming path re-saves the user message.
//   - delete copies positions 1..p-1; nothing streams.
func (v *Versioner) ApplyOperation(ctx context.Context, chatID, messageID string, op VersionOp, newContent string) (*VersionResult, error) {
	if op != OpEdit && op != OpRetry && op != OpDelete {
		return nil, fmt.Errorf("versioning: unsupported operation %q", op)
	}

	source, err := v.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	history, err := v.store.GetChatHistory(ctx, chatID)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i, m := range history {
		if m.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, &ErrNotFound{Kind: "message", ID: messageID}
	}
	target := history[idx]

	if op == OpRetry && target.Role != "user" {
		// Retry of an assistant message retries the user message before it.
		for i := idx - 1; i >= 0; i-- {
			if history[i].Role == "user" {
				idx, target = i, history[i]
				break
			}
		}
		if target.Role != "user" {
			return nil, fmt.Errorf("versioning: no user message precedes %s", messageID)
		}
	}

	name, err := v.branchName(ctx, chatID, op)
	if err != nil {
		return nil, err
	}
	versionChatID := NewID()
	if err := v.store.CreateVersionChat(ctx, versionChatID, name, source.SystemPrompt, chatID); err != nil {
		return nil, err
	}

	res := &VersionResult{VersionChatID: versionChatID}

	switch {
	case op == OpEdit && target.Role == "user":
		if err := v.copyMessages(ctx, versionChatID, history[:idx]); err != nil {
			return nil, err
		}
		edited := target
		edited.Content = newContent
		editedID, err := v.copyMessage(ctx, versionChatID, edited)
		if err != nil {
			return nil, err
		}
		res.MessagesCopied = idx + 1
		res.NeedsStreaming = true
		res.StreamMessage = newContent
		res.AttachedFileIDs = target.AttachedFileIDs
		res.TargetMessageID = editedID

	case op == OpEdit:
		// Assistant edit: full copy with the slot replaced.
		for i, m := range history {
			if i == idx {
				m.Content = newContent
				m.Thoughts = ""
			}
			if _, err := v.copyMessage(ctx, versionChatID, m); err != nil {
				return nil, err
			}
		}
		res.MessagesCopied = len(history)

	case op == OpRetry:
		if err := v.copyMessages(ctx, versionChatID, history[:idx]); err != nil {
			return nil, err
		}
		res.MessagesCopied = idx
		res.NeedsStreaming = true
		res.StreamMessage = target.Content
		res.AttachedFileIDs = target.AttachedFileIDs

	case op == OpDelete:
		if err := v.copyMessages(ctx, versionChatID, history[:idx]); err != nil {
			return nil, err
		}
		res.MessagesCopied = idx
	}

	if err := v.recordVersion(ctx, chatID, versionChatID, target, op, newContent); err != nil {
		// Lineage is reconstructible from the tree; don't fail the branch.
		v.logger.Error("record lineage", "chat_id", chatID, "message_id", messageID, "error", err)
	}
	return res, nil
}

// branchName yields "{op}_{n+1}" where n counts existing children of the
// source created by the same operation.
func (v *Versioner) branchName(ctx context.Context, chatID string, op VersionOp) (string, error) {
	children, err := v.store.ListChildChats(ctx, chatID)
	if err != nil {
		return "", err
	}
	n := 0
	for _, c := range children {
		if strings.HasPrefix(c.Name, string(op)+"_") {
			n++
		}
	}
	return fmt.Sprintf("%s_%d", op, n+1), nil
}

func (v *Versioner) copyMessages(ctx context.Context, chatID string, msgs []Message) error {
	for _, m := range msgs {
		if _, err := v.copyMessage(ctx, chatID, m); err != nil {
			return err
		}
	}
	return nil
}

func (v *Versioner) copyMessage(ctx context.Context, chatID string, m Message) (string, error) {
	return v.store.SaveMessage(ctx, SaveMessageParams{
		ChatID:          chatID,
		Role:            m.Role,
		Content:         m.Content,
		Thoughts:        m.Thoughts,
		Provider:        m.Provider,
		Model:           m.Model,
		AttachedFileIDs: m.AttachedFileIDs,
		RouterEnabled:   m.RouterEnabled,
		RouterDecision:  m.RouterDecision,
	})
}

// recordVersion appends lineage rows for the operated position. The
// original_message_id is always scoped to the root main chat so versions
// from every branch of the family share one list.
func (v *Versioner) recordVersion(ctx context.Context, sourceChatID, versionChatID string, target Message, op VersionOp, newContent string) error {
	root, err := v.FindMainChat(ctx, sourceChatID)
	if err != nil {
		return err
	}
	origID := MessageID(root, target.Position)

	existing, err := v.store.GetLineageVersions(ctx, origID)
	if err != nil {
		return err
	}
	next := len(existing) + 1
	if next == 1 {
		// Version 1 is always the original content, in the source chat.
		if err := v.store.RecordLineage(ctx, target.ID, MessageVersion{
			OriginalMessageID: origID,
			VersionNumber:     1,
			ChatVersionID:     sourceChatID,
			Operation:         OpOriginal,
			Content:           target.Content,
			CreatedAt:         NowUnix(),
		}); err != nil {
			return err
		}
		next = 2
	}

	content := newContent
	if op == OpRetry {
		content = target.Content
	}
	return v.store.RecordLineage(ctx, MessageID(versionChatID, target.Position), MessageVersion{
		OriginalMessageID: origID,
		VersionNumber:     next,
		ChatVersionID:     versionChatID,
		Operation:         op,
		Content:           content,
		CreatedAt:         NowUnix(),
	})
}

// GetMessageVersions returns the version list for the position of
// messageID within its branch family. Recorded lineage is preferred; when
// absent the list is synthesized by walking the tree and matching
// positions.
func (v *Versioner) GetMessageVersions(ctx context.Context, messageID string) ([]MessageVersion, error) {
	pos, err := MessagePosition(messageID)
	if err != nil {
		return nil, err
	}
	root, err := v.FindMainChat(ctx, MessageChatID(messageID))
	if err != nil {
		return nil, err
	}
	origID := MessageID(root, pos)

	versions, err := v.store.GetLineageVersions(ctx, origID)
	if err != nil {
		return nil, err
	}
	if len(versions) > 0 {
		return versions, nil
	}
	return v.synthesizeVersions(ctx, root, pos)
}

// synthesizeVersions reconstructs a version list from the branch tree for
// transcripts recorded before lineage rows existed.
func (v *Versioner) synthesizeVersions(ctx context.Context, root string, pos int) ([]MessageVersion, error) {
	type node struct {
		chat Chat
		op   VersionOp
	}
	var nodes []node

	rootChat, err := v.store.GetChat(ctx, root)
	if err != nil {
		return nil, err
	}
	nodes = append(nodes, node{chat: rootChat, op: OpOriginal})

	queue := []string{root}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		children, err := v.store.ListChildChats(ctx, parent)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			nodes = append(nodes, node{chat: c, op: opFromBranchName(c.Name)})
			queue = append(queue, c.ID)
		}
	}

	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].chat.CreatedAt < nodes[j].chat.CreatedAt
	})

	var out []MessageVersion
	origID := MessageID(root, pos)
	for _, n := range nodes {
		history, err := v.store.GetChatHistory(ctx, n.chat.ID)
		if err != nil {
			return nil, err
		}
		if pos > len(history) {
			continue
		}
		m := history[pos-1]
		out = append(out, MessageVersion{
			OriginalMessageID: origID,
			VersionNumber:     len(out) + 1,
			ChatVersionID:     n.chat.ID,
			Operation:         n.op,
			Content:           m.Content,
			CreatedAt:         m.Timestamp,
		})
	}
	return out, nil
}

func opFromBranchName(name string) VersionOp {
	switch {
	case strings.HasPrefix(name, "edit_"):
		return OpEdit
	case strings.HasPrefix(name, "retry_"):
		return OpRetry
	case strings.HasPrefix(name, "delete_"):
		return OpDelete
	}
	return OpOriginal
}

// VersionTree is one chat node plus its version children, for the
// tree-listing endpoint.
type VersionTree struct {
	Chat     Chat          `json:"chat"`
	Children []VersionTree `json:"children,omitempty"`
}

// GetVersionTree returns the branch tree rooted at the given chat's family
// main chat.
func (v *Versioner) GetVersionTree(ctx context.Context, chatID string) (*VersionTree, error) {
	root, err := v.FindMainChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return v.buildTree(ctx, root)
}

func (v *Versioner) buildTree(ctx context.Context, chatID string) (*VersionTree, error) {
	chat, err := v.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	node := &VersionTree{Chat: chat}
	children, err := v.store.ListChildChats(ctx, chatID)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		sub, err := v.buildTree(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, *sub)
	}
	return node, nil
}
