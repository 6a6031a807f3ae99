package atlas

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for chat and file ids; message ids are position-scoped instead.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}

// MessageID builds the ordinal message id "<chat_id>_<position>".
func MessageID(chatID string, position int) string {
	return fmt.Sprintf("%s_%d", chatID, position)
}

// MessagePosition extracts the 1-based numeric position from a message id.
// The position is everything after the last underscore; chat ids may
// themselves contain underscores.
func MessagePosition(id string) (int, error) {
	i := strings.LastIndexByte(id, '_')
	if i < 0 || i == len(id)-1 {
		return 0, fmt.Errorf("message id %q: missing position suffix", id)
	}
	pos, err := strconv.Atoi(id[i+1:])
	if err != nil || pos < 1 {
		return 0, fmt.Errorf("message id %q: bad position suffix", id)
	}
	return pos, nil
}

// MessageChatID extracts the chat id prefix from a message id.
func MessageChatID(id string) string {
	i := strings.LastIndexByte(id, '_')
	if i < 0 {
		return id
	}
	return id[:i]
}

// SortMessages orders messages by numeric position parsed from their ids.
// Lexicographic ordering of ids is a bug: "x_10" sorts before "x_2".
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		pi := msgs[i].Position
		pj := msgs[j].Position
		if pi == 0 {
			pi, _ = MessagePosition(msgs[i].ID)
		}
		if pj == 0 {
			pj, _ = MessagePosition(msgs[j].ID)
		}
		return pi < pj
	})
}
