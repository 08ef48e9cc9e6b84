package attendance

import (
	"fmt"
	"unicode"
	"unicode/utf8"

	"qms/attendance-service/internal/config"

	"go.uber.org/zap"
)

const textMarker = "📩"

// ActivityLog writes the operator facing one-line trail of accepted events.
type ActivityLog struct {
	topo    *config.Topology
	verbose int
	logger  *zap.Logger
}

func NewActivityLog(topo *config.Topology, logger *zap.Logger) *ActivityLog {
	return &ActivityLog{topo: topo, verbose: topo.Activity.Verbose, logger: logger}
}

// Record logs text seen in chatID; prefix is the reaction emoji, or empty
// for a plain message.
func (a *ActivityLog) Record(chatID, text, prefix string) {
	if line, ok := a.Line(chatID, text, prefix); ok {
		a.logger.Info(line)
	}
}

func (a *ActivityLog) Line(chatID, text, prefix string) (string, bool) {
	if a.verbose <= 0 {
		return "", false
	}
	if prefix == "" {
		prefix = textMarker
	}
	branch, inBranch := a.topo.BranchForChat(chatID)
	room, isRoom := a.topo.Room(chatID)
	known := inBranch && isRoom

	switch a.verbose {
	case 1:
		if !known {
			return "", false
		}
		return fmt.Sprintf("%s %s - %s", prefix, room.Name, capitalize(a.topo.DisplayName(branch))), true
	case 2:
		if !known {
			return "", false
		}
		return fmt.Sprintf("%s %s - %s: %q", prefix, room.Name, capitalize(a.topo.DisplayName(branch)), text), true
	default:
		where := chatID
		if isRoom {
			where = room.Name
		}
		if inBranch {
			where += " - " + capitalize(a.topo.DisplayName(branch))
		}
		return fmt.Sprintf("%s %s: %q", prefix, where, text), true
	}
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
