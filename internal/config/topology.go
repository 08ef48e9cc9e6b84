package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultStartEmoji    = "❤️"
	DefaultMarkerEmoji   = "✅"
	DefaultMessagesTopic = "/painel/messages"
	DefaultReactionTopic = "/painel/reactions"
	DefaultCallsTopic    = "/painel/calls"
)

// Topology describes branches, the chats (rooms) that belong to them and
// the emoji and topic conventions the coordinator reacts to.
type Topology struct {
	StartEmoji     string            `toml:"start_emoji"`
	FinalizeEmojis []string          `toml:"finalize_emojis"`
	Topics         TopicConfig       `toml:"topics"`
	Activity       ActivityConfig    `toml:"activity"`
	VIP            VIPConfig         `toml:"vip"`
	ASO            ASOConfig         `toml:"aso"`
	Branches       map[string]Branch `toml:"branches"`
	Rooms          map[string]Room   `toml:"rooms"`

	chatBranch map[string]string
}

type TopicConfig struct {
	Messages  string `toml:"messages"`
	Reactions string `toml:"reactions"`
	Calls     string `toml:"calls"`
}

// ActivityConfig.Verbose: 0 off, 1 room and branch, 2 adds the text,
// 3 logs every chat.
type ActivityConfig struct {
	Verbose int `toml:"verbose"`
}

type VIPConfig struct {
	Caller    string `toml:"caller"`
	Branch    string `toml:"branch"`
	Room      string `toml:"room"`
	RoomShort string `toml:"room_short"`
	PostCall  string `toml:"post_call"`
}

type ASOConfig struct {
	Branch string `toml:"branch"`
	Emoji  string `toml:"emoji"`
}

type Branch struct {
	DisplayName string   `toml:"display_name"`
	Rooms       []string `toml:"rooms"`
}

type Room struct {
	Name     string `toml:"name"`
	Short    string `toml:"short"`
	PostCall string `toml:"post_call"`
	Emoji    string `toml:"emoji"`
}

func LoadTopology(path string) (*Topology, error) {
	var topo Topology
	md, err := toml.DecodeFile(path, &topo)
	if err != nil {
		return nil, fmt.Errorf("decode topology %s: %w", path, err)
	}
	return finishTopology(&topo, md)
}

func ParseTopology(data string) (*Topology, error) {
	var topo Topology
	md, err := toml.Decode(data, &topo)
	if err != nil {
		return nil, fmt.Errorf("decode topology: %w", err)
	}
	return finishTopology(&topo, md)
}

func finishTopology(topo *Topology, md toml.MetaData) (*Topology, error) {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("unknown topology keys: %s", strings.Join(keys, ", "))
	}
	topo.applyDefaults()
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	return topo, nil
}

func (t *Topology) applyDefaults() {
	if t.StartEmoji == "" {
		t.StartEmoji = DefaultStartEmoji
	}
	if t.Topics.Messages == "" {
		t.Topics.Messages = DefaultMessagesTopic
	}
	if t.Topics.Reactions == "" {
		t.Topics.Reactions = DefaultReactionTopic
	}
	if t.Topics.Calls == "" {
		t.Topics.Calls = DefaultCallsTopic
	}
	for id, room := range t.Rooms {
		if room.Emoji == "" {
			room.Emoji = DefaultMarkerEmoji
			t.Rooms[id] = room
		}
	}
	finalize := t.FinalizeEmojis[:0]
	for _, emoji := range t.FinalizeEmojis {
		if emoji = strings.TrimSpace(emoji); emoji != "" {
			finalize = append(finalize, emoji)
		}
	}
	t.FinalizeEmojis = finalize
}

// Validate rejects topologies the coordinator cannot route with and
// builds the chat to branch index.
func (t *Topology) Validate() error {
	var errs []error
	if len(t.Branches) == 0 {
		errs = append(errs, errors.New("at least one branch is required"))
	}
	if len(t.FinalizeEmojis) == 0 {
		errs = append(errs, errors.New("finalize_emojis must not be empty"))
	}
	for _, emoji := range t.FinalizeEmojis {
		if emoji == t.StartEmoji {
			errs = append(errs, fmt.Errorf("start emoji %q is also a finalize emoji", emoji))
		}
	}
	if t.Activity.Verbose < 0 || t.Activity.Verbose > 3 {
		errs = append(errs, fmt.Errorf("activity.verbose must be between 0 and 3, got %d", t.Activity.Verbose))
	}

	chatBranch := make(map[string]string)
	for _, branchID := range sortedKeys(t.Branches) {
		branch := t.Branches[branchID]
		if len(branch.Rooms) == 0 {
			errs = append(errs, fmt.Errorf("branch %q has no rooms", branchID))
		}
		for _, chatID := range branch.Rooms {
			if owner, ok := chatBranch[chatID]; ok {
				errs = append(errs, fmt.Errorf("room %q listed in branches %q and %q", chatID, owner, branchID))
				continue
			}
			chatBranch[chatID] = branchID
			room, ok := t.Rooms[chatID]
			if !ok {
				errs = append(errs, fmt.Errorf("branch %q references room %q with no [rooms] entry", branchID, chatID))
				continue
			}
			if room.Name == "" {
				errs = append(errs, fmt.Errorf("room %q has no name", chatID))
			}
			if room.Emoji == t.StartEmoji || t.IsFinalize(room.Emoji) {
				errs = append(errs, fmt.Errorf("room %q marker %q collides with a lifecycle emoji", chatID, room.Emoji))
			}
		}
	}
	for _, chatID := range sortedKeys(t.Rooms) {
		if _, ok := chatBranch[chatID]; !ok {
			errs = append(errs, fmt.Errorf("room %q does not belong to any branch", chatID))
		}
	}

	if t.VIP.Caller != "" {
		if _, ok := t.Branches[t.VIP.Branch]; !ok {
			errs = append(errs, fmt.Errorf("vip.branch %q is not a configured branch", t.VIP.Branch))
		}
		if t.VIP.Room == "" {
			errs = append(errs, errors.New("vip.room is required when vip.caller is set"))
		}
	}
	if t.ASO.Branch != "" {
		if _, ok := t.Branches[t.ASO.Branch]; !ok {
			errs = append(errs, fmt.Errorf("aso.branch %q is not a configured branch", t.ASO.Branch))
		}
		if t.ASO.Emoji == "" {
			errs = append(errs, errors.New("aso.emoji is required when aso.branch is set"))
		}
		if t.ASO.Emoji != "" && (t.ASO.Emoji == t.StartEmoji || t.IsFinalize(t.ASO.Emoji)) {
			errs = append(errs, fmt.Errorf("aso.emoji %q collides with a lifecycle emoji", t.ASO.Emoji))
		}
		// Markers come back as reactions; on the signing branch they would sign.
		for _, chatID := range t.Branches[t.ASO.Branch].Rooms {
			if room, ok := t.Rooms[chatID]; ok && room.Emoji == t.ASO.Emoji {
				errs = append(errs, fmt.Errorf("room %q marker %q collides with aso.emoji", chatID, room.Emoji))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid topology: %w", errors.Join(errs...))
	}
	t.chatBranch = chatBranch
	return nil
}

// BranchForChat resolves the branch owning chatID.
func (t *Topology) BranchForChat(chatID string) (string, bool) {
	branch, ok := t.chatBranch[chatID]
	return branch, ok
}

func (t *Topology) Room(chatID string) (Room, bool) {
	room, ok := t.Rooms[chatID]
	return room, ok
}

// Siblings lists every room of branchID, in configured order.
func (t *Topology) Siblings(branchID string) []string {
	return t.Branches[branchID].Rooms
}

func (t *Topology) DisplayName(branchID string) string {
	if name := t.Branches[branchID].DisplayName; name != "" {
		return name
	}
	return branchID
}

func (t *Topology) MarkerEmoji(chatID string) string {
	if room, ok := t.Rooms[chatID]; ok && room.Emoji != "" {
		return room.Emoji
	}
	return DefaultMarkerEmoji
}

func (t *Topology) IsFinalize(emoji string) bool {
	for _, candidate := range t.FinalizeEmojis {
		if candidate == emoji {
			return true
		}
	}
	return false
}

// IsASO reports whether emoji on branchID runs the signing workflow.
func (t *Topology) IsASO(branchID, emoji string) bool {
	return t.ASO.Branch != "" && t.ASO.Branch == branchID && t.ASO.Emoji == emoji
}

func (t *Topology) MessagesTopic(branchID string) string {
	return t.DisplayName(branchID) + t.Topics.Messages
}

func (t *Topology) ReactionsTopic(branchID string) string {
	return t.DisplayName(branchID) + t.Topics.Reactions
}

func (t *Topology) CallsTopic(branchID string) string {
	return t.DisplayName(branchID) + t.Topics.Calls
}

// Chats lists every configured room id.
func (t *Topology) Chats() []string {
	return sortedKeys(t.Rooms)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
