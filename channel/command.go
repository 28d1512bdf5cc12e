package channel

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/moore/borromean/region"
)

// MemberID identifies a channel member (a device or account); 128 bits,
// carried as a UUID.
type MemberID uuid.UUID

func (m MemberID) String() string { return uuid.UUID(m).String() }

// MarshalText and UnmarshalText delegate to the underlying UUID so member
// ids serialize in the canonical hyphenated form.
func (m MemberID) MarshalText() ([]byte, error) { return uuid.UUID(m).MarshalText() }

func (m *MemberID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(m).UnmarshalText(b)
}

// MessageID identifies a message payload independently of the command
// that carried it; 128 bits, carried as a UUID.
type MessageID uuid.UUID

func (m MessageID) String() string { return uuid.UUID(m).String() }

func (m MessageID) MarshalText() ([]byte, error) { return uuid.UUID(m).MarshalText() }

func (m *MessageID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(m).UnmarshalText(b)
}

// NewMemberID and NewMessageID mint random ids for locally created
// members and messages.
func NewMemberID() MemberID   { return MemberID(uuid.New()) }
func NewMessageID() MessageID { return MessageID(uuid.New()) }

// ChannelSequence orders commands within one channel. Sequence zero is
// reserved: it is the "nothing seen yet" value a fresh member starts at,
// so the first real command in a channel carries sequence one.
type ChannelSequence uint64

// CommandAddress names where a command landed in the channel's log.
type CommandAddress struct {
	Region region.Address `json:"region"`
	Offset uint32         `json:"offset"`
}

// ZeroCommandAddress is the distinguished "no command" address used as a
// fresh channel's checkpoint and as the prior of a channel's first
// command.
var ZeroCommandAddress = CommandAddress{}

// MemberSequence records the largest sequence seen from one member.
type MemberSequence struct {
	Member       MemberID        `json:"member"`
	LastSequence ChannelSequence `json:"last_sequence"`
}

// Command is the channel's closed command sum type: everything a channel
// persists, locally generated or received from a peer, is one of these.
type Command interface {
	isCommand()
}

// AddCommand is a partial-order record. Per-sender, (SenderLast,
// Sequence) gives a total order and detects gaps; cross-sender, Prior
// points at a direct predecessor, inducing a DAG over the channel's
// history.
type AddCommand struct {
	// Prior is a command whose sequence is one less than this command's,
	// the largest the sender had seen when it wrote this.
	Prior CommandAddress `json:"prior"`
	// SenderLast is the last sequence used by the sender; a receiver
	// whose record for the author disagrees is missing commands.
	SenderLast ChannelSequence `json:"sender_last"`
	// Sequence is one greater than any sequence the sender has seen.
	Sequence  ChannelSequence `json:"sequence"`
	Author    MemberID        `json:"author"`
	MessageID MessageID       `json:"message_id"`
	Payload   []byte          `json:"payload"`
}

// AddMemberCommand admits a member to the channel. Re-adding an existing
// member is a no-op on state but is still persisted so peers converge.
type AddMemberCommand struct {
	Member MemberID `json:"member"`
}

// CheckpointCommand compresses the member frontier: it names, for at
// least every member that moved since the previous checkpoint, the
// largest sequence seen from them, so peers can describe recent changes
// without walking the whole history.
type CheckpointCommand struct {
	PreviousCheckpoint CommandAddress   `json:"previous_checkpoint"`
	CommandCount       uint64           `json:"command_count"`
	Sequences          []MemberSequence `json:"sequences"`
}

func (AddCommand) isCommand()        {}
func (AddMemberCommand) isCommand()  {}
func (CheckpointCommand) isCommand() {}

const (
	commandKindAdd        = "add"
	commandKindAddMember  = "add_member"
	commandKindCheckpoint = "checkpoint"
)

// commandEnvelope is the persisted form: a kind tag plus exactly one of
// the command bodies.
type commandEnvelope struct {
	Kind       string             `json:"kind"`
	Add        *AddCommand        `json:"add,omitempty"`
	AddMember  *AddMemberCommand  `json:"add_member,omitempty"`
	Checkpoint *CheckpointCommand `json:"checkpoint,omitempty"`
}

// EncodeCommand serializes cmd into the byte form the channel writes to
// its log and peers exchange on the wire.
func EncodeCommand(cmd Command) ([]byte, error) {
	var env commandEnvelope
	switch c := cmd.(type) {
	case AddCommand:
		env = commandEnvelope{Kind: commandKindAdd, Add: &c}
	case AddMemberCommand:
		env = commandEnvelope{Kind: commandKindAddMember, AddMember: &c}
	case CheckpointCommand:
		env = commandEnvelope{Kind: commandKindCheckpoint, Checkpoint: &c}
	default:
		return nil, fmt.Errorf("channel: encode: unknown command type %T", cmd)
	}
	return json.Marshal(env)
}

// DecodeCommand is the inverse of EncodeCommand.
func DecodeCommand(data []byte) (Command, error) {
	var env commandEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("channel: decode command: %w", err)
	}
	switch env.Kind {
	case commandKindAdd:
		if env.Add == nil {
			return nil, fmt.Errorf("channel: decode command: missing %q body", env.Kind)
		}
		return *env.Add, nil
	case commandKindAddMember:
		if env.AddMember == nil {
			return nil, fmt.Errorf("channel: decode command: missing %q body", env.Kind)
		}
		return *env.AddMember, nil
	case commandKindCheckpoint:
		if env.Checkpoint == nil {
			return nil, fmt.Errorf("channel: decode command: missing %q body", env.Kind)
		}
		return *env.Checkpoint, nil
	default:
		return nil, fmt.Errorf("channel: decode command: unknown kind %q", env.Kind)
	}
}
