// Package channel implements the partially-ordered command log shared by
// a bounded set of members. Per sender, (sender_last, sequence) totally
// orders commands and exposes gaps; across senders, each command's prior
// pointer induces a DAG; checkpoints compress the member frontier so
// peers can talk about recent changes without replaying history. All
// persistence is delegated to the channel's write-ahead log.
package channel

import (
	"errors"
	"fmt"

	"github.com/moore/borromean/region"
	"github.com/moore/borromean/wal"
)

// Config bounds a channel's caller-owned state. MemberLimit is required;
// PayloadLimit and PendingLimit are unbounded when zero.
type Config struct {
	MemberLimit  int
	PayloadLimit int
	PendingLimit int
}

// Channel is one partially-ordered command log. It holds no goroutines
// and takes no locks; a single caller drives it synchronously.
type Channel struct {
	id  region.CollectionID
	cfg Config
	log *wal.Wal

	nextSequence ChannelSequence
	members      []MemberSequence
	checkpoint   CommandAddress
	updates      []MemberID
	pending      []AddCommand
	commandCount uint64
}

// New creates a channel for collectionID with initialMember as its first
// member, backed by a freshly created log. The initial membership is
// persisted as an AddMemberCommand so a reopen reconstructs it.
func New(manager *region.Manager, collectionID region.CollectionID, initialMember MemberID, cfg Config) (*Channel, error) {
	if cfg.MemberLimit < 1 {
		return nil, ErrUserLimitReached
	}
	log, err := wal.Create(manager, collectionID, region.CollectionTypeChannel)
	if err != nil {
		return nil, err
	}
	c := newChannel(collectionID, cfg, log)
	if _, err := c.ApplyCommand(AddMemberCommand{Member: initialMember}); err != nil {
		return nil, err
	}
	return c, nil
}

// Open reopens collectionID's channel from storage: it reopens the log at
// addr (the heads-table entry for the collection) and replays every
// surviving command, rebuilding membership, sequences, and the pending
// list.
func Open(manager *region.Manager, collectionID region.CollectionID, addr region.Address, cfg Config) (*Channel, error) {
	if cfg.MemberLimit < 1 {
		return nil, ErrUserLimitReached
	}
	log, err := wal.Open(manager, collectionID, region.CollectionTypeChannel, addr)
	if err != nil {
		return nil, err
	}
	c := newChannel(collectionID, cfg, log)

	cursor := log.HeadCursor()
	for {
		outcome, err := log.Read(cursor)
		if err != nil {
			if errors.Is(err, wal.ErrEndOfWAL) {
				break
			}
			return nil, err
		}
		switch o := outcome.(type) {
		case wal.RecordOutcome:
			cmd, err := DecodeCommand(o.Payload)
			if err != nil {
				return nil, err
			}
			at := CommandAddress{Region: cursor.Region, Offset: cursor.Offset}
			c.fastForward(cmd)
			if err := c.validate(cmd); err != nil {
				return nil, fmt.Errorf("channel: replay %v+%d: %w", at.Region, at.Offset, err)
			}
			c.mutate(at, cmd)
			cursor = o.Next
		case wal.CommitOutcome:
			cursor = o.Next
		case wal.EndOfRegionOutcome:
			cursor = o.Next
		}
	}
	return c, nil
}

func newChannel(collectionID region.CollectionID, cfg Config, log *wal.Wal) *Channel {
	return &Channel{
		id:           collectionID,
		cfg:          cfg,
		log:          log,
		nextSequence: 1,
		checkpoint:   ZeroCommandAddress,
	}
}

// ID returns the channel's collection id.
func (c *Channel) ID() region.CollectionID { return c.id }

// Log exposes the channel's write-ahead log so the caller can commit it.
func (c *Channel) Log() *wal.Wal { return c.log }

// Members returns a snapshot of the member table.
func (c *Channel) Members() []MemberSequence {
	return append([]MemberSequence(nil), c.members...)
}

// Pending returns a snapshot of the add-commands not yet integrated into
// the ordered history.
func (c *Channel) Pending() []AddCommand {
	return append([]AddCommand(nil), c.pending...)
}

// TakePending drains and returns the pending add-commands.
func (c *Channel) TakePending() []AddCommand {
	out := c.pending
	c.pending = nil
	return out
}

// LastCheckpoint returns the address of the newest checkpoint command, or
// ZeroCommandAddress if none has been written.
func (c *Channel) LastCheckpoint() CommandAddress { return c.checkpoint }

// CommandCount returns the number of add-commands this channel has seen.
func (c *Channel) CommandCount() uint64 { return c.commandCount }

// LastSequence returns the largest sequence seen from member.
func (c *Channel) LastSequence(member MemberID) (ChannelSequence, error) {
	i := c.memberIndex(member)
	if i < 0 {
		return 0, fmt.Errorf("channel: %v: %w", member, ErrMemberNotFound)
	}
	return c.members[i].LastSequence, nil
}

// AddMember emits and applies an AddMemberCommand for member. Adding an
// existing member changes no state but still persists the command, so
// peers replaying the log converge on the same membership.
func (c *Channel) AddMember(member MemberID) (AddMemberCommand, error) {
	cmd := AddMemberCommand{Member: member}
	if _, err := c.ApplyCommand(cmd); err != nil {
		return AddMemberCommand{}, err
	}
	return cmd, nil
}

// AddCommand emits and applies an AddCommand authored by author: it looks
// up the author's last sequence, assigns the next channel sequence, and
// persists the command before updating state. The returned command is
// what a transport would hand to peers.
func (c *Channel) AddCommand(prior CommandAddress, author MemberID, messageID MessageID, payload []byte) (AddCommand, error) {
	if c.cfg.PayloadLimit > 0 && len(payload) > c.cfg.PayloadLimit {
		return AddCommand{}, fmt.Errorf("channel: %d bytes: %w", len(payload), ErrPayloadTooLarge)
	}
	senderLast, err := c.LastSequence(author)
	if err != nil {
		return AddCommand{}, err
	}
	cmd := AddCommand{
		Prior:      prior,
		SenderLast: senderLast,
		Sequence:   c.nextSequence,
		Author:     author,
		MessageID:  messageID,
		Payload:    payload,
	}
	if _, err := c.ApplyCommand(cmd); err != nil {
		return AddCommand{}, err
	}
	return cmd, nil
}

// BuildCheckpoint emits and applies a CheckpointCommand summarizing every
// member that moved since the previous checkpoint. The channel's
// checkpoint address advances to the new command and the updates set
// resets.
func (c *Channel) BuildCheckpoint() (CheckpointCommand, error) {
	sequences := make([]MemberSequence, 0, len(c.updates))
	for _, member := range c.updates {
		if i := c.memberIndex(member); i >= 0 {
			sequences = append(sequences, c.members[i])
		}
	}
	cmd := CheckpointCommand{
		PreviousCheckpoint: c.checkpoint,
		CommandCount:       c.commandCount,
		Sequences:          sequences,
	}
	if _, err := c.ApplyCommand(cmd); err != nil {
		return CheckpointCommand{}, err
	}
	return cmd, nil
}

// ApplyCommand validates cmd against the channel's current state,
// persists it to the log, and applies it. It serves both locally
// generated commands (AddMember, AddCommand, BuildCheckpoint route
// through it) and commands received from peers. The returned address is
// where the command landed in the log.
func (c *Channel) ApplyCommand(cmd Command) (CommandAddress, error) {
	if err := c.validate(cmd); err != nil {
		return ZeroCommandAddress, err
	}
	payload, err := EncodeCommand(cmd)
	if err != nil {
		return ZeroCommandAddress, err
	}
	cursor, err := c.log.WriteEntry(wal.DataEntry{CollectionType: region.CollectionTypeChannel, Payload: payload})
	if err != nil {
		return ZeroCommandAddress, err
	}
	at := CommandAddress{Region: cursor.Region, Offset: cursor.Offset}
	c.mutate(at, cmd)
	return at, nil
}

// validate rejects cmd without touching state or the log, so a rejected
// command is never persisted and a replayed log always applies cleanly.
func (c *Channel) validate(cmd Command) error {
	switch cmd := cmd.(type) {
	case AddMemberCommand:
		if c.memberIndex(cmd.Member) < 0 && len(c.members) >= c.cfg.MemberLimit {
			return ErrUserLimitReached
		}
	case AddCommand:
		i := c.memberIndex(cmd.Author)
		if i < 0 {
			return fmt.Errorf("channel: %v: %w", cmd.Author, ErrMemberNotFound)
		}
		if cmd.SenderLast != c.members[i].LastSequence {
			return fmt.Errorf("channel: author %v sent after %d, have %d: %w",
				cmd.Author, cmd.SenderLast, c.members[i].LastSequence, ErrMissingCommands)
		}
		if cmd.Sequence <= c.members[i].LastSequence {
			return fmt.Errorf("channel: sequence %d: %w", cmd.Sequence, ErrStaleCommand)
		}
		if c.cfg.PendingLimit > 0 && len(c.pending) >= c.cfg.PendingLimit {
			return ErrPendingLimitReached
		}
	case CheckpointCommand:
		admitted := len(c.members)
		for _, s := range cmd.Sequences {
			if c.memberIndex(s.Member) < 0 {
				admitted++
			}
		}
		if admitted > c.cfg.MemberLimit {
			return ErrUserLimitReached
		}
	}
	return nil
}

// mutate applies an already-validated cmd, persisted at address at.
func (c *Channel) mutate(at CommandAddress, cmd Command) {
	switch cmd := cmd.(type) {
	case AddMemberCommand:
		if c.memberIndex(cmd.Member) < 0 {
			c.members = append(c.members, MemberSequence{Member: cmd.Member})
		}
	case AddCommand:
		i := c.memberIndex(cmd.Author)
		c.members[i].LastSequence = cmd.Sequence
		if next := cmd.Sequence + 1; next > c.nextSequence {
			c.nextSequence = next
		}
		c.addUpdate(cmd.Author)
		c.pending = append(c.pending, cmd)
		c.commandCount++
	case CheckpointCommand:
		// Frontier merge: advance (never regress) each named member's
		// last sequence, admitting members this channel hasn't seen.
		for _, s := range cmd.Sequences {
			i := c.memberIndex(s.Member)
			if i < 0 {
				c.members = append(c.members, s)
			} else if s.LastSequence > c.members[i].LastSequence {
				c.members[i].LastSequence = s.LastSequence
			}
			if next := s.LastSequence + 1; next > c.nextSequence {
				c.nextSequence = next
			}
		}
		if cmd.CommandCount > c.commandCount {
			c.commandCount = cmd.CommandCount
		}
		c.checkpoint = at
		c.updates = c.updates[:0]
	}
}

// fastForward admits state the committed prefix of the log no longer
// carries during a replay: an author whose AddMember fell behind the
// durable head, or a sender_last recorded only by commands that were
// compacted away. It never regresses a sequence, so replayed commands
// still validate against the same frontier they were written over.
func (c *Channel) fastForward(cmd Command) {
	add, ok := cmd.(AddCommand)
	if !ok {
		return
	}
	i := c.memberIndex(add.Author)
	if i < 0 {
		if len(c.members) >= c.cfg.MemberLimit {
			return
		}
		c.members = append(c.members, MemberSequence{Member: add.Author, LastSequence: add.SenderLast})
		return
	}
	if add.SenderLast > c.members[i].LastSequence {
		c.members[i].LastSequence = add.SenderLast
	}
}

func (c *Channel) memberIndex(member MemberID) int {
	for i := range c.members {
		if c.members[i].Member == member {
			return i
		}
	}
	return -1
}

func (c *Channel) addUpdate(member MemberID) {
	for _, m := range c.updates {
		if m == member {
			return
		}
	}
	c.updates = append(c.updates, member)
}
