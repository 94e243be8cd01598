package broadcast

import "github.com/jdertmann/allrisbot/internal/types"

// NextUpdate is the result of asking the backend what a chat should do next.
// Exactly one variant applies.
type NextUpdate interface{ isNextUpdate() }

// UpdateReady carries the next matching message for the chat.
type UpdateReady struct {
	ID      types.StreamID
	Message *types.Message
}

// UpdateSkipped reports an entry that no filter matched; its id has already
// been acknowledged.
type UpdateSkipped struct{ ID types.StreamID }

// UpdateOutOfSync reports that the chat's cursor moved underneath us.
type UpdateOutOfSync struct{}

// UpdatePending means the chat is caught up with the stream.
type UpdatePending struct{ Previous types.StreamID }

// UpdateMigrated means the chat now lives under a new id.
type UpdateMigrated struct{ To types.ChatID }

// UpdateStopped means the chat has no subscription.
type UpdateStopped struct{}

func (UpdateReady) isNextUpdate()     {}
func (UpdateSkipped) isNextUpdate()   {}
func (UpdateOutOfSync) isNextUpdate() {}
func (UpdatePending) isNextUpdate()   {}
func (UpdateMigrated) isNextUpdate()  {}
func (UpdateStopped) isNextUpdate()   {}

// ChatStatus is the outcome of one per-chat processing round, dispatched on
// by the manager.
type ChatStatus interface{ isChatStatus() }

// StatusProcessed means the chat handled the stream up to and including ID.
type StatusProcessed struct{ ID types.StreamID }

// StatusOutOfSync means an acknowledgement race; the round should rerun.
type StatusOutOfSync struct{}

// StatusStopped means the chat's subscription is gone.
type StatusStopped struct{}

// StatusShuttingDown means the sender is winding down.
type StatusShuttingDown struct{}

// StatusMigratedTo means processing should continue under the new chat id.
type StatusMigratedTo struct{ To types.ChatID }

func (StatusProcessed) isChatStatus()    {}
func (StatusOutOfSync) isChatStatus()    {}
func (StatusStopped) isChatStatus()      {}
func (StatusShuttingDown) isChatStatus() {}
func (StatusMigratedTo) isChatStatus()   {}
