package protocols

// ProtocolFSM updates protocol state from an Event and returns the Command
// awaited by the protocol.
type ProtocolFSM interface {
	Update(evt Event) (Command, error)
}

// Protocol aliases ProtocolFSM
type Protocol = ProtocolFSM
