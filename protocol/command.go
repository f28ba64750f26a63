package protocol

// Notes carried by error replies on the command channel.
const (
	NoteWrongIndex      = "wrong index"
	NoteWrongParameters = "wrong parameters"
	NoteCallNotAllowed  = "process call not allowed"
	NoteUnknownCommand  = "unknown command"
	NoteCannotShutdown  = "cannot shutdown system"
)

// Command is a decoded, structurally validated command request.
type Command interface {
	Type() MessageType
}

type PingCommand struct{}

type StartCommand struct{ Index int }

type TerminateCommand struct{ Index int }

type KillCommand struct{ Index int }

type WriteStdinCommand struct {
	Index int
	Data  []byte
}

type CallCommand struct{}

type ShutdownCommand struct{}

// UnknownCommand is any request whose type is not a command, including message types
// that only ever flow server->client.
type UnknownCommand struct{ MessageType MessageType }

func (PingCommand) Type() MessageType { return MessageTypePing }
func (StartCommand) Type() MessageType { return MessageTypeStart }
func (TerminateCommand) Type() MessageType { return MessageTypeTerminate }
func (KillCommand) Type() MessageType { return MessageTypeKill }
func (WriteStdinCommand) Type() MessageType { return MessageTypeWriteStdin }
func (CallCommand) Type() MessageType { return MessageTypeCall }
func (ShutdownCommand) Type() MessageType { return MessageTypeShutdown }
func (c UnknownCommand) Type() MessageType { return c.MessageType }

// ValidationError means a request is missing a field its type requires.
// Note is the text sent back in the error reply.
type ValidationError struct {
	MessageType MessageType
	Note        string
}

func (e *ValidationError) Error() string {
	return string(e.MessageType) + ": " + e.Note
}

// ParseCommand turns a decoded request into its command variant, checking that every
// field the variant needs is present. Range and liveness checks are left to the server,
// which knows the catalog and the running processes.
func ParseCommand(c *Container) (Command, error) {
	switch c.Type {
	case MessageTypePing:
		return PingCommand{}, nil
	case MessageTypeStart:
		if c.Index == nil {
			return nil, &ValidationError{MessageType: c.Type, Note: NoteWrongParameters}
		}
		return StartCommand{Index: *c.Index}, nil
	case MessageTypeTerminate:
		if c.Index == nil {
			return nil, &ValidationError{MessageType: c.Type, Note: NoteWrongIndex}
		}
		return TerminateCommand{Index: *c.Index}, nil
	case MessageTypeKill:
		if c.Index == nil {
			return nil, &ValidationError{MessageType: c.Type, Note: NoteWrongIndex}
		}
		return KillCommand{Index: *c.Index}, nil
	case MessageTypeWriteStdin:
		if c.Index == nil || len(c.Payload) == 0 {
			return nil, &ValidationError{MessageType: c.Type, Note: NoteWrongParameters}
		}
		return WriteStdinCommand{Index: *c.Index, Data: c.Payload}, nil
	case MessageTypeCall:
		return CallCommand{}, nil
	case MessageTypeShutdown:
		return ShutdownCommand{}, nil
	default:
		return UnknownCommand{MessageType: c.Type}, nil
	}
}
