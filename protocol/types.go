package protocol

// MessageType discriminates every message on the state topic and the command channel.
type MessageType string

const (
	MessageTypePing              MessageType = "ping"
	MessageTypePingAcknowledge   MessageType = "ping_acknowledge"
	MessageTypeError             MessageType = "error"
	MessageTypeFullUpdate        MessageType = "launcher_full_update"
	MessageTypeIncrementalUpdate MessageType = "launcher_incremental_update"
	MessageTypeStart             MessageType = "launcher_start"
	MessageTypeTerminate         MessageType = "launcher_terminate"
	MessageTypeKill              MessageType = "launcher_kill"
	MessageTypeWriteStdin        MessageType = "launcher_write_stdin"
	MessageTypeCall              MessageType = "launcher_call"
	MessageTypeShutdown          MessageType = "launcher_shutdown"
)

// Container is the single message envelope used in both directions.
// State messages populate Launcher (and Pparams on full updates).
// Command requests populate Index and Payload, replies populate Note.
type Container struct {
	Type MessageType `json:"type"`

	Launcher []Launcher         `json:"launcher,omitempty"`
	Pparams  *ProtocolParameters `json:"pparams,omitempty"`

	Index   *int     `json:"index,omitempty"`
	Payload []byte   `json:"payload,omitempty"`
	Note    []string `json:"note,omitempty"`
}

// ProtocolParameters tells subscribers how often to expect keepalive pings.
type ProtocolParameters struct {
	// KeepaliveTimer is the ping interval in milliseconds, 0 when pings are disabled.
	KeepaliveTimer int `json:"keepalive_timer"`
}

// Launcher is the wire form of a launcher definition merged with its runtime state.
// In a full update every field is set. In an incremental update only Index and the
// fields that changed since the last transmission are set; receivers keep their
// cached value for everything else.
type Launcher struct {
	Index int `json:"index"`

	Name        *string      `json:"name,omitempty"`
	Description *string      `json:"description,omitempty"`
	Info        *MachineInfo `json:"info,omitempty"`
	Priority    *int         `json:"priority,omitempty"`
	Command     *string      `json:"command,omitempty"`
	Shell       *bool        `json:"shell,omitempty"`
	Workdir     *string      `json:"workdir,omitempty"`
	Image       *File        `json:"image,omitempty"`

	Running     *bool        `json:"running,omitempty"`
	ReturnCode  *int         `json:"returncode,omitempty"`
	Terminating *bool        `json:"terminating,omitempty"`
	Output      []StdoutLine `json:"output,omitempty"`
}

type MachineInfo struct {
	Type         string `json:"type"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Variant      string `json:"variant"`
}

// File carries an embedded image. Blob is base64 on the wire.
type File struct {
	Name string `json:"name"`
	Blob []byte `json:"blob"`
}

// StdoutLine is one line of combined process output. Index is the line's position in
// the session's output, starting at 0 when the session starts.
type StdoutLine struct {
	Index int    `json:"index"`
	Line  string `json:"line"`
}

func Bool(b bool) *bool { return &b }
func Int(i int) *int { return &i }
func String(s string) *string { return &s }
