package protocol

// Type is the wire "type" tag of a relay message.
type Type string

const (
	TypeJoin      Type = "join"
	TypeJoined    Type = "joined"
	TypePresence  Type = "presence"
	TypePeers     Type = "peers"
	TypeTimePing  Type = "timePing"
	TypeTimePong  Type = "timePong"
	TypeHeartbeat Type = "heartbeat"

	TypeDirectorAssert Type = "director:assert"
	TypeDirectorTake   Type = "director:take"
	TypeDirectorResign Type = "director:resign"

	TypeFileDigest   Type = "file:digest"
	TypeFileWant     Type = "file:want"
	TypeFileEntries  Type = "file:entries"
	TypeFileAnnounce Type = "file:announce"
	TypeFileRevoke   Type = "file:revoke"

	TypePlay       Type = "play"
	TypeStop       Type = "stop"
	TypeSelectFile Type = "selectFile"
)

const (
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

// MaxBatch bounds the ids in one want and the entries in one entries message.
const MaxBatch = 200

// Interpreted reports whether the relay acts on t itself instead of fanning it out.
func Interpreted(t Type) bool {
	switch t {
	case TypeJoin, TypeTimePing, TypeHeartbeat:
		return true
	}
	return false
}

// Relayed reports whether the relay broadcasts t verbatim to the namespace.
func Relayed(t Type) bool {
	switch t {
	case TypeDirectorAssert, TypeDirectorTake, TypeDirectorResign,
		TypeFileDigest, TypeFileWant, TypeFileEntries, TypeFileAnnounce, TypeFileRevoke,
		TypePlay, TypeStop, TypeSelectFile:
		return true
	}
	return false
}

// Header is embedded by every message and carries the type tag.
type Header struct {
	Type Type `json:"type"`
}

func (h *Header) header() *Header { return h }

// Message is one closed wire variant.
type Message interface {
	Kind() Type
	Validate() error
	header() *Header
}

// Join registers the sender in a namespace.
type Join struct {
	Header
	SwarmHash string `json:"swarmHash"`
	UserID    string `json:"userId"`
}

// Joined is the relay's reply to join with the current roster.
type Joined struct {
	Header
	SwarmHash string   `json:"swarmHash"`
	UserID    string   `json:"userId"`
	Peers     []string `json:"peers"`
}

// Presence announces a single peer joining or leaving.
type Presence struct {
	Header
	UserID string `json:"userId"`
	Action string `json:"action"`
}

// Peers is the full sorted namespace roster.
type Peers struct {
	Header
	Peers []string `json:"peers"`
}

type TimePing struct {
	Header
	T0 int64 `json:"t0"`
}

type TimePong struct {
	Header
	T0 int64 `json:"t0"`
	TS int64 `json:"tS"`
}

type Heartbeat struct {
	Header
	TS int64 `json:"ts"`
}

// Director messages carry the global time of the register write in AtMs.
type DirectorAssert struct {
	Header
	UserID string `json:"userId"`
	AtMs   int64  `json:"at,omitempty"`
}

type DirectorTake struct {
	Header
	UserID string `json:"userId"`
	AtMs   int64  `json:"at,omitempty"`
}

type DirectorResign struct {
	Header
	UserID string `json:"userId"`
	AtMs   int64  `json:"at,omitempty"`
}

// Entry is the wire form of one catalog entry.
type Entry struct {
	ID          string   `json:"id"`
	Version     uint64   `json:"version"`
	Tombstone   bool     `json:"tombstone,omitempty"`
	Name        string   `json:"name,omitempty"`
	Size        int64    `json:"size,omitempty"`
	ContentHash string   `json:"hash,omitempty"`
	Sources     []string `json:"sources,omitempty"`
}

// DigestItem is the compact per-object summary carried by file:digest.
type DigestItem struct {
	ID        string `json:"id"`
	Version   uint64 `json:"version"`
	Tombstone bool   `json:"tombstone,omitempty"`
}

type FileDigest struct {
	Header
	UserID string       `json:"userId"`
	Items  []DigestItem `json:"items"`
}

// FileWant asks Target for full entries. Peers other than Target ignore it.
type FileWant struct {
	Header
	UserID string   `json:"userId"`
	Target string   `json:"target"`
	IDs    []string `json:"ids"`
}

type FileEntries struct {
	Header
	UserID  string  `json:"userId"`
	Entries []Entry `json:"entries"`
}

type FileAnnounce struct {
	Header
	UserID string `json:"userId"`
	Entry  Entry  `json:"entry"`
}

type FileRevoke struct {
	Header
	UserID string `json:"userId"`
	Entry  Entry  `json:"entry"`
}

// Play schedules the start of ObjectID at GlobalStartMs.
type Play struct {
	Header
	UserID        string `json:"userId"`
	ObjectID      string `json:"fileId"`
	GlobalStartMs int64  `json:"startAt"`
	IssuedAtMs    int64  `json:"issuedAt"`
}

type Stop struct {
	Header
	UserID     string `json:"userId"`
	IssuedAtMs int64  `json:"issuedAt"`
}

// SelectFile tells followers which object the director intends to start next.
type SelectFile struct {
	Header
	UserID     string `json:"userId"`
	ObjectID   string `json:"fileId"`
	IssuedAtMs int64  `json:"issuedAt"`
}

func (*Join) Kind() Type           { return TypeJoin }
func (*Joined) Kind() Type         { return TypeJoined }
func (*Presence) Kind() Type       { return TypePresence }
func (*Peers) Kind() Type          { return TypePeers }
func (*TimePing) Kind() Type       { return TypeTimePing }
func (*TimePong) Kind() Type       { return TypeTimePong }
func (*Heartbeat) Kind() Type      { return TypeHeartbeat }
func (*DirectorAssert) Kind() Type { return TypeDirectorAssert }
func (*DirectorTake) Kind() Type   { return TypeDirectorTake }
func (*DirectorResign) Kind() Type { return TypeDirectorResign }
func (*FileDigest) Kind() Type     { return TypeFileDigest }
func (*FileWant) Kind() Type       { return TypeFileWant }
func (*FileEntries) Kind() Type    { return TypeFileEntries }
func (*FileAnnounce) Kind() Type   { return TypeFileAnnounce }
func (*FileRevoke) Kind() Type     { return TypeFileRevoke }
func (*Play) Kind() Type           { return TypePlay }
func (*Stop) Kind() Type           { return TypeStop }
func (*SelectFile) Kind() Type     { return TypeSelectFile }

// newMessage returns an empty variant for t, or nil when t is not part of the contract.
func newMessage(t Type) Message {
	switch t {
	case TypeJoin:
		return &Join{}
	case TypeJoined:
		return &Joined{}
	case TypePresence:
		return &Presence{}
	case TypePeers:
		return &Peers{}
	case TypeTimePing:
		return &TimePing{}
	case TypeTimePong:
		return &TimePong{}
	case TypeHeartbeat:
		return &Heartbeat{}
	case TypeDirectorAssert:
		return &DirectorAssert{}
	case TypeDirectorTake:
		return &DirectorTake{}
	case TypeDirectorResign:
		return &DirectorResign{}
	case TypeFileDigest:
		return &FileDigest{}
	case TypeFileWant:
		return &FileWant{}
	case TypeFileEntries:
		return &FileEntries{}
	case TypeFileAnnounce:
		return &FileAnnounce{}
	case TypeFileRevoke:
		return &FileRevoke{}
	case TypePlay:
		return &Play{}
	case TypeStop:
		return &Stop{}
	case TypeSelectFile:
		return &SelectFile{}
	}
	return nil
}
