// Package ids defines the fixed-size identifiers used by the execution engine
// and the derivation functions that produce them.
//
// Every identifier is a blake2b-256 digest over a domain tag and its inputs,
// so ids derived by different participants from the same inputs are
// byte-identical.
package ids

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Size is the byte length of every identifier.
const Size = 32

// ErrInvalidLength is returned when decoding an identifier of the wrong size.
var ErrInvalidLength = errors.New("ids: invalid identifier length")

// Domain tags keep the derivation functions from colliding with each other.
var (
	tagCode     = []byte("code")
	tagProgram  = []byte("program")
	tagOutgoing = []byte("outgoing")
	tagReply    = []byte("reply")
	tagExternal = []byte("external")
)

// ProgramID identifies a program (or an external user account).
type ProgramID [Size]byte

// MessageID identifies a message.
type MessageID [Size]byte

// CodeID identifies uploaded program code.
type CodeID [Size]byte

func digest(parts ...[]byte) [Size]byte {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	var out [Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// CodeIDFromCode derives the content id of raw code.
func CodeIDFromCode(code []byte) CodeID {
	return CodeID(digest(tagCode, code))
}

// GenerateProgramID derives the id of a program created from code with salt.
func GenerateProgramID(code CodeID, salt []byte) ProgramID {
	return ProgramID(digest(tagProgram, code[:], salt))
}

// GenerateOutgoing derives the id of the seq-th message sent while handling origin.
func GenerateOutgoing(origin MessageID, seq uint32) MessageID {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], seq)
	return MessageID(digest(tagOutgoing, origin[:], n[:]))
}

// GenerateReply derives the id of the reply to origin with the given exit code.
func GenerateReply(origin MessageID, exitCode int32) MessageID {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(exitCode))
	return MessageID(digest(tagReply, origin[:], n[:]))
}

// GenerateExternal derives the id of a message submitted by an external user.
func GenerateExternal(user ProgramID, nonce uint64) MessageID {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], nonce)
	return MessageID(digest(tagExternal, user[:], n[:]))
}

// ProgramIDFromBytes copies b into a ProgramID.
func ProgramIDFromBytes(b []byte) (ProgramID, error) {
	var id ProgramID
	if len(b) != Size {
		return id, fmt.Errorf("%w: got %d bytes", ErrInvalidLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// MessageIDFromBytes copies b into a MessageID.
func MessageIDFromBytes(b []byte) (MessageID, error) {
	var id MessageID
	if len(b) != Size {
		return id, fmt.Errorf("%w: got %d bytes", ErrInvalidLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// CodeIDFromBytes copies b into a CodeID.
func CodeIDFromBytes(b []byte) (CodeID, error) {
	var id CodeID
	if len(b) != Size {
		return id, fmt.Errorf("%w: got %d bytes", ErrInvalidLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

func decodeHex(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("ids: invalid hex: %w", err)
	}
	return b, nil
}

// ParseProgramID parses a hex (optionally 0x-prefixed) program id.
func ParseProgramID(s string) (ProgramID, error) {
	b, err := decodeHex(s)
	if err != nil {
		return ProgramID{}, err
	}
	return ProgramIDFromBytes(b)
}

// ParseMessageID parses a hex (optionally 0x-prefixed) message id.
func ParseMessageID(s string) (MessageID, error) {
	b, err := decodeHex(s)
	if err != nil {
		return MessageID{}, err
	}
	return MessageIDFromBytes(b)
}

// ParseCodeID parses a hex (optionally 0x-prefixed) code id.
func ParseCodeID(s string) (CodeID, error) {
	b, err := decodeHex(s)
	if err != nil {
		return CodeID{}, err
	}
	return CodeIDFromBytes(b)
}

func (id ProgramID) String() string { return "0x" + hex.EncodeToString(id[:]) }
func (id MessageID) String() string { return "0x" + hex.EncodeToString(id[:]) }
func (id CodeID) String() string    { return "0x" + hex.EncodeToString(id[:]) }

// IsZero reports whether the id is all zero bytes.
func (id ProgramID) IsZero() bool { return id == ProgramID{} }

// IsZero reports whether the id is all zero bytes.
func (id MessageID) IsZero() bool { return id == MessageID{} }

func (id ProgramID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id MessageID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id CodeID) MarshalText() ([]byte, error)    { return []byte(id.String()), nil }

func (id *ProgramID) UnmarshalText(b []byte) error {
	v, err := ParseProgramID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (id *MessageID) UnmarshalText(b []byte) error {
	v, err := ParseMessageID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (id *CodeID) UnmarshalText(b []byte) error {
	v, err := ParseCodeID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// Compare orders message ids bytewise; used wherever id sets are emitted.
func (id MessageID) Compare(other MessageID) int {
	for i := 0; i < Size; i++ {
		switch {
		case id[i] < other[i]:
			return -1
		case id[i] > other[i]:
			return 1
		}
	}
	return 0
}

// Compare orders program ids bytewise.
func (id ProgramID) Compare(other ProgramID) int {
	for i := 0; i < Size; i++ {
		switch {
		case id[i] < other[i]:
			return -1
		case id[i] > other[i]:
			return 1
		}
	}
	return 0
}
