// Package group implements the NetGroup overlay: membership and gossip,
// the distinguished group writer signatures and opcodes, and per-stream
// fragment dissemination via GroupMedia.
package group

// Opcode identifies a message within a group writer's byte stream.
type Opcode byte

const (
	OpGroupInit     Opcode = 0x01
	OpAbort         Opcode = 0x02
	OpGroupReport   Opcode = 0x0A
	OpMember        Opcode = 0x0B
	OpAskClose      Opcode = 0x0C
	OpBegin         Opcode = 0x0E
	OpBeginNearest  Opcode = 0x0F
	OpMediaEnd      Opcode = 0x00
	OpMediaNext     Opcode = 0x10
	OpMediaData     Opcode = 0x20
	OpMediaInfo     Opcode = 0x21
	OpFragmentsMap  Opcode = 0x22
	OpPlayPush      Opcode = 0x23
	OpMediaStart    Opcode = 0x30
	OpPlayPull      Opcode = 0x2B
)

// v2GroupspecToken marks a NetGroup v2 groupspec, which SHA-256's the
// groupspec text twice when computing idHex (Open Question, resolved: apply
// the double hash, enforce no other v2-specific semantics).
const v2GroupspecToken = "7F02"
