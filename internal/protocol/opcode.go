// Package protocol implements the badge protocol: opcode table, payload
// codecs and the dispatcher that turns inbound mesh frames into typed
// handler calls.
package protocol

import (
	"errors"
	"fmt"
)

// Opcode is a mesh access-layer opcode in its numeric form:
// 0x00-0x7E (1 byte), 0x8000-0xBFFF (2 bytes) or 0xC00000|cid (3 bytes).
type Opcode uint32

// DefaultCompanyID is the placeholder vendor id used by the badge model.
const DefaultCompanyID uint16 = 0xFFFF

// VendorModelID identifies the badge model within the vendor's space.
const VendorModelID uint16 = 0x0042

// Vendor opcode codes (low six bits of the first byte).
const (
	codeSignIn         = 0x04
	codeSignInReply    = 0x05
	codeSetState       = 0x06
	codeSetName        = 0x07
	codeReportRequest  = 0x08
	codeReportReply    = 0x09
	codeCheckProximity = 0x0A
)

// Generic OnOff and Generic Level server opcodes.
const (
	OpOnOffGet      Opcode = 0x8201
	OpOnOffSet      Opcode = 0x8202
	OpOnOffSetUnack Opcode = 0x8203
	OpOnOffStatus   Opcode = 0x8204
	OpLevelGet      Opcode = 0x8205
	OpLevelSet      Opcode = 0x8206
	OpLevelSetUnack Opcode = 0x8207
	OpLevelStatus   Opcode = 0x8208
)

// VendorOp builds a 3-byte vendor opcode.
func VendorOp(code uint8, cid uint16) Opcode {
	return Opcode(uint32(code|0xC0)<<16 | uint32(cid))
}

// Opcodes is the badge opcode set for one company id.
type Opcodes struct {
	SignIn         Opcode
	SignInReply    Opcode
	SetState       Opcode
	SetName        Opcode
	ReportRequest  Opcode
	ReportReply    Opcode
	CheckProximity Opcode
}

// NewOpcodes returns the badge opcodes under cid.
func NewOpcodes(cid uint16) Opcodes {
	return Opcodes{
		SignIn:         VendorOp(codeSignIn, cid),
		SignInReply:    VendorOp(codeSignInReply, cid),
		SetState:       VendorOp(codeSetState, cid),
		SetName:        VendorOp(codeSetName, cid),
		ReportRequest:  VendorOp(codeReportRequest, cid),
		ReportReply:    VendorOp(codeReportReply, cid),
		CheckProximity: VendorOp(codeCheckProximity, cid),
	}
}

// Len returns the encoded size of op.
func (op Opcode) Len() int {
	switch {
	case op < 0x7F:
		return 1
	case op >= 0x8000 && op <= 0xBFFF:
		return 2
	case op >= 0xC00000 && op <= 0xFFFFFF:
		return 3
	}
	return 0
}

func (op Opcode) String() string {
	switch op.Len() {
	case 1:
		return fmt.Sprintf("0x%02X", uint32(op))
	case 2:
		return fmt.Sprintf("0x%04X", uint32(op))
	}
	return fmt.Sprintf("0x%06X", uint32(op))
}

// ErrBadOpcode is returned for opcodes that cannot be encoded or parsed.
var ErrBadOpcode = errors.New("protocol: invalid opcode")

// AppendOpcode appends the wire form of op to b. Vendor company ids are
// little-endian.
func AppendOpcode(b []byte, op Opcode) ([]byte, error) {
	switch op.Len() {
	case 1:
		return append(b, byte(op)), nil
	case 2:
		return append(b, byte(op>>8), byte(op)), nil
	case 3:
		return append(b, byte(op>>16), byte(op), byte(op>>8)), nil
	}
	return b, fmt.Errorf("%w: %d", ErrBadOpcode, uint32(op))
}

// ParseOpcode splits an access-layer PDU into opcode and payload.
func ParseOpcode(pdu []byte) (Opcode, []byte, error) {
	if len(pdu) == 0 {
		return 0, nil, fmt.Errorf("%w: empty frame", ErrBadOpcode)
	}
	switch pdu[0] >> 6 {
	case 0, 1:
		if pdu[0] == 0x7F {
			return 0, nil, fmt.Errorf("%w: reserved 0x7F", ErrBadOpcode)
		}
		return Opcode(pdu[0]), pdu[1:], nil
	case 2:
		if len(pdu) < 2 {
			return 0, nil, fmt.Errorf("%w: short 2-byte opcode", ErrBadOpcode)
		}
		return Opcode(uint32(pdu[0])<<8 | uint32(pdu[1])), pdu[2:], nil
	default:
		if len(pdu) < 3 {
			return 0, nil, fmt.Errorf("%w: short vendor opcode", ErrBadOpcode)
		}
		return Opcode(uint32(pdu[0])<<16 | uint32(pdu[2])<<8 | uint32(pdu[1])), pdu[3:], nil
	}
}
