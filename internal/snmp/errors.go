package snmp

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failed exchange.
type ErrorCode int

const (
	CodeNone ErrorCode = iota
	CodeBadCommunity
	CodeNoSuchObject
	CodeTimeout
	CodeMalformedMessage
	CodeGenErr // any other failure, such as a socket error
)

var (
	ErrBadCommunity     = errors.New("bad community")
	ErrNoSuchObject     = errors.New("no such object")
	ErrTimeout          = errors.New("request timed out")
	ErrMalformedMessage = errors.New("malformed message")
)

func (c ErrorCode) String() string {
	switch c {
	case CodeNone:
		return ""
	case CodeBadCommunity:
		return "bad_community"
	case CodeNoSuchObject:
		return "no_such_object"
	case CodeTimeout:
		return "timeout"
	case CodeMalformedMessage:
		return "malformed_message"
	case CodeGenErr:
		return "gen_err"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

func (c ErrorCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Err returns the sentinel error for c, or nil for CodeNone.
func (c ErrorCode) Err() error {
	switch c {
	case CodeBadCommunity:
		return ErrBadCommunity
	case CodeNoSuchObject:
		return ErrNoSuchObject
	case CodeTimeout:
		return ErrTimeout
	case CodeMalformedMessage:
		return ErrMalformedMessage
	case CodeNone:
		return nil
	default:
		return fmt.Errorf("snmp error %d", int(c))
	}
}

// CodeOf maps an error chain back to its code.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return CodeNone
	case errors.Is(err, ErrBadCommunity):
		return CodeBadCommunity
	case errors.Is(err, ErrNoSuchObject):
		return CodeNoSuchObject
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrMalformedMessage):
		return CodeMalformedMessage
	default:
		return CodeGenErr
	}
}
