// Package protocol implements the line-oriented text grammar spoken by
// clients of the leader:
//
//	SET <id> <value...>   store value under id
//	GET <id>              fetch the value of id
//	EXIT                  close the connection
//
// Tokens are separated by single spaces. The value of a SET is the literal
// remainder of the line, embedded spaces included. The same SET form is the
// payload of the inter-node ReplicateWrite RPC.
package protocol

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Kind is the command verb of a parsed line.
type Kind int

const (
	KindSet Kind = iota + 1
	KindGet
	KindExit
)

func (k Kind) String() string {
	switch k {
	case KindSet:
		return "SET"
	case KindGet:
		return "GET"
	case KindExit:
		return "EXIT"
	default:
		return "UNKNOWN"
	}
}

// Malformed request errors. They are reported to the client inline and never
// close the connection.
var (
	ErrInvalidID        = errors.New("invalid id")
	ErrMissingArguments = errors.New("missing arguments")
	ErrUnknownCommand   = errors.New("unknown command")
)

// Command is one parsed request line.
type Command struct {
	Value string
	ID    int64
	Kind  Kind
}

// Parse parses a single request line. A trailing carriage return is
// ignored and the verb is case-insensitive.
func Parse(line string) (Command, error) {
	line = strings.TrimSuffix(line, "\r")
	parts := strings.SplitN(line, " ", 3)

	switch strings.ToUpper(parts[0]) {
	case "SET":
		if len(parts) < 3 || parts[1] == "" {
			return Command{}, ErrMissingArguments
		}
		id, err := ParseID(parts[1])
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: KindSet, ID: id, Value: parts[2]}, nil
	case "GET":
		if len(parts) < 2 || parts[1] == "" {
			return Command{}, ErrMissingArguments
		}
		id, err := ParseID(parts[1])
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: KindGet, ID: id}, nil
	case "EXIT":
		return Command{Kind: KindExit}, nil
	default:
		return Command{}, ErrUnknownCommand
	}
}

// ParseID parses a base-10 signed 64-bit message id.
func ParseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "parse id %q", s), ErrInvalidID)
	}
	return id, nil
}

// FormatSet renders a SET request line without the trailing newline.
func FormatSet(id int64, value string) string {
	return "SET " + strconv.FormatInt(id, 10) + " " + value
}

// FormatGet renders a GET request line without the trailing newline.
func FormatGet(id int64) string {
	return "GET " + strconv.FormatInt(id, 10)
}

// Response lines.

// SetOK is the reply to a committed SET.
func SetOK(id int64) string {
	return "OK SET " + strconv.FormatInt(id, 10)
}

// QuorumNotReached is the reply to a SET that did not gather enough
// acknowledgements.
const QuorumNotReached = "ERROR Quorum not reached"

// Value is the reply to a GET that found a value.
func Value(id int64, value string) string {
	return "VALUE " + strconv.FormatInt(id, 10) + " " + value
}

// NotFound is the reply to a GET that found nothing.
func NotFound(id int64) string {
	return "NOT_FOUND " + strconv.FormatInt(id, 10)
}

// Error renders a parse error as an ERROR line.
func Error(err error) string {
	switch {
	case errors.Is(err, ErrInvalidID):
		return "ERROR Invalid ID"
	case errors.Is(err, ErrMissingArguments):
		return "ERROR Missing arguments"
	case errors.Is(err, ErrUnknownCommand):
		return "ERROR Unknown command"
	default:
		return "ERROR Internal error"
	}
}
