package protocol

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Command
		wantErr error
	}{
		{name: "set simple", line: "SET 1 hello", want: Command{Kind: KindSet, ID: 1, Value: "hello"}},
		{name: "set keeps embedded spaces", line: "SET 1 hello world", want: Command{Kind: KindSet, ID: 1, Value: "hello world"}},
		{name: "set keeps trailing spaces", line: "SET 2 a  b ", want: Command{Kind: KindSet, ID: 2, Value: "a  b "}},
		{name: "set empty value", line: "SET 3 ", want: Command{Kind: KindSet, ID: 3, Value: ""}},
		{name: "set negative id", line: "SET -4 x", want: Command{Kind: KindSet, ID: -4, Value: "x"}},
		{name: "lowercase verb", line: "set 5 x", want: Command{Kind: KindSet, ID: 5, Value: "x"}},
		{name: "carriage return stripped", line: "GET 6\r", want: Command{Kind: KindGet, ID: 6}},
		{name: "get", line: "GET 34", want: Command{Kind: KindGet, ID: 34}},
		{name: "exit", line: "EXIT", want: Command{Kind: KindExit}},
		{name: "invalid set id", line: "SET abc oops", wantErr: ErrInvalidID},
		{name: "invalid get id", line: "GET 1x", wantErr: ErrInvalidID},
		{name: "id overflow", line: "GET 9223372036854775808", wantErr: ErrInvalidID},
		{name: "set missing value", line: "SET 1", wantErr: ErrMissingArguments},
		{name: "set missing everything", line: "SET", wantErr: ErrMissingArguments},
		{name: "get missing id", line: "GET", wantErr: ErrMissingArguments},
		{name: "get empty id", line: "GET ", wantErr: ErrMissingArguments},
		{name: "unknown verb", line: "DEL 1", wantErr: ErrUnknownCommand},
		{name: "empty line", line: "", wantErr: ErrUnknownCommand},
		{name: "double space is not a separator", line: "SET  1 x", wantErr: ErrMissingArguments},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.line)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v, want %v", err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatSetRoundTripsThroughParse(t *testing.T) {
	line := FormatSet(42, "hello world")
	assert.Equal(t, "SET 42 hello world", line)

	cmd, err := Parse(line)
	require.NoError(t, err)
	assert.Equal(t, Command{Kind: KindSet, ID: 42, Value: "hello world"}, cmd)
}

func TestResponses(t *testing.T) {
	assert.Equal(t, "OK SET 1", SetOK(1))
	assert.Equal(t, "VALUE 1 hello world", Value(1, "hello world"))
	assert.Equal(t, "NOT_FOUND 7", NotFound(7))
	assert.Equal(t, "GET 7", FormatGet(7))
	assert.Equal(t, "ERROR Quorum not reached", QuorumNotReached)

	_, err := Parse("SET abc oops")
	assert.Equal(t, "ERROR Invalid ID", Error(err))
	_, err = Parse("GET")
	assert.Equal(t, "ERROR Missing arguments", Error(err))
	_, err = Parse("FOO")
	assert.Equal(t, "ERROR Unknown command", Error(err))
	assert.Equal(t, "ERROR Internal error", Error(errors.New("boom")))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "SET", KindSet.String())
	assert.Equal(t, "GET", KindGet.String())
	assert.Equal(t, "EXIT", KindExit.String())
	assert.Equal(t, "UNKNOWN", Kind(0).String())
}
