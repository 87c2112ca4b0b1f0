package errors_test

import (
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/molecula/keyshard/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrors(t *testing.T) {
	t.Run("Is", func(t *testing.T) {
		uncoded := errors.New(errors.ErrUncoded, "uncoded error")
		rejected := errors.New(errors.ErrRecordRejected, "no author")
		wrapped := errors.WithCode(io.ErrUnexpectedEOF, errors.ErrShardWriteFailed, "shard 3")

		tests := []struct {
			err    error
			target errors.Code
			exp    bool
		}{
			{
				err:    uncoded,
				target: errors.ErrUncoded,
				exp:    true,
			},
			{
				err:    uncoded,
				target: errors.ErrRecordRejected,
				exp:    false,
			},
			{
				err:    rejected,
				target: errors.ErrRecordRejected,
				exp:    true,
			},
			{
				err:    errors.Wrap(rejected, "line 7"),
				target: errors.ErrRecordRejected,
				exp:    true,
			},
			{
				err:    wrapped,
				target: errors.ErrShardWriteFailed,
				exp:    true,
			},
			{
				err:    errors.Wrap(wrapped, "partition 2"),
				target: errors.ErrIndexWriteFailed,
				exp:    false,
			},
		}

		for i, test := range tests {
			t.Run(fmt.Sprintf("test-%d", i), func(t *testing.T) {
				got := errors.Is(test.err, test.target)
				assert.Equal(t, test.exp, got)
			})
		}
	})

	t.Run("WithCodeKeepsCause", func(t *testing.T) {
		err := errors.WithCode(io.ErrUnexpectedEOF, errors.ErrShardWriteFailed, "shard 3")
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
		assert.Equal(t, "shard 3: unexpected EOF", err.Error())
		assert.Equal(t, errors.ErrShardWriteFailed, errors.CodeOf(errors.Wrap(err, "outer")))
		assert.Nil(t, errors.WithCode(nil, errors.ErrShardWriteFailed, "nothing"))
	})

	t.Run("JSON", func(t *testing.T) {
		err := errors.Wrap(errors.New(errors.ErrKeyNotFound, "key not found: bob"), "lookup")
		j := errors.MarshalJSON(err)
		assert.Contains(t, j, `"code":"KeyNotFound"`)

		back := errors.UnmarshalJSON(strings.NewReader(j))
		assert.True(t, errors.Is(back, errors.ErrKeyNotFound))
		assert.Equal(t, "lookup: key not found: bob", back.Error())

		plain := errors.UnmarshalJSON(strings.NewReader("not json"))
		assert.Equal(t, "not json", plain.Error())
	})
}
