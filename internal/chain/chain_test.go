package chain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubmitErrorWrapping(t *testing.T) {
	err := fmt.Errorf("run: %w", &SubmitError{Op: "wait", TxRef: "0xT1", Err: ErrTimeout})

	assert.True(t, IsSubmitError(err))
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Contains(t, err.Error(), "chain wait (tx=0xT1)")

	assert.False(t, IsSubmitError(errors.New("plain")))
	assert.Equal(t, "chain submit: boom", (&SubmitError{Op: "submit", Err: errors.New("boom")}).Error())
}
