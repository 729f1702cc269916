package rssiqueue_test

import (
	"errors"
	"testing"

	"github.com/srg/blegate/rssiqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstCallerIssuesRestPiggyback(t *testing.T) {
	q := rssiqueue.New()

	issue1, res1 := q.Begin()
	require.True(t, issue1)

	issue2, res2 := q.Begin()
	require.False(t, issue2)

	issue3, res3 := q.Begin()
	require.False(t, issue3)

	q.Complete(rssiqueue.Result{Value: -42})

	for _, ch := range []<-chan rssiqueue.Result{res1, res2, res3} {
		r := <-ch
		assert.Equal(t, -42, r.Value)
		assert.NoError(t, r.Err)
	}
}

func TestCompleteClearsQueueForNextSample(t *testing.T) {
	q := rssiqueue.New()
	q.Begin()
	q.Complete(rssiqueue.Result{Value: -50})

	issue, _ := q.Begin()
	assert.True(t, issue, "queue must be empty again after Complete")
}

func TestCompleteWithError(t *testing.T) {
	q := rssiqueue.New()
	_, res := q.Begin()
	sentinel := errors.New("not present")
	q.Complete(rssiqueue.Result{Err: sentinel})
	assert.Equal(t, sentinel, (<-res).Err)
}
