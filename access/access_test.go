package access_test

import (
	"errors"
	"testing"

	"github.com/srg/blegate/access"
	"github.com/srg/blegate/locator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var c1 = locator.New("180d", "2a37")

func TestReadCoalescing(t *testing.T) {
	tbl := access.New()

	outcome1, res1, _ := tbl.BeginRead(c1)
	require.Equal(t, access.Issue, outcome1)

	outcome2, res2, _ := tbl.BeginRead(c1)
	require.Equal(t, access.Coalesced, outcome2)

	outcome3, res3, _ := tbl.BeginRead(c1)
	require.Equal(t, access.Coalesced, outcome3)

	matched := tbl.CompleteRead(c1, access.Result{Data: []byte("AB")})
	require.True(t, matched)

	for _, ch := range []<-chan access.Result{res1, res2, res3} {
		r := <-ch
		assert.Equal(t, []byte("AB"), r.Data)
		assert.NoError(t, r.Err)
	}
	assert.Equal(t, 0, tbl.Len())
}

func TestWriteSerializesBehindRead(t *testing.T) {
	tbl := access.New()

	outcome, resRead, _ := tbl.BeginRead(c1)
	require.Equal(t, access.Issue, outcome)

	outcomeW, resWrite, admitW := tbl.BeginWrite(c1)
	require.Equal(t, access.Queued, outcomeW)

	// the write must not be admitted while the read is in flight
	select {
	case <-admitW:
		t.Fatal("write admitted while read in flight")
	default:
	}

	require.True(t, tbl.CompleteRead(c1, access.Result{Data: []byte("Z")}))
	assert.Equal(t, []byte("Z"), (<-resRead).Data)

	admission := <-admitW
	assert.Equal(t, access.AdmissionIssue, admission)

	require.True(t, tbl.CompleteWrite(c1, nil))
	assert.NoError(t, <-resWrite)
	assert.Equal(t, 0, tbl.Len())
}

func TestReadQueuesBehindWriteNoInterleave(t *testing.T) {
	tbl := access.New()

	outcomeW, resWrite, _ := tbl.BeginWrite(c1)
	require.Equal(t, access.Issue, outcomeW)

	outcomeR, resRead, admitR := tbl.BeginRead(c1)
	require.Equal(t, access.Queued, outcomeR)

	select {
	case <-admitR:
		t.Fatal("read admitted while write in flight")
	default:
	}

	require.True(t, tbl.CompleteWrite(c1, nil))
	assert.NoError(t, <-resWrite)

	assert.Equal(t, access.AdmissionIssue, <-admitR)
	require.True(t, tbl.CompleteRead(c1, access.Result{Data: []byte("ok")}))
	assert.Equal(t, []byte("ok"), (<-resRead).Data)
}

func TestFIFOOrderingOfMixedQueue(t *testing.T) {
	tbl := access.New()

	_, _, _ = tbl.BeginWrite(c1) // owner

	_, res2, admit2 := tbl.BeginRead(c1)  // queued #1 (read)
	_, res3, admit3 := tbl.BeginRead(c1)  // queued #2 (read)
	_, res4, admit4 := tbl.BeginWrite(c1) // queued #3 (write)

	tbl.CompleteWrite(c1, nil)

	// #1 and #2 should coalesce into one new read entry: #1 issues, #2 coalesces.
	assert.Equal(t, access.AdmissionIssue, <-admit2)
	assert.Equal(t, access.AdmissionCoalesced, <-admit3)

	// #3 (write) must still be blocked, queued behind the new read entry.
	select {
	case <-admit4:
		t.Fatal("write admitted before the read entry it's queued behind completed")
	default:
	}

	tbl.CompleteRead(c1, access.Result{Data: []byte("v")})
	assert.Equal(t, []byte("v"), (<-res2).Data)
	assert.Equal(t, []byte("v"), (<-res3).Data)

	assert.Equal(t, access.AdmissionIssue, <-admit4)
	tbl.CompleteWrite(c1, nil)
	assert.NoError(t, <-res4)
}

func TestCompleteReadIgnoresWriteEntry(t *testing.T) {
	tbl := access.New()
	tbl.BeginWrite(c1)
	assert.False(t, tbl.CompleteRead(c1, access.Result{}))
	isRead, isWrite := tbl.Get(c1)
	assert.False(t, isRead)
	assert.True(t, isWrite)
}

func TestDrainAllResolvesEveryoneWithError(t *testing.T) {
	tbl := access.New()
	sentinel := errors.New("not present")

	_, resOwner, _ := tbl.BeginRead(c1)
	_, resQueuedWrite, admitQueuedWrite := tbl.BeginWrite(c1)

	c2 := locator.New("180d", "2a38")
	_, resOwner2, _ := tbl.BeginWrite(c2)
	_, resQueuedRead2, admitQueuedRead2 := tbl.BeginRead(c2)

	tbl.DrainAll(func(locator.Locator) error { return sentinel })

	assert.Equal(t, sentinel, (<-resOwner).Err)
	assert.Equal(t, sentinel, <-resQueuedWrite)
	assert.Equal(t, access.AdmissionAborted, <-admitQueuedWrite)

	assert.Equal(t, sentinel, <-resOwner2)
	assert.Equal(t, sentinel, (<-resQueuedRead2).Err)
	assert.Equal(t, access.AdmissionAborted, <-admitQueuedRead2)

	assert.Equal(t, 0, tbl.Len())
}
