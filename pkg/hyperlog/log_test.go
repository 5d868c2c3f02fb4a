package hyperlog

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/raskyld/friends/pkg/kv"
	"github.com/stretchr/testify/require"
)

func openLog(t *testing.T, db kv.DB) *Log {
	t.Helper()
	if db == nil {
		db = kv.NewMemory()
	}
	l, err := Open(db)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func appendHead(t *testing.T, l *Log, value string) Node {
	t.Helper()
	ctx := context.Background()
	heads, err := l.Heads(ctx)
	require.NoError(t, err)
	node, err := l.Append(ctx, heads, []byte(value))
	require.NoError(t, err)
	return node
}

func TestAppend(t *testing.T) {
	ctx := context.Background()
	l := openLog(t, nil)
	require.Zero(t, l.Changes())

	first := appendHead(t, l, "first")
	require.Equal(t, uint64(0), first.Change)
	require.Len(t, first.Key, KeySize)
	require.Empty(t, first.Links)

	second := appendHead(t, l, "second")
	require.Equal(t, uint64(1), second.Change)
	require.Equal(t, [][]byte{first.Key}, second.Links)
	require.Equal(t, []uint64{0}, second.Parents)
	require.Equal(t, uint64(2), l.Changes())

	heads, err := l.Heads(ctx)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	require.Equal(t, second.Key, heads[0].Key)

	got, err := l.Get(ctx, first.Key)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got.Value)

	got, err = l.GetChange(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, second.Key, got.Key)

	_, err = l.GetChange(ctx, 2)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentHeads(t *testing.T) {
	ctx := context.Background()
	l := openLog(t, nil)

	root := appendHead(t, l, "root")
	left, err := l.Append(ctx, []Node{root}, []byte("left"))
	require.NoError(t, err)
	right, err := l.Append(ctx, []Node{root}, []byte("right"))
	require.NoError(t, err)

	heads, err := l.Heads(ctx)
	require.NoError(t, err)
	require.Len(t, heads, 2)
	require.Equal(t, left.Key, heads[0].Key)
	require.Equal(t, right.Key, heads[1].Key)

	merge := appendHead(t, l, "merge")
	require.Len(t, merge.Links, 2)
	require.ElementsMatch(t, []uint64{1, 2}, merge.Parents)

	heads, err = l.Heads(ctx)
	require.NoError(t, err)
	require.Len(t, heads, 1)
}

func TestAppendDeduplicates(t *testing.T) {
	ctx := context.Background()
	l := openLog(t, nil)

	root := appendHead(t, l, "root")
	a, err := l.Append(ctx, []Node{root}, []byte("same"))
	require.NoError(t, err)
	b, err := l.Append(ctx, []Node{root}, []byte("same"))
	require.NoError(t, err)
	require.Equal(t, a.Key, b.Key)
	require.Equal(t, a.Change, b.Change)
	require.Equal(t, uint64(2), l.Changes())
}

func TestAddRequiresParents(t *testing.T) {
	l := openLog(t, nil)
	unknown := make([]byte, KeySize)
	_, err := l.Add(context.Background(), [][]byte{unknown}, []byte("orphan"))
	require.ErrorIs(t, err, ErrMissingParent)
	require.Zero(t, l.Changes())
}

func TestReopen(t *testing.T) {
	db := kv.NewMemory()
	l, err := Open(kv.Sub(db, "room"))
	require.NoError(t, err)
	appendHead(t, l, "a")
	last := appendHead(t, l, "b")
	id := l.ID()
	require.NoError(t, l.Close())

	_, err = l.Heads(context.Background())
	require.ErrorIs(t, err, ErrClosed)

	reopened, err := Open(kv.Sub(db, "room"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), reopened.Changes())
	require.Equal(t, id, reopened.ID())

	heads, err := reopened.Heads(context.Background())
	require.NoError(t, err)
	require.Len(t, heads, 1)
	require.Equal(t, last.Key, heads[0].Key)

	other, err := Open(kv.Sub(db, "other"))
	require.NoError(t, err)
	require.Zero(t, other.Changes())
	require.NotEqual(t, id, other.ID())
}

func TestReadStream(t *testing.T) {
	ctx := context.Background()
	l := openLog(t, nil)
	for _, v := range []string{"a", "b", "c", "d"} {
		appendHead(t, l, v)
	}

	t.Run("since is inclusive", func(t *testing.T) {
		c := l.ReadStream(ReadOptions{Since: 2})
		node, err := c.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, []byte("c"), node.Value)
		node, err = c.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, []byte("d"), node.Value)
		_, err = c.Next(ctx)
		require.ErrorIs(t, err, io.EOF)
	})

	t.Run("since beyond the end", func(t *testing.T) {
		_, err := l.ReadStream(ReadOptions{Since: 10}).Next(ctx)
		require.ErrorIs(t, err, io.EOF)
	})

	t.Run("live cursor waits for appends", func(t *testing.T) {
		c := l.ReadStream(ReadOptions{Since: 4, Live: true})
		got := make(chan Node, 1)
		go func() {
			node, err := c.Next(ctx)
			if err == nil {
				got <- node
			}
		}()

		appendHead(t, l, "e")
		select {
		case node := <-got:
			require.Equal(t, []byte("e"), node.Value)
			require.Equal(t, uint64(4), node.Change)
		case <-time.After(5 * time.Second):
			t.Fatal("live cursor did not wake up")
		}
	})

	t.Run("stop unblocks a live cursor", func(t *testing.T) {
		c := l.ReadStream(ReadOptions{Since: l.Changes(), Live: true})
		errCh := make(chan error, 1)
		go func() {
			_, err := c.Next(ctx)
			errCh <- err
		}()
		c.Stop()
		c.Stop()
		require.ErrorIs(t, <-errCh, ErrStopped)
	})

	t.Run("context cancellation", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := l.ReadStream(ReadOptions{Since: l.Changes(), Live: true}).Next(cctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestNodeEncoding(t *testing.T) {
	l := openLog(t, nil)
	root := appendHead(t, l, "root")
	child := appendHead(t, l, "")

	decoded, err := unmarshalNode(marshalNode(child))
	require.NoError(t, err)
	require.Equal(t, child.Change, decoded.Change)
	require.Equal(t, child.Key, decoded.Key)
	require.Equal(t, [][]byte{root.Key}, decoded.Links)
	require.Equal(t, child.Parents, decoded.Parents)
	require.Empty(t, decoded.Value)

	_, err = unmarshalNode([]byte{0x0a})
	require.ErrorIs(t, err, ErrCorrupted)
}
